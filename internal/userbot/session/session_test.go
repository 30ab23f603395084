package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want platform.Kind
	}{
		{"flood", tgerr.New(420, "FLOOD_WAIT_30"), platform.KindFloodWait},
		{"forbidden", tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), platform.KindWriteForbidden},
		{"restricted", tgerr.New(400, "USER_BANNED_IN_CHANNEL"), platform.KindWriteForbidden},
		{"unregistered", tgerr.New(401, "AUTH_KEY_UNREGISTERED"), platform.KindSessionInvalid},
		{"deactivated", tgerr.New(401, "USER_DEACTIVATED_BAN"), platform.KindSessionInvalid},
		{"gone", tgerr.New(400, "MESSAGE_ID_INVALID"), platform.KindMessageGone},
		{"other", tgerr.New(400, "CHAT_ADMIN_REQUIRED"), platform.KindTransient},
		{"plain", errors.New("dial tcp: timeout"), platform.KindTransient},
	}
	for _, tc := range cases {
		if got := platform.KindOf(classify(tc.err)); got != tc.want {
			t.Errorf("%s: kind = %v, want %v", tc.name, got, tc.want)
		}
	}
	if d, ok := platform.AsFloodWait(classify(tgerr.New(420, "FLOOD_WAIT_30"))); !ok || d != 30*time.Second {
		t.Fatalf("flood wait = %v %v", d, ok)
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) != nil")
	}
	if !errors.Is(classify(context.Canceled), context.Canceled) {
		t.Fatal("context errors must pass through")
	}
	if !IsPermanent(classify(tgerr.New(401, "SESSION_REVOKED"))) {
		t.Fatal("SESSION_REVOKED not permanent")
	}
}

func TestMarkedIDs(t *testing.T) {
	t.Parallel()
	cases := []struct {
		peer   tg.PeerClass
		marked int64
		kind   peerKind
		plain  int64
	}{
		{&tg.PeerUser{UserID: 42}, 42, peerUser, 42},
		{&tg.PeerChat{ChatID: 123}, -123, peerChat, 123},
		{&tg.PeerChannel{ChannelID: 1234567890}, -1001234567890, peerChannel, 1234567890},
	}
	for _, tc := range cases {
		got := markedFromPeer(tc.peer)
		if got != tc.marked {
			t.Errorf("markedFromPeer(%T) = %d, want %d", tc.peer, got, tc.marked)
		}
		kind, plain := unmark(got)
		if kind != tc.kind || plain != tc.plain {
			t.Errorf("unmark(%d) = %v %d", got, kind, plain)
		}
	}
}

func TestPeerCache(t *testing.T) {
	t.Parallel()
	c := newPeerCache(7)
	if id, ok := c.learnChat(&tg.Channel{ID: 55, AccessHash: 99, Title: "Supergroup", Megagroup: true}); !ok || id != -1000000000055 {
		t.Fatalf("learnChat channel = %d %v", id, ok)
	}
	c.learnChat(&tg.Channel{ID: 56, Title: "News"})
	if _, ok := c.learnChat(&tg.Chat{ID: 3, Title: "Old", Deactivated: true}); ok {
		t.Fatal("deactivated chat learned")
	}
	c.learnChat(&tg.Chat{ID: 4, Title: "Basic", ParticipantsCount: 12})

	in, err := c.input(-1000000000055)
	if err != nil {
		t.Fatal(err)
	}
	if ch, ok := in.(*tg.InputPeerChannel); !ok || ch.AccessHash != 99 {
		t.Fatalf("input = %#v", in)
	}
	if _, ok := mustInput(t, c, 7).(*tg.InputPeerSelf); !ok {
		t.Fatal("self id must resolve to InputPeerSelf")
	}
	if _, ok := mustInput(t, c, -9).(*tg.InputPeerChat); !ok {
		t.Fatal("unknown basic group must resolve without a cache entry")
	}
	if _, err := c.input(-1000000000999); err == nil {
		t.Fatal("unknown channel resolved")
	}
	if !c.isGroup(-1000000000055) || c.isGroup(-1000000000056) || !c.isGroup(-4) {
		t.Fatal("group classification wrong")
	}
	if p, _ := c.get(-4); p.members != 12 {
		t.Fatalf("members = %d", p.members)
	}
}

func TestMinEntityKeepsAccessHash(t *testing.T) {
	t.Parallel()
	c := newPeerCache(7)
	c.learnChat(&tg.Channel{ID: 55, AccessHash: 12345, Title: "Group", Megagroup: true})
	c.learnEntities(tg.Entities{
		Channels: map[int64]*tg.Channel{55: {ID: 55, AccessHash: 999, Min: true, Title: "Group renamed", Megagroup: true}},
		Users:    map[int64]*tg.User{42: {ID: 42, AccessHash: 1, FirstName: "Ann"}},
	})
	c.learnUser(&tg.User{ID: 42, AccessHash: 777, Min: true, FirstName: "Ann"})

	if ch := mustInput(t, c, -1000000000055).(*tg.InputPeerChannel); ch.AccessHash != 12345 {
		t.Fatalf("channel access hash = %d, want 12345", ch.AccessHash)
	}
	if p, _ := c.get(-1000000000055); p.title != "Group renamed" {
		t.Fatalf("title = %q", p.title)
	}
	if u := mustInput(t, c, 42).(*tg.InputPeerUser); u.AccessHash != 1 {
		t.Fatalf("user access hash = %d, want 1", u.AccessHash)
	}

	// A min entity for an unseen peer is still better than nothing.
	c.learnChat(&tg.Channel{ID: 60, AccessHash: 5, Min: true, Title: "New"})
	if ch := mustInput(t, c, -1000000000060).(*tg.InputPeerChannel); ch.AccessHash != 5 {
		t.Fatalf("unseen min channel hash = %d", ch.AccessHash)
	}
}

func mustInput(t *testing.T, c *peerCache, id int64) tg.InputPeerClass {
	t.Helper()
	in, err := c.input(id)
	if err != nil {
		t.Fatalf("input(%d): %v", id, err)
	}
	return in
}

func TestSentMessageID(t *testing.T) {
	t.Parallel()
	if got := sentMessageID(&tg.UpdateShortSentMessage{ID: 5}, 1); got != 5 {
		t.Fatalf("short sent = %d", got)
	}
	u := &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateMessageID{ID: 8, RandomID: 2},
		&tg.UpdateMessageID{ID: 9, RandomID: 1},
		&tg.UpdateNewMessage{Message: &tg.Message{ID: 9}},
	}}
	if got := sentMessageID(u, 1); got != 9 {
		t.Fatalf("updates = %d", got)
	}
	if got := sentMessageID(&tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 3}}}}, 1); got != 3 {
		t.Fatalf("fallback = %d", got)
	}
}

func TestIncoming(t *testing.T) {
	t.Parallel()
	c := newClient(nil, 7, logx.Nop())
	c.peers.learnChat(&tg.Channel{ID: 55, Megagroup: true, Title: "g"})

	msg := &tg.Message{ID: 10, Out: true, Message: ".hiyaok 5", PeerID: &tg.PeerChannel{ChannelID: 55}}
	msg.SetReplyTo(&tg.MessageReplyHeader{ReplyToMsgID: 4})
	in, ok := c.incoming(msg)
	if !ok || !in.Out || !in.IsGroup || in.ReplyTo != 4 || in.Ref.ChatID != -1000000000055 || in.Ref.ID != 10 {
		t.Fatalf("incoming = %+v %v", in, ok)
	}
	in, _ = c.incoming(&tg.Message{ID: 1, PeerID: &tg.PeerUser{UserID: 7}})
	if in.IsGroup || in.Ref.ChatID != 7 {
		t.Fatalf("saved messages = %+v", in)
	}
	if _, ok := c.incoming(&tg.MessageEmpty{ID: 1}); ok {
		t.Fatal("empty message accepted")
	}
}

func TestShortUpdatesExpanded(t *testing.T) {
	t.Parallel()
	var got []*tg.Message
	h := shortUpdates(telegram.UpdateHandlerFunc(func(_ context.Context, u tg.UpdatesClass) error {
		if s, ok := u.(*tg.UpdateShort); ok {
			if nm, ok := s.Update.(*tg.UpdateNewMessage); ok {
				got = append(got, nm.Message.(*tg.Message))
			}
		}
		return nil
	}))
	ctx := context.Background()
	_ = h.Handle(ctx, &tg.UpdateShortChatMessage{Out: true, ID: 3, ChatID: 12, Message: ".stop"})
	_ = h.Handle(ctx, &tg.UpdateShortMessage{ID: 4, UserID: 9, Message: "hi"})
	if len(got) != 2 {
		t.Fatalf("expanded %d updates", len(got))
	}
	if markedFromPeer(got[0].PeerID) != -12 || !got[0].Out || got[0].Message != ".stop" {
		t.Fatalf("chat message = %+v", got[0])
	}
	if markedFromPeer(got[1].PeerID) != 9 || got[1].Out {
		t.Fatalf("private message = %+v", got[1])
	}
}

func TestCredentials(t *testing.T) {
	t.Parallel()
	if err := (Credentials{}).validate(); err == nil {
		t.Fatal("empty credentials accepted")
	}
	_, err := memoryStorage(context.Background(), "not-a-session")
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("bad token err = %v", err)
	}
	_, err = Checker{}.Validate(context.Background(), Credentials{Token: "x"})
	if !IsPermanent(err) {
		t.Fatalf("Validate with missing api id = %v", err)
	}
}
