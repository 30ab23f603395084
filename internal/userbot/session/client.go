package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"

	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

// Client adapts the raw MTProto API to the forward scheduler. All errors are
// classified before they leave the package.
type Client struct {
	api   *tg.Client
	peers *peerCache
	log   logx.Logger
}

const dialogBatch = 100

func newClient(api *tg.Client, selfID int64, log logx.Logger) *Client {
	return &Client{api: api, peers: newPeerCache(selfID), log: log}
}

func randomID() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// FetchMessage loads one message. A deleted or empty message is ErrMessageGone.
func (c *Client) FetchMessage(ctx context.Context, ref platform.MessageRef) (platform.Message, error) {
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: ref.ID}}

	var (
		res tg.MessagesMessagesClass
		err error
	)
	if kind, _ := unmark(ref.ChatID); kind == peerChannel {
		peer, perr := c.peers.input(ref.ChatID)
		if perr != nil {
			return platform.Message{}, fmt.Errorf("fetch %s: %w", ref.Key(), platform.ErrMessageGone)
		}
		ch, ok := peer.(*tg.InputPeerChannel)
		if !ok {
			return platform.Message{}, fmt.Errorf("fetch %s: not a channel peer", ref.Key())
		}
		res, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      ids,
		})
	} else {
		res, err = c.api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return platform.Message{}, fmt.Errorf("fetch %s: %w", ref.Key(), classify(err))
	}

	withMessages, ok := res.(interface{ GetMessages() []tg.MessageClass })
	if !ok {
		return platform.Message{}, fmt.Errorf("fetch %s: %w", ref.Key(), platform.ErrMessageGone)
	}
	for _, m := range withMessages.GetMessages() {
		msg, ok := m.(*tg.Message)
		if !ok || msg.ID != ref.ID {
			continue
		}
		return platform.Message{Ref: ref, Text: msg.Message, HasMedia: msg.Media != nil}, nil
	}
	return platform.Message{}, fmt.Errorf("fetch %s: %w", ref.Key(), platform.ErrMessageGone)
}

// Dialogs pages through every dialog of the account and returns its group and
// channel chats. Each chat seen refreshes the peer cache.
func (c *Client) Dialogs(ctx context.Context) ([]platform.Dialog, error) {
	var out []platform.Dialog
	err := query.GetDialogs(c.api).BatchSize(dialogBatch).ForEach(ctx, func(_ context.Context, e dialogs.Elem) error {
		var ch tg.ChatClass
		switch p := e.Dialog.GetPeer().(type) {
		case *tg.PeerChat:
			if v, ok := e.Entities.Chat(p.ChatID); ok {
				ch = v
			}
		case *tg.PeerChannel:
			if v, ok := e.Entities.Channel(p.ChannelID); ok {
				ch = v
			}
		}
		if ch == nil {
			return nil
		}
		id, ok := c.peers.learnChat(ch)
		if !ok {
			return nil
		}
		info, _ := c.peers.get(id)
		out = append(out, platform.Dialog{ID: id, Title: info.title, IsGroup: info.isGroup})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dialogs: %w", classify(err))
	}
	return out, nil
}

// Forward re-posts msg into the chat to.
func (c *Client) Forward(ctx context.Context, to int64, msg platform.Message) error {
	from, err := c.peers.input(msg.Ref.ChatID)
	if err != nil {
		return err
	}
	dest, err := c.peers.input(to)
	if err != nil {
		return err
	}
	rid, err := randomID()
	if err != nil {
		return err
	}
	_, err = c.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ID:       []int{msg.Ref.ID},
		RandomID: []int64{rid},
		ToPeer:   dest,
	})
	return classify(err)
}

// Reply posts text as a reply to ref and returns the new message.
func (c *Client) Reply(ctx context.Context, to platform.MessageRef, text string) (platform.MessageRef, error) {
	peer, err := c.peers.input(to.ChatID)
	if err != nil {
		return platform.MessageRef{}, err
	}
	rid, err := randomID()
	if err != nil {
		return platform.MessageRef{}, err
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rid,
	}
	if to.ID != 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: to.ID}
	}
	upd, err := c.api.MessagesSendMessage(ctx, req)
	if err != nil {
		return platform.MessageRef{}, classify(err)
	}
	return platform.MessageRef{ChatID: to.ChatID, ID: sentMessageID(upd, rid)}, nil
}

// Send posts text to a chat without replying.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	_, err := c.Reply(ctx, platform.MessageRef{ChatID: chatID}, text)
	return err
}

func (c *Client) Edit(ctx context.Context, ref platform.MessageRef, text string) error {
	peer, err := c.peers.input(ref.ChatID)
	if err != nil {
		return err
	}
	_, err = c.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      ref.ID,
		Message: text,
	})
	if tgerrIsNotModified(err) {
		return nil
	}
	return classify(err)
}

// MemberCount uses the count seen in the dialog list and falls back to the
// full channel info when the list did not carry one.
func (c *Client) MemberCount(ctx context.Context, chatID int64) (int, error) {
	if p, ok := c.peers.get(chatID); ok && p.members > 0 {
		return p.members, nil
	}
	kind, id := unmark(chatID)
	switch kind {
	case peerChannel:
		peer, err := c.peers.input(chatID)
		if err != nil {
			return 0, err
		}
		ch, ok := peer.(*tg.InputPeerChannel)
		if !ok {
			return 0, fmt.Errorf("member count for %d: not a channel peer", chatID)
		}
		full, err := c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash})
		if err != nil {
			return 0, classify(err)
		}
		if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
			if n, ok := cf.GetParticipantsCount(); ok {
				return n, nil
			}
		}
	case peerChat:
		full, err := c.api.MessagesGetFullChat(ctx, id)
		if err != nil {
			return 0, classify(err)
		}
		if cf, ok := full.FullChat.(*tg.ChatFull); ok {
			if ps, ok := cf.Participants.(*tg.ChatParticipants); ok {
				return len(ps.Participants), nil
			}
		}
	}
	return 0, fmt.Errorf("member count for %d unavailable", chatID)
}

// ChatTitle resolves a title from the peer cache, refreshing it once.
func (c *Client) ChatTitle(ctx context.Context, chatID int64) (string, error) {
	if p, ok := c.peers.get(chatID); ok {
		return p.title, nil
	}
	if _, err := c.Dialogs(ctx); err != nil {
		return "", err
	}
	if p, ok := c.peers.get(chatID); ok {
		return p.title, nil
	}
	return "", fmt.Errorf("chat %d not found", chatID)
}

// sentMessageID digs the id of the message created by a send out of the
// updates the server returned. It is 0 when the updates do not say.
func sentMessageID(u tg.UpdatesClass, rid int64) int {
	switch u := u.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		return idFromUpdates(u.Updates, rid)
	case *tg.UpdatesCombined:
		return idFromUpdates(u.Updates, rid)
	}
	return 0
}

func idFromUpdates(list []tg.UpdateClass, rid int64) int {
	fallback := 0
	for _, up := range list {
		switch up := up.(type) {
		case *tg.UpdateMessageID:
			if up.RandomID == rid {
				return up.ID
			}
		case *tg.UpdateNewMessage:
			fallback = up.Message.GetID()
		case *tg.UpdateNewChannelMessage:
			fallback = up.Message.GetID()
		}
	}
	return fallback
}
