package session

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap/zapcore"

	"userbotd/internal/config"
	"userbotd/internal/userbot/forward"
	"userbotd/internal/userbot/platform"
	"userbotd/internal/userbot/readiness"
	logx "userbotd/pkg/logx"
)

// Run is the body of a session process: connect, authorize, announce
// readiness and serve in-session commands until ctx ends.
func Run(ctx context.Context, creds Credentials, env config.ChildEnv, log logx.Logger, stdout io.Writer) error {
	if err := creds.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	storage, err := memoryStorage(ctx, creds.Token)
	if err != nil {
		return err
	}
	log = log.With(logx.Identity(env.IdentityID))

	var (
		sched  atomic.Pointer[forward.Scheduler]
		client atomic.Pointer[Client]
	)
	dispatcher := tg.NewUpdateDispatcher()
	// Commands outlive the update callback, so they run on the process context.
	runCtx := ctx
	onMessage := func(_ context.Context, e tg.Entities, m tg.MessageClass) error {
		s, c := sched.Load(), client.Load()
		if s == nil || c == nil {
			return nil
		}
		c.peers.learnEntities(e)
		in, ok := c.incoming(m)
		if !ok {
			return nil
		}
		go s.Handle(runCtx, in)
		return nil
	}
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return onMessage(ctx, e, u.Message)
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return onMessage(ctx, e, u.Message)
	})

	tc := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  shortUpdates(dispatcher),
		Logger:         logx.Zap(log.With(logx.String("comp", "gotd")), zapcore.WarnLevel),
	})

	err = tc.Run(ctx, func(ctx context.Context) error {
		status, err := tc.Auth().Status(ctx)
		if err != nil {
			return classify(err)
		}
		if !status.Authorized || status.User == nil {
			return fmt.Errorf("%w: not authorized", ErrInvalidSession)
		}
		self := selfFromUser(status.User)
		c := newClient(tc.API(), self.ID, log)
		c.peers.learnUser(status.User)
		if _, err := c.Dialogs(ctx); err != nil {
			log.Warn("initial dialog load failed", logx.Err(err))
		}

		s := forward.New(ctx, c, log, forward.Options{
			MaxTasks: env.MaxTasks,
			Pacing:   env.Pacing,
			Policy:   forward.SendPolicy{MaxFloodRetries: env.MaxFloodRetries, MaxFloodWait: env.MaxFloodWait},
		})
		client.Store(c)
		sched.Store(s)

		if _, err := readiness.Ready(fmt.Sprintf("authorized as %d", self.ID)); err != nil {
			log.Warn("readiness notify failed", logx.Err(err))
		}
		fmt.Fprintln(stdout, readiness.Marker)
		log.Info("session ready", logx.Int64("self", self.ID), logx.String("name", self.FirstName))

		<-ctx.Done()
		_, _ = readiness.Stopping()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warn("forward tasks did not stop in time", logx.Err(err))
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return classify(err)
	}
	return nil
}

// shortUpdates expands the compact message updates the server uses for
// private and basic group chats so the dispatcher sees them as new messages.
func shortUpdates(next telegram.UpdateHandler) telegram.UpdateHandler {
	return telegram.UpdateHandlerFunc(func(ctx context.Context, u tg.UpdatesClass) error {
		switch u := u.(type) {
		case *tg.UpdateShortMessage:
			msg := &tg.Message{
				Out:     u.Out,
				ID:      u.ID,
				PeerID:  &tg.PeerUser{UserID: u.UserID},
				Message: u.Message,
				Date:    u.Date,
			}
			if u.ReplyTo != nil {
				msg.SetReplyTo(u.ReplyTo)
			}
			return next.Handle(ctx, &tg.UpdateShort{Update: &tg.UpdateNewMessage{Message: msg}, Date: u.Date})
		case *tg.UpdateShortChatMessage:
			msg := &tg.Message{
				Out:     u.Out,
				ID:      u.ID,
				PeerID:  &tg.PeerChat{ChatID: u.ChatID},
				Message: u.Message,
				Date:    u.Date,
			}
			if u.ReplyTo != nil {
				msg.SetReplyTo(u.ReplyTo)
			}
			return next.Handle(ctx, &tg.UpdateShort{Update: &tg.UpdateNewMessage{Message: msg}, Date: u.Date})
		}
		return next.Handle(ctx, u)
	})
}

// incoming converts a raw message into a command candidate.
func (c *Client) incoming(m tg.MessageClass) (platform.Incoming, bool) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return platform.Incoming{}, false
	}
	chatID := markedFromPeer(msg.PeerID)
	if chatID == 0 {
		return platform.Incoming{}, false
	}
	in := platform.Incoming{
		Ref:     platform.MessageRef{ChatID: chatID, ID: msg.ID},
		Text:    msg.Message,
		Out:     msg.Out,
		IsGroup: chatID < 0 && c.peers.isGroup(chatID),
	}
	if h, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok {
		in.ReplyTo = h.ReplyToMsgID
	}
	return in, true
}
