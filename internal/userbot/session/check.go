package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap/zapcore"

	"userbotd/internal/storage"
	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

// Checker opens short-lived connections to check or message a stored session.
type Checker struct {
	Timeout time.Duration
	Log     logx.Logger
}

func (p Checker) timeout() time.Duration {
	if p.Timeout <= 0 {
		return 30 * time.Second
	}
	return p.Timeout
}

// with connects, checks authorization and runs fn. Unauthorized sessions
// fail with ErrInvalidSession.
func (p Checker) with(ctx context.Context, creds Credentials, fn func(ctx context.Context, api *tg.Client, self *tg.User) error) error {
	if err := creds.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	store, err := memoryStorage(ctx, creds.Token)
	if err != nil {
		return err
	}
	log := p.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	client := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: store,
		NoUpdates:      true,
		Logger:         logx.Zap(log.With(logx.String("comp", "gotd")), zapcore.WarnLevel),
	})
	err = client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return classify(err)
		}
		if !status.Authorized || status.User == nil {
			return fmt.Errorf("%w: not authorized", ErrInvalidSession)
		}
		return fn(ctx, client.API(), status.User)
	})
	return classify(err)
}

// Validate returns the account behind creds.
func (p Checker) Validate(ctx context.Context, creds Credentials) (platform.Self, error) {
	var self platform.Self
	err := p.with(ctx, creds, func(_ context.Context, _ *tg.Client, u *tg.User) error {
		self = selfFromUser(u)
		return nil
	})
	return self, err
}

// SendSaved posts text to the account's own Saved Messages.
func (p Checker) SendSaved(ctx context.Context, creds Credentials, text string) error {
	return p.with(ctx, creds, func(ctx context.Context, api *tg.Client, _ *tg.User) error {
		rid, err := randomID()
		if err != nil {
			return err
		}
		_, err = api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     &tg.InputPeerSelf{},
			Message:  text,
			RandomID: rid,
		})
		return classify(err)
	})
}

func selfFromUser(u *tg.User) platform.Self {
	return platform.Self{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		Phone:     u.Phone,
	}
}

// CredentialsOf returns the session credentials stored with ident.
func CredentialsOf(ident storage.Identity) Credentials {
	return Credentials{Token: ident.AuthToken, APIID: ident.APIID, APIHash: ident.APIHash}
}

// IdentityChecker runs a Checker against stored identities.
type IdentityChecker struct {
	Checker Checker
}

func (p IdentityChecker) Validate(ctx context.Context, ident storage.Identity) error {
	_, err := p.Checker.Validate(ctx, CredentialsOf(ident))
	return err
}

// Verify validates ident and returns the account it logs in as.
func (p IdentityChecker) Verify(ctx context.Context, ident storage.Identity) (platform.Self, error) {
	return p.Checker.Validate(ctx, CredentialsOf(ident))
}

func (p IdentityChecker) SendSaved(ctx context.Context, ident storage.Identity, text string) error {
	return p.Checker.SendSaved(ctx, CredentialsOf(ident), text)
}
