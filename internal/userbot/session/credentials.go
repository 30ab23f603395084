package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
)

// Credentials is everything needed to resume one stored session.
type Credentials struct {
	Token   string // Telethon string session
	APIID   int
	APIHash string
}

func (c Credentials) validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("empty session token"))
	}
	if c.APIID <= 0 {
		errs = append(errs, errors.New("api id must be positive"))
	}
	if strings.TrimSpace(c.APIHash) == "" {
		errs = append(errs, errors.New("empty api hash"))
	}
	return errors.Join(errs...)
}

// memoryStorage decodes a string session into an in-memory gotd storage.
// The token never touches disk in the child.
func memoryStorage(ctx context.Context, token string) (telegram.SessionStorage, error) {
	data, err := session.TelethonSession(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: decode token: %w", ErrInvalidSession, err)
	}
	st := &session.StorageMemory{}
	if err := (&session.Loader{Storage: st}).Save(ctx, data); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return st, nil
}
