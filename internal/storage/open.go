package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "userbotd/pkg/logx"
)

// Store is the persistence API used by the supervisor, the sweeper and the
// admin commands. All methods are safe for concurrent use.
type Store interface {
	ListIdentities(ctx context.Context) ([]Identity, error)
	GetIdentity(ctx context.Context, id int64) (Identity, error)
	// PutIdentity inserts or replaces a record. It fails with ErrPhoneTaken
	// when another identity already uses the same phone.
	PutIdentity(ctx context.Context, it Identity) error
	SetActive(ctx context.Context, id int64, active bool) error
	// Extend moves expires_at and re-activates the identity.
	Extend(ctx context.Context, id int64, expiresAt time.Time) (Identity, error)
	DeleteIdentity(ctx context.Context, id int64) error

	ListGrants(ctx context.Context) ([]Grant, error)
	// GetGrant and DeleteGrant fail with ErrNoGrant for unknown users.
	GetGrant(ctx context.Context, userID int64) (Grant, error)
	PutGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, userID int64) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	if key := strings.TrimSpace(cfg.Key); key != "" {
		sealed, err := newSealedStore(st, key)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		log.Info("auth token encryption enabled")
		return sealed, nil
	}
	return st, nil
}
