package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("identity not found")
	ErrPhoneTaken = errors.New("phone already registered to another identity")
	ErrNoGrant    = errors.New("user has no grant")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON document + JSON Lines audit log
//   - "sqlite": SQLite database file (modernc, pure Go)
//
// Key is an optional age X25519 secret key ("AGE-SECRET-KEY-1..."). When set,
// auth tokens are encrypted at rest.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Key         string
}

// Identity is one authenticated account acting as a forwarding agent.
type Identity struct {
	ID        int64     `json:"id"`
	AuthToken string    `json:"auth_token"`
	APIID     int       `json:"api_id"`
	APIHash   string    `json:"api_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	OwnerID   int64     `json:"owner_id"`
	Phone     string    `json:"phone,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
}

// Expired reports whether the subscription window has elapsed at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// Entitled reports whether the identity may run at now.
func (i Identity) Entitled(now time.Time) bool { return i.Active && !i.Expired(now) }

// DisplayName is the best human label available.
func (i Identity) DisplayName() string {
	switch {
	case i.FirstName != "" && i.LastName != "":
		return i.FirstName + " " + i.LastName
	case i.FirstName != "":
		return i.FirstName
	case i.Phone != "":
		return i.Phone
	default:
		return "identity"
	}
}

// normalize enforces that an elapsed subscription is never active.
func (i Identity) normalize(now time.Time) Identity {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.Expired(now) {
		i.Active = false
	}
	return i
}

// AuditEntry records an operator or lifecycle action.
type AuditEntry struct {
	At         time.Time `json:"at"`
	ActorID    int64     `json:"actor_id,omitempty"` // 0 for automatic actions
	IdentityID int64     `json:"identity_id,omitempty"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}

// Grant lets a user who is not a bot owner register one userbot of their own
// until ExpiresAt.
type Grant struct {
	UserID    int64     `json:"user_id"`
	GrantedBy int64     `json:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (g Grant) Expired(now time.Time) bool { return !now.Before(g.ExpiresAt) }
