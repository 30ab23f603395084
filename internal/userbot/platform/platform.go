// Package platform holds the messaging-platform types and error taxonomy shared
// by the session adapter and everything running on top of it.
//
// Chat ids are "marked" the way Telegram clients display them: users are
// positive, basic groups are -id and channels/supergroups are -(1e12+id).
package platform

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrWriteForbidden means the account may not post in the destination.
	ErrWriteForbidden = errors.New("write forbidden")
	// ErrMessageGone means the source message was deleted or is unreachable.
	ErrMessageGone = errors.New("message not found")
	// ErrSessionInvalid means the credential is permanently unusable
	// (unregistered, revoked, deactivated or banned).
	ErrSessionInvalid = errors.New("session invalid")
)

// FloodWaitError is a platform-mandated backoff.
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }

// AsFloodWait extracts the mandated wait from err.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// Kind is the coarse class of a platform error.
type Kind int

const (
	KindNone Kind = iota
	KindFloodWait
	KindWriteForbidden
	KindMessageGone
	KindSessionInvalid
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFloodWait:
		return "flood_wait"
	case KindWriteForbidden:
		return "write_forbidden"
	case KindMessageGone:
		return "message_gone"
	case KindSessionInvalid:
		return "session_invalid"
	default:
		return "transient"
	}
}

// KindOf classifies an error that already went through the session adapter.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSessionInvalid):
		return KindSessionInvalid
	case errors.Is(err, ErrMessageGone):
		return KindMessageGone
	case errors.Is(err, ErrWriteForbidden):
		return KindWriteForbidden
	}
	if _, ok := AsFloodWait(err); ok {
		return KindFloodWait
	}
	return KindTransient
}

// MessageRef addresses one message.
type MessageRef struct {
	ChatID int64
	ID     int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.ID == 0 }

// Key renders the ref as "<chat_id>_<message_id>".
func (r MessageRef) Key() string {
	return strconv.FormatInt(r.ChatID, 10) + "_" + strconv.Itoa(r.ID)
}

// Message is a fetched message. Only what forwarding and previews need.
type Message struct {
	Ref      MessageRef
	Text     string
	HasMedia bool
}

// Dialog is one conversation of the account.
type Dialog struct {
	ID      int64
	Title   string
	IsGroup bool
}

// Self describes the authorized account.
type Self struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
}

// Incoming is a message the account itself sent; commands arrive this way.
type Incoming struct {
	Ref     MessageRef
	ReplyTo int // 0 if not a reply
	Text    string
	IsGroup bool
	Out     bool
}
