package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"userbotd/internal/userbot/platform"
)

// ErrInvalidSession is returned when the stored credential can never
// authenticate again.
var ErrInvalidSession = platform.ErrSessionInvalid

// invalidSessionTypes are RPC error types that mean the credential is dead.
var invalidSessionTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_DUPLICATED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
}

var forbiddenTypes = []string{
	"CHAT_WRITE_FORBIDDEN",
	"CHAT_SEND_PLAIN_FORBIDDEN",
	"CHAT_SEND_MEDIA_FORBIDDEN",
	"CHAT_RESTRICTED",
	"CHAT_GUEST_SEND_FORBIDDEN",
	"CHANNEL_PRIVATE",
	"USER_BANNED_IN_CHANNEL",
}

var goneTypes = []string{
	"MESSAGE_ID_INVALID",
	"MESSAGE_IDS_EMPTY",
	"MSG_ID_INVALID",
}

// classify maps a gotd error into the platform taxonomy. Errors it does not
// recognise are returned unchanged.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &platform.FloodWaitError{Wait: d, Err: err}
	}
	switch {
	case tgerr.Is(err, invalidSessionTypes...) || auth.IsUnauthorized(err):
		return fmt.Errorf("%w: %w", platform.ErrSessionInvalid, err)
	case tgerr.Is(err, forbiddenTypes...):
		return fmt.Errorf("%w: %w", platform.ErrWriteForbidden, err)
	case tgerr.Is(err, goneTypes...):
		return fmt.Errorf("%w: %w", platform.ErrMessageGone, err)
	}
	return err
}

// IsPermanent reports whether err means the identity must be removed.
func IsPermanent(err error) bool {
	return errors.Is(err, platform.ErrSessionInvalid)
}

func tgerrIsNotModified(err error) bool {
	return tgerr.Is(err, "MESSAGE_NOT_MODIFIED")
}
