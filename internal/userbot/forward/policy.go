package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"userbotd/internal/userbot/platform"
)

// ErrFloodLimit marks a send that still failed after honoring a flood wait.
var ErrFloodLimit = errors.New("flood limit")

// SendPolicy is the single retry policy applied to every outbound forward.
//
// A flood wait is slept and the send retried, at most MaxFloodRetries times.
// Waits longer than MaxFloodWait are not slept at all. Any failure after a
// flood wait is reported as ErrFloodLimit. Other errors are never retried.
type SendPolicy struct {
	MaxFloodRetries int
	MaxFloodWait    time.Duration
}

// Do runs send. waitCtx bounds the flood sleeps only; when it is cancelled the
// retry is skipped and the flood error returned.
func (p SendPolicy) Do(waitCtx context.Context, send func() error) error {
	err := send()
	flooded := false
	for retries := 0; err != nil; retries++ {
		wait, ok := platform.AsFloodWait(err)
		if !ok {
			break
		}
		flooded = true
		if retries >= p.MaxFloodRetries || (p.MaxFloodWait > 0 && wait > p.MaxFloodWait) {
			break
		}
		if sleepCtx(waitCtx, wait) != nil {
			break
		}
		err = send()
	}
	if err != nil && flooded {
		return fmt.Errorf("%w: %w", ErrFloodLimit, err)
	}
	return err
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
