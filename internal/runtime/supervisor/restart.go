package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	logx "userbotd/pkg/logx"
)

// stableRun is how long a run must last before backoff starts over.
const stableRun = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 is unlimited
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// WithPublishFirstError records the first failure in Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

func (c restartCfg) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minBackoff
	b.MaxInterval = max(c.maxBackoff, c.minBackoff)
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// GoRestart runs fn and restarts it after an error or panic, with jittered
// exponential backoff, until the supervisor is canceled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	s.spawn(func() { s.restartLoop(name, fn, cfg) })
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, cfg restartCfg) {
	bo := cfg.policy()
	for restarts := 0; ; restarts++ {
		run := s.stats.open(name, restarts > 0)
		err := s.call(name, fn)

		if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || (err == nil && cfg.stopOnCleanExit) {
			s.stats.close(run, nil)
			return
		}
		if err == nil {
			err = errors.New("exited")
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.stats.close(run, err)
		if cfg.publishFirstErr {
			s.recordErr(err)
		}

		if cfg.maxRestarts > 0 && restarts >= cfg.maxRestarts {
			s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			return
		}
		if time.Since(run.start) >= stableRun {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
