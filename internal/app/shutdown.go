package app

import (
	"context"
	"fmt"
	"time"

	"userbotd/internal/eventbus"
	logx "userbotd/pkg/logx"
	"userbotd/pkg/systemd"
)

// logEvents mirrors bus events into the debug log until ctx ends.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Identity(e.IdentityID), logx.Time("at", e.Time))
		}
	}
}

// stopStage is one bounded step of shutdown.
type stopStage struct {
	name  string
	limit time.Duration
	run   func(ctx context.Context) error
}

// Stop shuts the daemon down stage by stage. Each stage gets at most its
// limit, clipped to ctx's deadline; a stage that overruns is left to finish
// in the background and shutdown moves on.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	stages := []stopStage{
		// Userbots first: their stop notices and audit rows still need the store.
		{"userbots", 15 * time.Second, func(c context.Context) error {
			a.procs.StopAll(c)
			a.procSup.Cancel()
			return a.procSup.Wait(c)
		}},
		{"scheduler", 2 * time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }},
		{"metrics", time.Second, func(c context.Context) error { a.msrv.Stop(c); return nil }},
		{"notifier", 2 * time.Second, func(c context.Context) error { a.notif.Stop(c); return nil }},
		{"adapter", 2 * time.Second, a.adapter.Stop},
		{"storage", time.Second, func(context.Context) error { return a.store.Close() }},
		// Config watch, reload and dispatch loops.
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range stages {
		a.runStage(ctx, st)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) runStage(parent context.Context, st stopStage) {
	limit := st.limit
	if dl, ok := parent.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop stage skipped, no time left", logx.String("stage", st.name))
		return
	}
	ctx, cancel := context.WithTimeout(parent, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- st.run(ctx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		switch {
		case err != nil:
			a.log.Warn("stop stage failed", logx.String("stage", st.name), logx.Duration("took", took), logx.Err(err))
		case took >= 500*time.Millisecond:
			a.log.Info("stop stage done", logx.String("stage", st.name), logx.Duration("took", took))
		default:
			a.log.Debug("stop stage done", logx.String("stage", st.name), logx.Duration("took", took))
		}
	case <-ctx.Done():
		a.log.Warn("stop stage overran; continuing", logx.String("stage", st.name), logx.Duration("limit", limit))
		go func() {
			err := <-done
			a.log.Info("late stop stage finished", logx.String("stage", st.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
