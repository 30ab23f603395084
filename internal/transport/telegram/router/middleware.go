package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "userbotd/pkg/logx"
)

// slowCommand is the duration above which a successful command logs at info.
const slowCommand = 750 * time.Millisecond

type middleware func(next HandlerFunc) HandlerFunc

// wrap applies mws so the first one is outermost.
func wrap(h HandlerFunc, mws ...middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func withTimeout(d time.Duration) middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

func recoverPanics(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		defer func() {
			if r := recover(); r != nil {
				req.Logger.Error("command panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return next(ctx, req)
	}
}

// replyOnError tells the sender a command failed when the handler returned
// an error instead of answering.
func replyOnError(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		err := next(ctx, req)
		if err == nil || ctx.Err() != nil {
			return err
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := req.Reply(rctx, "❌ Command failed, try again in a moment."); rerr != nil {
			req.Logger.Debug("failure reply not sent", logx.Err(rerr))
		}
		return err
	}
}

func logRequest(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		start := time.Now()
		err := next(ctx, req)
		took := time.Since(start)
		switch {
		case err != nil:
			req.Logger.Warn("command failed", logx.Duration("took", took), logx.Err(err))
		case took >= slowCommand:
			req.Logger.Info("command done", logx.Duration("took", took))
		default:
			req.Logger.Debug("command done", logx.Duration("took", took))
		}
		return err
	}
}

// throttle keeps a token bucket per sender. The table is dropped wholesale
// once it grows past maxSenders.
type throttle struct {
	every time.Duration
	burst int

	mu    sync.Mutex
	byID  map[int64]*rate.Limiter
	limit int
}

const maxSenders = 4096

func newThrottle(perMin int) *throttle {
	return &throttle{
		every: time.Minute / time.Duration(perMin),
		burst: max(perMin/4, 1),
		byID:  map[int64]*rate.Limiter{},
		limit: maxSenders,
	}
}

func (t *throttle) allow(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.byID[id]
	if l == nil {
		if len(t.byID) >= t.limit {
			clear(t.byID)
		}
		l = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.byID[id] = l
	}
	return l.Allow()
}
