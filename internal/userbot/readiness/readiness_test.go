package readiness

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	logx "userbotd/pkg/logx"
)

func TestParse(t *testing.T) {
	t.Parallel()
	st := Parse([]byte("READY=1\nSTATUS=authorized as 42\ngarbage\nMAINPID=9"))
	if !st.Ready() || st.Status() != "authorized as 42" || st["MAINPID"] != "9" {
		t.Fatalf("Parse = %v", st)
	}
	if Parse([]byte("STATUS=x")).Ready() {
		t.Fatal("status-only datagram reported ready")
	}
}

// Not parallel: Notify reads NOTIFY_SOCKET from the process environment.
func TestReadyRoundTrip(t *testing.T) {
	l, err := Listen(logx.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	t.Setenv(EnvKey, l.Path())

	if sent, err := Status("connecting"); err != nil || !sent {
		t.Fatalf("Status: sent=%v err=%v", sent, err)
	}
	if sent, err := Ready("authorized as 42"); err != nil || !sent {
		t.Fatalf("Ready: sent=%v err=%v", sent, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := l.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st.Status() != "authorized as 42" {
		t.Fatalf("status = %q", st.Status())
	}
	if l.Status() != "authorized as 42" {
		t.Fatalf("Listener.Status = %q", l.Status())
	}
}

func TestWaitTimesOutAndCloseCleansUp(t *testing.T) {
	t.Parallel()
	l, err := Listen(logx.Nop())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait err = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("socket still present: %v", err)
	}
	if _, err := l.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Wait after close = %v", err)
	}
}
