package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"userbotd/internal/config"
	"userbotd/internal/eventbus"
	"userbotd/internal/runtime/supervisor"
	"userbotd/internal/storage"
	"userbotd/internal/userbot/readiness"
	logx "userbotd/pkg/logx"
)

const helperEnv = "USERBOTD_HELPER_PROCESS"

// TestHelperProcess is the fake session binary. It is only active when
// re-executed by helperLauncher.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	switch os.Args[len(os.Args)-1] {
	case "ready":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		_, _ = readiness.Ready("authorized")
		<-ctx.Done()
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		_, _ = readiness.Ready("authorized")
		time.Sleep(time.Hour)
	case "flaky":
		_, _ = readiness.Ready("authorized")
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintln(os.Stderr, `{"level":"error","message":"connection lost"}`)
		os.Exit(1)
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: boom")
		os.Exit(1)
	case "revoked":
		_, _ = readiness.Ready("authorized")
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintln(os.Stderr, `{"level":"error","message":"session is no longer valid","error":"AUTH_KEY_UNREGISTERED"}`)
		os.Exit(ExitInvalidSession)
	case "hang":
		time.Sleep(time.Hour)
	}
	os.Exit(2)
}

type helperLauncher struct {
	mode string

	mu   sync.Mutex
	cmds []*exec.Cmd
}

func (l *helperLauncher) Command(_ context.Context, ident storage.Identity) (*exec.Cmd, error) {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", l.mode)
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	l.mu.Lock()
	l.cmds = append(l.cmds, cmd)
	l.mu.Unlock()
	return cmd, nil
}

func (l *helperLauncher) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cmds)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) NotifyAdmins(_ context.Context, _ string, _ int, text string) error {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

type fixture struct {
	m        *Manager
	launcher *helperLauncher
	store    storage.Store
	notes    *fakeNotifier
	bus      eventbus.Bus
	clock    atomic.Int64 // offset added to time.Now
}

func newFixture(t *testing.T, mode string, tweak func(*config.Supervisor)) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "identities.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for _, ident := range []storage.Identity{
		{ID: 1, AuthToken: "tok1", APIID: 11, APIHash: "h1", Active: true, ExpiresAt: time.Now().Add(24 * time.Hour), Phone: "+1"},
		{ID: 2, AuthToken: "tok2", APIID: 12, APIHash: "h2", Active: true, ExpiresAt: time.Now().Add(-time.Hour), Phone: "+2"},
		{ID: 3, AuthToken: "tok3", APIID: 13, APIHash: "h3", Active: false, ExpiresAt: time.Now().Add(24 * time.Hour), Phone: "+3"},
	} {
		if err := st.PutIdentity(ctx, ident); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	cfg := config.Supervisor{
		HandshakeTimeout:   10 * time.Second,
		StopGrace:          2 * time.Second,
		PollInterval:       time.Second,
		MaxRestarts:        3,
		RestartBackoff:     10 * time.Millisecond,
		RestartMinInterval: time.Minute,
		RelaunchPause:      10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f := &fixture{
		launcher: &helperLauncher{mode: mode},
		store:    st,
		notes:    &fakeNotifier{},
		bus:      eventbus.New(),
	}
	sup := supervisor.NewSupervisor(context.Background())
	f.m = New(cfg, f.launcher, st, sup,
		WithNotifier(f.notes),
		WithBus(f.bus),
		WithClock(func() time.Time { return time.Now().Add(time.Duration(f.clock.Load())) }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f.m.StopAll(ctx)
		_ = sup.Stop(ctx)
	})
	return f
}

func (f *fixture) proc(id int64) *process {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if h := f.m.handles[id]; h != nil {
		return h.proc
	}
	return nil
}

func TestEnsureRunningKeepsOneChild(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ready", nil)
	ctx := context.Background()

	if err := f.m.EnsureRunning(ctx, 1); err != nil {
		t.Fatalf("first EnsureRunning: %v", err)
	}
	first := f.proc(1)
	if err := f.m.EnsureRunning(ctx, 1); err != nil {
		t.Fatalf("second EnsureRunning: %v", err)
	}
	if !first.exited() {
		t.Fatal("first child still alive after relaunch")
	}
	snap := f.m.Snapshot()
	if len(snap) != 1 || snap[0].PID == first.pid || snap[0].Status != StatusRunning {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].LastStatus != "authorized" {
		t.Fatalf("last status = %q", snap[0].LastStatus)
	}
	if !f.m.Stop(ctx, 1) || f.m.Running(1) {
		t.Fatal("Stop did not stop the session")
	}
	if f.m.Stop(ctx, 1) {
		t.Fatal("second Stop reported a running session")
	}
}

func TestHandshakeTimeoutKillsChild(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "hang", func(c *config.Supervisor) { c.HandshakeTimeout = 300 * time.Millisecond })

	err := f.m.EnsureRunning(context.Background(), 1)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want handshake timeout", err)
	}
	cmd := f.launcher.cmds[0]
	if cmd.ProcessState == nil {
		t.Fatal("child was not reaped")
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); !ok || ws.Signal() != syscall.SIGKILL {
		t.Fatalf("child state = %v, want killed", cmd.ProcessState)
	}
	if f.m.Running(1) || len(f.m.Snapshot()) != 0 {
		t.Fatal("failed start left a handle behind")
	}
}

func TestExitBeforeReadyCarriesStderr(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "crash", nil)
	err := f.m.EnsureRunning(context.Background(), 1)
	if !errors.Is(err, ErrExitedBeforeReady) || !strings.Contains(err.Error(), "fatal: boom") {
		t.Fatalf("err = %v", err)
	}
}

func TestNotEntitledIsNotLaunched(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ready", nil)
	for _, id := range []int64{2, 3} {
		if err := f.m.EnsureRunning(context.Background(), id); !errors.Is(err, ErrNotEntitled) {
			t.Fatalf("identity %d: err = %v", id, err)
		}
	}
	if f.launcher.calls() != 0 {
		t.Fatalf("launcher called %d times", f.launcher.calls())
	}
}

func TestCrashLoopGivesUpAfterMaxRestarts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "flaky", nil)
	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	if err := f.m.EnsureRunning(context.Background(), 1); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	deadline := time.After(15 * time.Second)
	restarts := 0
	for gaveUp := false; !gaveUp; {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.UserbotRestarting:
				restarts++
			case eventbus.UserbotGaveUp:
				gaveUp = true
			}
		case <-deadline:
			t.Fatal("manager never gave up")
		}
	}

	if restarts != 3 || f.launcher.calls() != 4 {
		t.Fatalf("restarts = %d, launches = %d; want 3 and 4", restarts, f.launcher.calls())
	}
	ident, err := f.store.GetIdentity(context.Background(), 1)
	if err != nil || ident.Active {
		t.Fatalf("identity after give-up = %+v, %v", ident, err)
	}
	notes := f.notes.sent()
	if len(notes) != 1 || !strings.Contains(notes[0], "Userbot 1") || !strings.Contains(notes[0], "exit status 1") {
		t.Fatalf("notes = %q", notes)
	}
	if f.m.Running(1) || len(f.m.Snapshot()) != 0 {
		t.Fatal("handle kept after give-up")
	}
	time.Sleep(100 * time.Millisecond)
	if f.launcher.calls() != 4 {
		t.Fatal("launched again after give-up")
	}
}

func TestRevokedSessionIsRemovedWithoutRestart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "revoked", nil)
	events, unsub := f.bus.Subscribe(64)
	defer unsub()

	if err := f.m.EnsureRunning(context.Background(), 1); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	deadline := time.After(10 * time.Second)
	for removed := false; !removed; {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.UserbotRestarting, eventbus.UserbotGaveUp:
				t.Fatalf("unexpected %s for a revoked session", e.Type)
			case eventbus.IdentityRemoved:
				removed = e.IdentityID == 1
			}
		case <-deadline:
			t.Fatal("revoked identity never removed")
		}
	}

	if _, err := f.store.GetIdentity(context.Background(), 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("identity after revocation: err = %v, want not found", err)
	}
	notes := f.notes.sent()
	if len(notes) != 1 || !strings.Contains(notes[0], "Userbot 1") || !strings.Contains(notes[0], "AUTH_KEY_UNREGISTERED") {
		t.Fatalf("notes = %q", notes)
	}
	if f.m.Running(1) || len(f.m.Snapshot()) != 0 {
		t.Fatal("handle kept after revocation")
	}
	time.Sleep(100 * time.Millisecond)
	if f.launcher.calls() != 1 {
		t.Fatalf("launches = %d, want 1", f.launcher.calls())
	}
}

func TestRestartRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ready", nil)
	ctx := context.Background()

	if err := f.m.Restart(ctx, 1); err != nil {
		t.Fatalf("first Restart: %v", err)
	}
	if err := f.m.Restart(ctx, 1); !errors.Is(err, ErrRestartTooSoon) {
		t.Fatalf("second Restart err = %v", err)
	}
	if f.launcher.calls() != 1 {
		t.Fatalf("launches = %d", f.launcher.calls())
	}
	f.clock.Store(int64(61 * time.Second))
	if err := f.m.Restart(ctx, 1); err != nil {
		t.Fatalf("Restart after interval: %v", err)
	}
	if snap := f.m.Snapshot(); len(snap) != 1 || snap[0].LastRestart.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "stubborn", func(c *config.Supervisor) { c.StopGrace = 200 * time.Millisecond })
	ctx := context.Background()
	if err := f.m.EnsureRunning(ctx, 1); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	p := f.proc(1)
	start := time.Now()
	f.m.Stop(ctx, 1)
	if !p.exited() {
		t.Fatal("child survived Stop")
	}
	if el := time.Since(start); el < 200*time.Millisecond {
		t.Fatalf("stop returned after %s, before the grace period", el)
	}
}

func TestResumeActiveStartsEntitledOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ready", nil)
	n, err := f.m.ResumeActive(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ResumeActive = %d, %v", n, err)
	}
	if !f.m.Running(1) || f.m.Running(2) || f.m.Running(3) {
		t.Fatalf("running set wrong: %+v", f.m.Snapshot())
	}
}

func TestTailWriter(t *testing.T) {
	t.Parallel()
	w := newTailWriter(16, logx.Nop())
	fmt.Fprint(w, "first line\nsecond ")
	fmt.Fprint(w, "line\nthird\n")
	if got := w.String(); got != "cond line\nthird" {
		t.Fatalf("tail = %q", got)
	}
	if len(w.String()) > 16 {
		t.Fatalf("tail longer than limit: %d", len(w.String()))
	}
	if got := lastLine("a\nb\n\n"); got != "b" {
		t.Fatalf("lastLine = %q", got)
	}
}
