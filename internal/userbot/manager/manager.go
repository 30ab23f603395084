package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"userbotd/internal/config"
	"userbotd/internal/eventbus"
	"userbotd/internal/runtime/supervisor"
	"userbotd/internal/storage"
	logx "userbotd/pkg/logx"
)

// ErrRestartTooSoon rejects an explicit restart inside the minimum interval.
var ErrRestartTooSoon = errors.New("restart requested too soon")

// ErrNotEntitled is returned when an identity is inactive or expired.
var ErrNotEntitled = errors.New("identity is not active")

// Status of a supervised process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDead     Status = "dead"
)

// Store is the part of the identity store the manager touches.
type Store interface {
	ListIdentities(ctx context.Context) ([]storage.Identity, error)
	GetIdentity(ctx context.Context, id int64) (storage.Identity, error)
	SetActive(ctx context.Context, id int64, active bool) error
	DeleteIdentity(ctx context.Context, id int64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Notifier reaches the admin channel.
type Notifier interface {
	NotifyAdmins(ctx context.Context, channel string, priority int, text string) error
}

// StartInfo is the payload of userbot.started events.
type StartInfo struct {
	PID       int
	Handshake time.Duration
	Restart   bool
}

// HandleInfo is a read-only view of one supervised process.
type HandleInfo struct {
	IdentityID  int64
	PID         int
	Status      Status
	StartedAt   time.Time
	LastRestart time.Time
	Attempts    int
	LastError   string
	LastStatus  string
}

type handle struct {
	id          int64
	proc        *process
	status      Status
	startedAt   time.Time
	lastRestart time.Time
	attempts    int
	lastErr     string

	cancel      context.CancelFunc
	monitorDone chan struct{}
}

// Manager owns every session process of the daemon.
type Manager struct {
	cfg      config.Supervisor
	launcher Launcher
	store    Store
	notify   Notifier
	bus      eventbus.Bus
	log      logx.Logger
	sup      *supervisor.Supervisor
	now      func() time.Time

	mu          sync.Mutex
	handles     map[int64]*handle
	lastRestart map[int64]time.Time
	locks       map[int64]*sync.Mutex
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option        { return func(m *Manager) { m.notify = n } }
func WithBus(b eventbus.Bus) Option         { return func(m *Manager) { m.bus = b } }
func WithLogger(l logx.Logger) Option       { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New returns a Manager whose monitors run under sup.
func New(cfg config.Supervisor, launcher Launcher, store Store, sup *supervisor.Supervisor, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		launcher:    launcher,
		store:       store,
		sup:         sup,
		log:         logx.Nop(),
		now:         time.Now,
		handles:     map[int64]*handle{},
		lastRestart: map[int64]time.Time{},
		locks:       map[int64]*sync.Mutex{},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "manager"))
	return m
}

func (m *Manager) lockID(id int64) func() {
	m.mu.Lock()
	l := m.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) identity(ctx context.Context, id int64) (storage.Identity, error) {
	ident, err := m.store.GetIdentity(ctx, id)
	if err != nil {
		return storage.Identity{}, fmt.Errorf("load identity %d: %w", id, err)
	}
	if !ident.Entitled(m.now()) {
		return storage.Identity{}, fmt.Errorf("identity %d: %w", id, ErrNotEntitled)
	}
	return ident, nil
}

func (m *Manager) publish(typ string, id int64, data any) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ, IdentityID: id, Data: data})
	}
}

func (m *Manager) audit(ctx context.Context, id int64, action, detail string, err error) {
	e := storage.AuditEntry{At: m.now(), IdentityID: id, Action: action, Detail: detail, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := m.store.AppendAudit(ctx, e); aerr != nil {
		m.log.Warn("audit append failed", logx.Identity(id), logx.Err(aerr))
	}
}

// EnsureRunning (re)starts the session for id. Any existing process is
// stopped first, so at most one child per identity is ever alive.
func (m *Manager) EnsureRunning(ctx context.Context, id int64) error {
	unlock := m.lockID(id)
	defer unlock()
	return m.ensureLocked(ctx, id)
}

func (m *Manager) ensureLocked(ctx context.Context, id int64) error {
	if m.stopLocked(id, "relaunch") {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.RelaunchPause):
		}
	}

	log := m.log.With(logx.Identity(id))
	p, hs, err := m.launch(ctx, id, log)
	if err != nil {
		log.Warn("session start failed", logx.Err(err))
		return err
	}

	mctx, cancel := context.WithCancel(m.sup.Context())
	h := &handle{
		id:          id,
		proc:        p,
		status:      StatusRunning,
		startedAt:   p.startedAt,
		cancel:      cancel,
		monitorDone: make(chan struct{}),
	}
	m.mu.Lock()
	h.lastRestart = m.lastRestart[id]
	m.handles[id] = h
	m.mu.Unlock()

	m.sup.Go0(fmt.Sprintf("monitor.%d", id), func(context.Context) {
		defer close(h.monitorDone)
		m.monitor(mctx, h, log)
	})

	log.Info("session started", logx.Int("pid", p.pid), logx.Duration("handshake", hs))
	m.publish(eventbus.UserbotStarted, id, StartInfo{PID: p.pid, Handshake: hs})
	return nil
}

// Stop terminates the session for id. It reports whether one was running.
func (m *Manager) Stop(ctx context.Context, id int64) bool {
	unlock := m.lockID(id)
	defer unlock()
	return m.stopLocked(id, "stop")
}

func (m *Manager) stopLocked(id int64, reason string) bool {
	m.mu.Lock()
	h := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if h == nil {
		return false
	}

	h.cancel()
	<-h.monitorDone

	m.mu.Lock()
	p := h.proc
	m.mu.Unlock()
	if p != nil {
		p.terminate(m.cfg.StopGrace)
	}
	m.log.Info("session stopped", logx.Identity(id), logx.String("reason", reason))
	m.publish(eventbus.UserbotStopped, id, reason)
	return true
}

// Restart is the user-triggered path. It is refused inside
// RestartMinInterval of the previous explicit restart.
func (m *Manager) Restart(ctx context.Context, id int64) error {
	unlock := m.lockID(id)
	defer unlock()

	now := m.now()
	m.mu.Lock()
	last := m.lastRestart[id]
	if !last.IsZero() && now.Sub(last) < m.cfg.RestartMinInterval {
		m.mu.Unlock()
		wait := m.cfg.RestartMinInterval - now.Sub(last)
		return fmt.Errorf("%w: try again in %s", ErrRestartTooSoon, wait.Round(time.Second))
	}
	m.lastRestart[id] = now
	m.mu.Unlock()

	err := m.ensureLocked(ctx, id)
	m.audit(ctx, id, "restart", "", err)
	return err
}

// Running reports whether id has a live, ready process.
func (m *Manager) Running(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handles[id]
	return h != nil && h.status == StatusRunning
}

// Snapshot lists all handles ordered by identity.
func (m *Manager) Snapshot() []HandleInfo {
	m.mu.Lock()
	out := make([]HandleInfo, 0, len(m.handles))
	for _, h := range m.handles {
		hi := HandleInfo{
			IdentityID:  h.id,
			Status:      h.status,
			StartedAt:   h.startedAt,
			LastRestart: h.lastRestart,
			Attempts:    h.attempts,
			LastError:   h.lastErr,
		}
		if h.proc != nil {
			hi.PID = h.proc.pid
			hi.LastStatus = h.proc.ready.Status()
		}
		out = append(out, hi)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}

// StopAll terminates every session in parallel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop(ctx, id)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("stop all interrupted", logx.Err(ctx.Err()))
	}
}

// ResumeActive starts every entitled identity, one after another. It returns
// the number started and the joined start errors.
func (m *Manager) ResumeActive(ctx context.Context) (int, error) {
	idents, err := m.store.ListIdentities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list identities: %w", err)
	}
	now := m.now()
	var (
		started int
		errs    []error
	)
	for _, ident := range idents {
		if !ident.Entitled(now) {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := m.EnsureRunning(ctx, ident.ID); err != nil {
			errs = append(errs, fmt.Errorf("identity %d: %w", ident.ID, err))
			continue
		}
		started++
	}
	m.log.Info("resumed sessions", logx.Int("started", started), logx.Int("failed", len(errs)))
	return started, errors.Join(errs...)
}
