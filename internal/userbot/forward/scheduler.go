package forward

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

var (
	ErrCapacity     = errors.New("maximum forward tasks reached")
	ErrDuplicate    = errors.New("message is already being forwarded")
	ErrNotFound     = errors.New("task not found")
	ErrInvalidDelay = errors.New("delay must be at least 1 minute")
	ErrClosed       = errors.New("forward scheduler closed")
)

// Client is the platform surface the scheduler drives.
type Client interface {
	FetchMessage(ctx context.Context, ref platform.MessageRef) (platform.Message, error)
	Dialogs(ctx context.Context) ([]platform.Dialog, error)
	Forward(ctx context.Context, to int64, msg platform.Message) error
	Reply(ctx context.Context, to platform.MessageRef, text string) (platform.MessageRef, error)
	Edit(ctx context.Context, ref platform.MessageRef, text string) error
	MemberCount(ctx context.Context, chatID int64) (int, error)
	ChatTitle(ctx context.Context, chatID int64) (string, error)
}

type Options struct {
	MaxTasks int           // default and maximum 10
	Pacing   time.Duration // gap between consecutive forwards; 0 disables
	Policy   SendPolicy
	// DelayUnit is the length of one delay "minute". Tests shrink it.
	DelayUnit time.Duration
}

func (o *Options) defaults() {
	if o.MaxTasks <= 0 || o.MaxTasks > 10 {
		o.MaxTasks = 10
	}
	if o.Pacing < 0 {
		o.Pacing = 0
	}
	if o.DelayUnit <= 0 {
		o.DelayUnit = time.Minute
	}
}

// Scheduler owns the tasks and the banned-destination set of one session.
type Scheduler struct {
	client Client
	log    logx.Logger
	opts   Options
	ctx    context.Context

	mu     sync.Mutex
	tasks  map[string]*task
	banned map[int64]struct{}
	closed bool
	wg     sync.WaitGroup

	startedAt time.Time
}

// New creates a scheduler whose network calls are bound to ctx (the session lifetime).
func New(ctx context.Context, client Client, log logx.Logger, opts Options) *Scheduler {
	opts.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		client:    client,
		log:       log.With(logx.String("comp", "forward")),
		opts:      opts,
		ctx:       ctx,
		tasks:     map[string]*task{},
		banned:    map[int64]struct{}{},
		startedAt: time.Now(),
	}
}

// Start registers a task for source and launches its loop. origin is the
// command message; the status report is posted as a reply to it (zero
// disables status messages). It returns without waiting for the first cycle.
func (s *Scheduler) Start(source platform.MessageRef, delayMinutes int, origin platform.MessageRef) (string, error) {
	if delayMinutes < 1 {
		return "", ErrInvalidDelay
	}
	id := source.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return "", ErrClosed
	case s.tasks[id] != nil:
		return id, ErrDuplicate
	case len(s.tasks) >= s.opts.MaxTasks:
		return "", ErrCapacity
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		id:           id,
		source:       source,
		origin:       origin,
		ctx:          ctx,
		cancel:       cancel,
		running:      true,
		delayMinutes: delayMinutes,
		startedAt:    time.Now(),
	}
	s.tasks[id] = t
	s.wg.Add(1)
	go s.run(t)

	s.log.Info("forward task started", logx.String("task", id), logx.Int("delay_min", delayMinutes))
	return id, nil
}

// List returns active tasks ordered by start time.
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return infos(s.tasks)
}

// infos snapshots tasks ordered by start time.
func infos(tasks map[string]*task) []TaskInfo {
	now := time.Now()
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.info(now))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// SetDelay changes a task's delay. A sleep already in progress keeps its length.
func (s *Scheduler) SetDelay(id string, minutes int) error {
	if minutes < 1 {
		return ErrInvalidDelay
	}
	s.mu.Lock()
	t := s.tasks[id]
	s.mu.Unlock()
	if t == nil {
		return ErrNotFound
	}
	t.setDelay(minutes)
	return nil
}

// Delete stops one task and returns its final stats.
func (s *Scheduler) Delete(id string) (TaskInfo, error) {
	s.mu.Lock()
	t := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if t == nil {
		return TaskInfo{}, ErrNotFound
	}
	t.halt()
	s.log.Info("forward task deleted", logx.String("task", id))
	return t.info(time.Now()), nil
}

// StopAll stops every task and returns their final stats.
func (s *Scheduler) StopAll() []TaskInfo {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = map[string]*task{}
	s.mu.Unlock()
	out := infos(tasks)
	for _, t := range tasks {
		t.halt()
	}
	if len(out) > 0 {
		s.log.Info("forward tasks stopped", logx.Int("count", len(out)))
	}
	return out
}

// Close stops all tasks, rejects new ones and waits for the loops to exit.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removeIfCurrent drops t from the active set unless a command already did.
func (s *Scheduler) removeIfCurrent(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.id] != t {
		return false
	}
	delete(s.tasks, t.id)
	return true
}

// Ban excludes chatID from all forwarding. It reports false if already banned.
func (s *Scheduler) Ban(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.banned[chatID]; ok {
		return false
	}
	s.banned[chatID] = struct{}{}
	return true
}

// Unban reports false if chatID was not banned.
func (s *Scheduler) Unban(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.banned[chatID]; !ok {
		return false
	}
	delete(s.banned, chatID)
	return true
}

func (s *Scheduler) IsBanned(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.banned[chatID]
	return ok
}

func (s *Scheduler) Banned() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.banned))
	for id := range s.banned {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Summary aggregates counters for the status command.
type Summary struct {
	Tasks    int
	Banned   int
	Success  int
	Failed   int
	Uptime   time.Duration
	MaxTasks int
}

func (s *Scheduler) Summary() Summary {
	sum := Summary{Uptime: time.Since(s.startedAt), MaxTasks: s.opts.MaxTasks}
	for _, ti := range s.List() {
		sum.Tasks++
		sum.Success += ti.Success
		sum.Failed += ti.Failed
	}
	sum.Banned = len(s.Banned())
	return sum
}
