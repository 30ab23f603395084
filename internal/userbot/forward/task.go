package forward

import (
	"context"
	"sync"
	"time"

	"userbotd/internal/userbot/platform"
)

// Failure is one destination that failed in the last cycle.
type Failure struct {
	Title  string
	Reason string
}

func (f Failure) String() string { return f.Title + ": " + f.Reason }

// CycleResult is the outcome of one destination sweep.
type CycleResult struct {
	Success  int
	Failed   int
	Failures []Failure
}

// TaskInfo is a read-only copy of a task's state.
type TaskInfo struct {
	ID           string
	Source       platform.MessageRef
	DelayMinutes int
	StartedAt    time.Time
	Runtime      time.Duration
	Success      int
	Failed       int
	Cycles       int
	Preview      string
	LastFailures []Failure
}

type task struct {
	id     string
	source platform.MessageRef
	origin platform.MessageRef // command message the status report replies to

	// ctx is cancelled on stop/delete. It only bounds waits, never network calls.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	running      bool
	delayMinutes int
	startedAt    time.Time
	success      int
	failed       int
	cycles       int
	preview      string
	lastFailures []Failure
	status       platform.MessageRef
}

func (t *task) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// halt flips running to false and wakes any wait. It reports whether this call
// did the transition.
func (t *task) halt() bool {
	t.mu.Lock()
	was := t.running
	t.running = false
	t.mu.Unlock()
	t.cancel()
	return was
}

func (t *task) delay() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delayMinutes
}

func (t *task) setDelay(minutes int) {
	t.mu.Lock()
	t.delayMinutes = minutes
	t.mu.Unlock()
}

func (t *task) setPreview(p string) {
	t.mu.Lock()
	t.preview = p
	t.mu.Unlock()
}

func (t *task) record(r CycleResult) {
	t.mu.Lock()
	t.success += r.Success
	t.failed += r.Failed
	t.cycles++
	t.lastFailures = r.Failures
	t.mu.Unlock()
}

func (t *task) statusRef() platform.MessageRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *task) setStatusRef(ref platform.MessageRef) {
	t.mu.Lock()
	t.status = ref
	t.mu.Unlock()
}

func (t *task) info(now time.Time) TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		ID:           t.id,
		Source:       t.source,
		DelayMinutes: t.delayMinutes,
		StartedAt:    t.startedAt,
		Runtime:      now.Sub(t.startedAt),
		Success:      t.success,
		Failed:       t.failed,
		Cycles:       t.cycles,
		Preview:      t.preview,
		LastFailures: append([]Failure(nil), t.lastFailures...),
	}
}
