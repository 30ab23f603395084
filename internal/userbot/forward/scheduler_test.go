package forward

import (
	"errors"
	"strings"
	"testing"
	"time"

	"userbotd/internal/userbot/platform"
)

var src = platform.MessageRef{ChatID: -1001, ID: 55}

func TestScenarioForwardBanAndSourceGone(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1, -2, -3)
	c.put(src, "buy now")
	s := newTestScheduler(t, c, 300*time.Millisecond)

	id, err := s.Start(src, 1, platform.MessageRef{ChatID: -1001, ID: 60})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id != "-1001_55" {
		t.Fatalf("task id = %q", id)
	}

	// A: one cycle over three eligible groups.
	waitFor(t, "first cycle", func() bool { ti, _ := taskByID(s, id); return ti.Cycles >= 1 })
	ti, ok := taskByID(s, id)
	if !ok || ti.Success != 3 || ti.Failed != 0 {
		t.Fatalf("after cycle 1: %+v", ti)
	}
	if ti.Preview != "buy now" {
		t.Fatalf("preview = %q", ti.Preview)
	}

	// B: a banned group is skipped, not failed.
	if !s.Ban(-2) {
		t.Fatal("Ban returned false")
	}
	waitFor(t, "second cycle", func() bool { ti, _ = taskByID(s, id); return ti.Cycles >= 2 })
	if ti.Success != 5 || ti.Failed != 0 || len(ti.LastFailures) != 0 {
		t.Fatalf("after cycle 2: %+v", ti)
	}

	// C: source deleted between cycles terminates the task exactly once.
	c.remove(src)
	waitFor(t, "auto-termination", func() bool { return s.Len() == 0 })
	time.Sleep(400 * time.Millisecond)
	if n := c.editsContaining("Forward Task Stopped"); n != 1 {
		t.Fatalf("final stats edits = %d, want 1", n)
	}
	if last := c.lastEdit(); !strings.Contains(last, "Forward Task Stopped") || !strings.Contains(last, "Total Success: 5\n") {
		t.Fatalf("final stats edit = %q", last)
	}
}

func TestFloodWaitRetriedOnceCountsAsSuccess(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1, -2, -3)
	c.put(src, "x")
	c.script(-2, &platform.FloodWaitError{Wait: 10 * time.Millisecond})
	s := newTestScheduler(t, c, time.Hour)

	id, _ := s.Start(src, 1, platform.MessageRef{})
	waitFor(t, "cycle", func() bool { ti, _ := taskByID(s, id); return ti.Cycles == 1 })
	ti, _ := taskByID(s, id)
	if ti.Success != 3 || ti.Failed != 0 {
		t.Fatalf("stats = %+v", ti)
	}
	if c.forwardCount() != 4 {
		t.Fatalf("forward calls = %d, want 4 (one retry)", c.forwardCount())
	}
}

func TestFailureReasons(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1, -2, -3)
	c.put(src, "")
	flood := &platform.FloodWaitError{Wait: time.Millisecond}
	c.script(-1, flood, flood)
	c.script(-2, platform.ErrWriteForbidden)
	c.script(-3, errors.New("CHAT_ADMIN_REQUIRED"))
	s := newTestScheduler(t, c, time.Hour)

	id, _ := s.Start(src, 1, platform.MessageRef{})
	waitFor(t, "cycle", func() bool { ti, _ := taskByID(s, id); return ti.Cycles == 1 })
	ti, _ := taskByID(s, id)
	if ti.Failed != 3 || ti.Success != 0 || ti.Preview != "[Media Message]" {
		t.Fatalf("stats = %+v", ti)
	}
	want := []string{"group1: Flood limit", "group2: Bot is banned/restricted", "group3: CHAT_ADMIN_REQUIRED"}
	for i, f := range ti.LastFailures {
		if f.String() != want[i] {
			t.Errorf("failure %d = %q, want %q", i, f.String(), want[i])
		}
	}
}

func TestCapacityAndDuplicate(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1)
	s := newTestScheduler(t, c, time.Hour)
	for i := 1; i <= 10; i++ {
		ref := platform.MessageRef{ChatID: -1001, ID: i}
		c.put(ref, "m")
		if _, err := s.Start(ref, 5, platform.MessageRef{}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if _, err := s.Start(platform.MessageRef{ChatID: -1001, ID: 11}, 5, platform.MessageRef{}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("11th start err = %v", err)
	}
	if s.Len() != 10 {
		t.Fatalf("Len = %d after rejected start", s.Len())
	}

	dup := platform.MessageRef{ChatID: -1001, ID: 3}
	if _, err := s.Delete("-1001_10"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(dup, 9, platform.MessageRef{}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
	ti, _ := taskByID(s, dup.Key())
	if ti.DelayMinutes != 5 {
		t.Fatalf("duplicate start mutated original: %+v", ti)
	}
	if _, err := s.Start(src, 0, platform.MessageRef{}); !errors.Is(err, ErrInvalidDelay) {
		t.Fatalf("zero delay err = %v", err)
	}
}

func TestStopAllIssuesNoFurtherForwards(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1, -2)
	s := newTestScheduler(t, c, 50*time.Millisecond)
	for i := 1; i <= 3; i++ {
		ref := platform.MessageRef{ChatID: -1001, ID: i}
		c.put(ref, "m")
		_, _ = s.Start(ref, 1, platform.MessageRef{})
	}
	waitFor(t, "first cycles", func() bool { return c.forwardCount() >= 6 })

	stopped := s.StopAll()
	if len(stopped) != 3 || s.Len() != 0 {
		t.Fatalf("StopAll returned %d, Len %d", len(stopped), s.Len())
	}
	time.Sleep(50 * time.Millisecond) // let an in-flight send finish
	before := c.forwardCount()
	time.Sleep(300 * time.Millisecond)
	if after := c.forwardCount(); after != before {
		t.Fatalf("forwards after stop: %d -> %d", before, after)
	}
}

func TestStopAllReportsEveryHaltedTask(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1)
	s := newTestScheduler(t, c, time.Hour)

	started := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 40; i++ {
			ref := platform.MessageRef{ChatID: -1001, ID: i}
			c.put(ref, "m")
			if id, err := s.Start(ref, 5, platform.MessageRef{}); err == nil {
				started <- id
			}
		}
	}()

	reported := map[string]int{}
	collect := func() {
		for _, ti := range s.StopAll() {
			reported[ti.ID]++
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			collect()
		}
	}
	collect()
	close(started)

	n := 0
	for id := range started {
		n++
		if reported[id] != 1 {
			t.Fatalf("task %s reported %d times", id, reported[id])
		}
	}
	if len(reported) != n {
		t.Fatalf("reported %d tasks, started %d", len(reported), n)
	}
}

func TestSetDelayAndDelete(t *testing.T) {
	t.Parallel()
	c := newFakeClient(-1)
	c.put(src, "m")
	s := newTestScheduler(t, c, time.Hour)
	id, _ := s.Start(src, 2, platform.MessageRef{})

	if err := s.SetDelay(id, 0); !errors.Is(err, ErrInvalidDelay) {
		t.Fatalf("SetDelay 0 err = %v", err)
	}
	if err := s.SetDelay("nope", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetDelay missing err = %v", err)
	}
	if err := s.SetDelay(id, 7); err != nil {
		t.Fatal(err)
	}
	if ti, _ := taskByID(s, id); ti.DelayMinutes != 7 {
		t.Fatalf("delay = %d", ti.DelayMinutes)
	}
	if _, err := s.Delete(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestBanIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, newFakeClient(), time.Hour)
	if !s.Ban(-5) || s.Ban(-5) {
		t.Fatal("Ban should succeed once")
	}
	if got := s.Banned(); len(got) != 1 || got[0] != -5 {
		t.Fatalf("Banned = %v", got)
	}
	if !s.Unban(-5) || s.Unban(-5) {
		t.Fatal("Unban should succeed once")
	}
	if len(s.Banned()) != 0 {
		t.Fatal("banned set not empty")
	}
}

func TestSendPolicy(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	long := &platform.FloodWaitError{Wait: time.Hour}
	calls := 0
	err := SendPolicy{MaxFloodRetries: 1, MaxFloodWait: time.Minute}.Do(ctx, func() error { calls++; return long })
	if !errors.Is(err, ErrFloodLimit) || calls != 1 {
		t.Fatalf("over-long wait: err=%v calls=%d", err, calls)
	}

	calls = 0
	plain := errors.New("boom")
	err = SendPolicy{MaxFloodRetries: 1}.Do(ctx, func() error { calls++; return plain })
	if !errors.Is(err, plain) || errors.Is(err, ErrFloodLimit) || calls != 1 {
		t.Fatalf("plain error: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = SendPolicy{MaxFloodRetries: 1}.Do(ctx, func() error {
		calls++
		if calls == 1 {
			return &platform.FloodWaitError{Wait: time.Millisecond}
		}
		return plain
	})
	if !errors.Is(err, ErrFloodLimit) || calls != 2 {
		t.Fatalf("retry failure: err=%v calls=%d", err, calls)
	}
}

func TestFormatRuntime(t *testing.T) {
	t.Parallel()
	if got := formatRuntime(3*time.Hour + 4*time.Minute + 5*time.Second); got != "3h 4m 5s" {
		t.Fatalf("formatRuntime = %q", got)
	}
	txt := statusText(TaskInfo{ID: "x", Preview: strings.Repeat("a", 150), DelayMinutes: 2},
		CycleResult{Failures: make([]Failure, 7)})
	if !strings.Contains(txt, "\n...\n\n⏳ Waiting 2 minutes") {
		t.Fatalf("status text missing truncation marker:\n%s", txt)
	}
}
