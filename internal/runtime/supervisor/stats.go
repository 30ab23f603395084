package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SupervisorCounters are whole-supervisor goroutine counts.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates the runs of one named task.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// SupervisorSnapshot is what /status renders for one supervisor.
type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

type stats struct {
	active  atomic.Int64
	started atomic.Uint64

	mu     sync.Mutex
	byName map[string]*GoroutineStats
}

// taskRun identifies one open run of a named task.
type taskRun struct {
	name  string
	start time.Time
}

func (st *stats) begin() {
	st.started.Add(1)
	st.active.Add(1)
}

func (st *stats) end() { st.active.Add(-1) }

func (st *stats) entry(name string) *GoroutineStats {
	g := st.byName[name]
	if g == nil {
		g = &GoroutineStats{Name: name}
		st.byName[name] = g
	}
	return g
}

func (st *stats) open(name string, restart bool) taskRun {
	now := time.Now()
	st.mu.Lock()
	g := st.entry(name)
	g.Started++
	g.Active++
	g.LastStartAt = now
	if restart {
		g.Restarts++
	}
	st.mu.Unlock()
	return taskRun{name: name, start: now}
}

func (st *stats) close(run taskRun, err error) {
	now := time.Now()
	st.mu.Lock()
	g := st.entry(run.name)
	g.Active = max(g.Active-1, 0)
	g.LastStopAt = now
	g.TotalRuntime += now.Sub(run.start)
	if err != nil {
		g.LastErr = err.Error()
	}
	st.mu.Unlock()
}

func (st *stats) panicked(name string, p any) {
	st.mu.Lock()
	g := st.entry(name)
	g.Panics++
	g.LastPanic = fmt.Sprint(p)
	st.mu.Unlock()
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{Active: s.stats.active.Load(), Started: s.stats.started.Load()}
}

// Snapshot lists tasks busiest first, then by name.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	for _, g := range s.stats.byName {
		snap.Goroutines = append(snap.Goroutines, *g)
	}
	s.stats.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool {
		a, b := snap.Goroutines[i], snap.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}
