// Package eventbus is the daemon's in-process fanout of lifecycle events:
// userbot process transitions, sweeps and notifier outcomes. Publishing never
// blocks; a subscriber that falls behind loses events and the bus counts them.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the daemon.
const (
	UserbotStarted    = "userbot.started"
	UserbotExited     = "userbot.exited"
	UserbotRestarting = "userbot.restarting"
	UserbotGaveUp     = "userbot.gave_up"
	UserbotStopped    = "userbot.stopped"

	SweepFinished   = "sweep.finished"
	IdentityRemoved = "identity.removed"
	IdentityExpired = "identity.expired"

	NotifierSent    = "notifier.sent"
	NotifierDropped = "notifier.dropped"
	NotifierFailed  = "notifier.failed"
)

// Event is one signal. IdentityID is 0 for daemon-wide events.
type Event struct {
	Type       string
	Time       time.Time
	IdentityID int64
	Data       any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel of events and a cancel func. With
	// prefixes, only events whose type starts with one of them are sent.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus { return &memBus{} }

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	// mu is read-held while sending so unsubscribe can close safely.
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: prefixes}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
