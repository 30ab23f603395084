package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"userbotd/internal/eventbus"
	rtsup "userbotd/internal/runtime/supervisor"
	kit "userbotd/internal/transport"
	logx "userbotd/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender is the subset of the bot adapter the notifier needs.
type Sender = kit.Sender

type job struct {
	n   kit.Notification
	key string
}

// Service implements queue + worker pool + rate limit + retry + dedup.
// It is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	log       logx.Logger
	sender    Sender
	bus       eventbus.Bus
	cfg       Config
	limiter   *rate.Limiter
	queue     chan job
	accepting bool
	inflight  sync.WaitGroup
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	cfg.Owners = append([]int64(nil), cfg.Owners...)
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Owners returns the current admin ids.
func (s *Service) Owners() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.cfg.Owners...)
}

// Supervisor returns the worker supervisor (nil if not running).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))

	q := s.queue
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return c.Err()
				case j, ok := <-q:
					if !ok {
						return nil
					}
					s.deliver(c, j)
				}
			}
		})
	}
}

// Stop closes intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		sup.Cancel()
		s.log.Warn("notifier drain timed out", logx.Int("pending", len(q)))
	}

	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// NotifyAdmins queues text for every owner. channel groups notices for dedup.
func (s *Service) NotifyAdmins(ctx context.Context, channel string, priority int, text string) error {
	var errs []error
	for _, id := range s.Owners() {
		errs = append(errs, s.Notify(ctx, kit.Notification{
			Channel:  channel,
			Priority: priority,
			Target:   kit.ChatTarget{ChatID: id},
			Text:     text,
		}))
	}
	return errors.Join(errs...)
}

// NotifyUser queues text for one chat, typically an identity owner.
func (s *Service) NotifyUser(ctx context.Context, chatID int64, text string) error {
	return s.Notify(ctx, kit.Notification{Channel: "user", Target: kit.ChatTarget{ChatID: chatID}, Text: text})
}

func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, capN := s.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if window > 0 && key != "" && !s.dedupAllow(key, window, capN) {
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.publish(eventbus.NotifierDropped, n, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recently delivered notices, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(chatID int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chatID, Text: text})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	text := prefixForPriority(j.n.Priority) + j.n.Text
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(cctx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.remember(j.n.Target.ChatID, text)
			s.publish(eventbus.NotifierSent, j.n, nil)
			return
		}
		lastErr = err
		s.log.Debug("notice send failed", logx.Int64("chat_id", j.n.Target.ChatID), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(cfg, attempt)):
		}
	}
	s.log.Warn("notice dropped after retries", logx.Int64("chat_id", j.n.Target.ChatID), logx.String("channel", j.n.Channel), logx.Err(lastErr))
	s.publish(eventbus.NotifierFailed, j.n, lastErr)
}

func (s *Service) publish(typ string, n kit.Notification, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d:%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now and, if so, suppresses it
// for window. The cache is pruned and capped on every admit.
func (s *Service) dedupAllow(key string, window time.Duration, capN int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > capN {
		var (
			oldest string
			at     time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(at) {
				oldest, at = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
