package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "userbotd/internal/transport"
)

const (
	telegramQueueSize = 256
	telegramMaxText   = 3500
	telegramMaxValue  = 600
)

// telegramSink mirrors records at or above a minimum level into the admin
// log chat. It never blocks logging: records beyond the rate or queue size
// are dropped.
type telegramSink struct {
	sender kit.Sender
	queue  chan telegramItem

	mu       sync.Mutex
	target   kit.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	done     chan struct{}
}

type telegramItem struct {
	to   kit.ChatTarget
	text string
}

func newTelegramSink(sender kit.Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan telegramItem, telegramQueueSize),
		minLevel: zerolog.WarnLevel,
	}
}

func (t *telegramSink) setTarget(chatID int64, threadID int) {
	t.mu.Lock()
	t.target.ChatID = chatID
	if threadID != 0 {
		t.target.ThreadID = threadID
	}
	t.mu.Unlock()
}

// configure applies cfg and starts the delivery goroutine on first enable.
func (t *telegramSink) configure(cfg TelegramConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(cfg.RatePerSec, 1)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		t.target.ThreadID = cfg.ThreadID
	}
	if !cfg.Enabled || t.cancel != nil {
		return
	}
	if t.target.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without a log chat")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.deliver(ctx, t.done)
}

func (t *telegramSink) deliver(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-t.queue:
			if t.sender != nil {
				_, _ = t.sender.SendText(ctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
			}
		}
	}
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, lim, minLevel := t.target, t.limiter, t.minLevel
	t.mu.Unlock()

	if to.ChatID == 0 || t.sender == nil || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := formatTelegramJSON(p); text != "" {
		select {
		case t.queue <- telegramItem{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatTelegramJSON renders one JSON record as a short chat message: the
// level and message on the first line, then the remaining fields sorted by
// key. Unparseable input is passed through trimmed.
func formatTelegramJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return truncate(raw, telegramMaxText)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(rec[k]), telegramMaxValue))
	}
	return truncate(b.String(), telegramMaxText)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
