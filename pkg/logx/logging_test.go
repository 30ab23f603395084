package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	kit "userbotd/internal/transport"
)

func TestRedact(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "short", want: "***(n=5)"},
		{in: "1BVtsOKABu1234567890abcdWXYZ", want: "1BVt…WXYZ (n=28)"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Fatalf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSecretNeverWritesFullValue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug", "json")
	token := strings.Repeat("A", 40) + "SECRETTAIL"
	log.Info("session started", Secret("auth_token", token))

	if strings.Contains(buf.String(), token) {
		t.Fatalf("log output leaked token: %s", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if rec["auth_token"] != Redact(token) {
		t.Fatalf("auth_token = %v, want %q", rec["auth_token"], Redact(token))
	}
}

func TestFormatTelegramJSONSortsFields(t *testing.T) {
	t.Parallel()
	got := formatTelegramJSON([]byte(`{"level":"warn","message":"child exited","identity":42,"comp":"manager","time":"x"}`))
	want := "[WARN] child exited\n- comp=manager\n- identity=42"
	if got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}
}

func TestZapBridgeForwardsEntries(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug", "json")
	z := Zap(log, zapcore.InfoLevel)
	z.Debug("dropped by min level")
	z.Named("mtproto").Warn("reconnecting", zap.Int("attempt", 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["message"] != "reconnecting" || rec["level"] != "warn" || rec["sdk"] != "mtproto" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["attempt"] != float64(2) {
		t.Fatalf("attempt = %v, want 2", rec["attempt"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Zap(l, zapcore.DebugLevel) == nil {
		t.Fatal("Zap should return a non-nil logger")
	}
}

type chatRecorder struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (r *chatRecorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	r.to = append(r.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (r *chatRecorder) snapshot() ([]string, []kit.ChatTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...), append([]kit.ChatTarget(nil), r.to...)
}

func TestTelegramSinkMirrorsWarnings(t *testing.T) {
	t.Parallel()
	rec := &chatRecorder{}
	svc, log := New(Config{Level: "debug", Format: "json"}, rec)
	defer svc.Close()
	svc.SetTelegramTarget(-100123, 7)
	svc.Apply(Config{Level: "debug", Format: "json", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})

	log.Info("below threshold")
	log.Warn("userbot gave up", Identity(42))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent, _ := rec.snapshot(); len(sent) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sent, to := rec.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent = %q, want one message", sent)
	}
	if !strings.HasPrefix(sent[0], "[WARN] userbot gave up") || !strings.Contains(sent[0], "- identity=42") {
		t.Fatalf("unexpected text %q", sent[0])
	}
	if to[0] != (kit.ChatTarget{ChatID: -100123, ThreadID: 7}) {
		t.Fatalf("target = %+v", to[0])
	}
}

func TestErrNilAddsNothing(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf, "info", "json").Info("ok", Err(nil))
	if strings.Contains(buf.String(), `"err"`) {
		t.Fatalf("nil error was logged: %s", buf.String())
	}
}
