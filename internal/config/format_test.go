package config

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "90s", want: 90 * time.Second},
		{raw: " 1h30m ", want: 90 * time.Minute},
		{raw: "300", want: 5 * time.Minute},
		{raw: "-5s", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("sweeper.retry_delay", tt.raw)
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "sweeper.retry_delay") {
				t.Fatalf("ParseDurationField(%q) err = %v, want error naming the field", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("zero = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "2s", 7*time.Second); err != nil || d != 2*time.Second {
		t.Fatalf("set = %v, %v", d, err)
	}
}

func TestNormalizeToJSON(t *testing.T) {
	t.Parallel()
	if configFormat("/etc/userbotd/config.YML") != "yaml" || configFormat("config.json") != "json" {
		t.Fatal("format detection")
	}
	if _, err := normalizeToJSON("json", []byte("  \n")); err == nil {
		t.Fatal("empty file accepted")
	}

	out, err := normalizeToJSON("yaml", []byte("forward:\n  pacing: 2s\n  targets: [a, b]\n"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var got map[string]map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("not json: %v (%s)", err, out)
	}
	if got["forward"]["pacing"] != "2s" {
		t.Fatalf("pacing = %v", got["forward"]["pacing"])
	}

	_, err = normalizeToJSON("yaml", []byte("sweeper:\n  1: on\n"))
	if err == nil || !strings.Contains(err.Error(), "sweeper") {
		t.Fatalf("non-string key err = %v", err)
	}
}
