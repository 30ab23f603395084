package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const sampleYAML = `
telegram:
  token: "file-token"
  owner_user_ids: [111]
  poll_timeout: 10s
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: warn, rate_per_sec: 1}
storage:
  driver: sqlite
  path: ./data/userbotd.db
sweeper:
  expiry_policy: delete
forward:
  max_tasks: 5
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAMLWithEnvOverlay(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnv(envconfig.MapLookuper(map[string]string{
		"USERBOTD_BOT_TOKEN": "env-token",
		"USERBOTD_OWNER_IDS": "1,2",
		"USERBOTD_STORE_KEY": "AGE-SECRET-KEY-1XYZ",
		"USERBOTD_API_ID":    "777",
		"USERBOTD_API_HASH":  "abc",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("telegram overlay = %+v", cfg.Telegram)
	}
	if cfg.Storage.Key != "AGE-SECRET-KEY-1XYZ" || cfg.Session.APIID != 777 || cfg.Session.APIHash != "abc" {
		t.Fatalf("secret overlay missing: %+v %+v", cfg.Storage, cfg.Session)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x","owner_user_ids":[1]},"storage":{"driver":"file","path":"x"},"plugins":{}}`))
	m.SetEnv(envconfig.MapLookuper(nil))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "plugins") {
		t.Fatalf("Parse err = %v, want unknown field plugins", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
			Storage:  StorageConfig{Driver: "file", Path: "ids.json"},
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"no owners", func(c *Config) { c.Telegram.OwnerUserIDs = nil }, "owner_user_ids"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"bad policy", func(c *Config) { c.Sweeper.ExpiryPolicy = "archive" }, "expiry_policy"},
		{"bad duration", func(c *Config) { c.Supervisor.StopGrace = "soon" }, "supervisor.stop_grace"},
		{"negative", func(c *Config) { c.Forward.Pacing = "-1s" }, "forward.pacing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := good()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	sup, err := SupervisorConfig{}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if sup.HandshakeTimeout != 45*time.Second || sup.PollInterval != 30*time.Second ||
		sup.MaxRestarts != 3 || sup.RestartBackoff != time.Minute || sup.RestartMinInterval != time.Minute {
		t.Fatalf("supervisor defaults = %+v", sup)
	}
	sw, err := SweeperConfig{}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if sw.Schedule != "@hourly" || sw.MaxRetries != 2 || sw.RetryDelay != 10*time.Second ||
		sw.RecheckDelay != 5*time.Second || sw.ExpiryPolicy != ExpiryDeactivate || !sw.Enabled {
		t.Fatalf("sweeper defaults = %+v", sw)
	}
	fw, err := ForwardConfig{}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if fw.MaxTasks != 10 || fw.Pacing != 2*time.Second || fw.MaxFloodRetries != 1 || fw.MaxFloodWait != 0 {
		t.Fatalf("forward defaults = %+v", fw)
	}
}

func TestForwardLimits(t *testing.T) {
	t.Parallel()
	bad := map[string]ForwardConfig{
		"forward.max_tasks":         {MaxTasks: 11},
		"forward.max_flood_retries": {MaxFloodRetries: 2},
	}
	for field, fc := range bad {
		if _, err := fc.Resolve(); err == nil || !strings.Contains(err.Error(), field) {
			t.Fatalf("%+v: err = %v, want %s error", fc, err, field)
		}
	}
	fw, err := ForwardConfig{MaxTasks: 10, MaxFloodRetries: 1, MaxFloodWait: "10m"}.Resolve()
	if err != nil || fw.MaxTasks != 10 || fw.MaxFloodWait != 10*time.Minute {
		t.Fatalf("resolve = %+v, %v", fw, err)
	}

	env, err := LoadChildEnv(context.Background(), envconfig.MapLookuper(map[string]string{
		"USERBOTD_IDENTITY_ID":           "1",
		"USERBOTD_FORWARD_MAX_TASKS":     "50",
		"USERBOTD_FORWARD_FLOOD_RETRIES": "3",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if env.MaxTasks != 10 || env.MaxFloodRetries != 1 || env.MaxFloodWait != 0 {
		t.Fatalf("child env = %+v", env)
	}
}

func TestChildEnvRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := &Config{Forward: ForwardConfig{MaxTasks: 4, Pacing: "3s"}, Logging: LoggingConfig{Level: "warn"}}
	want, err := NewChildEnv(cfg, 42)
	if err != nil {
		t.Fatal(err)
	}
	vars := map[string]string{}
	for _, kv := range want.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		vars[k] = v
	}
	got, err := LoadChildEnv(context.Background(), envconfig.MapLookuper(vars))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("child env = %+v, want %+v", got, want)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	body := `{"telegram":{"token":"a","owner_user_ids":[1]},"storage":{"driver":"file","path":"x"}}`
	path := writeFile(t, "config.json", body)
	m := NewConfigManager(path)
	m.SetEnv(envconfig.MapLookuper(nil))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub, unsub := m.Subscribe(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Invalid content is rejected and never published.
	if err := os.WriteFile(path, []byte(`{"telegram":{"token":"","owner_user_ids":[1]},"storage":{"driver":"file","path":"x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(path, []byte(strings.Replace(body, `"a"`, `"b"`, 1)), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Telegram.Token != "b" {
			t.Fatalf("published token = %q", cfg.Telegram.Token)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "old"}, Storage: StorageConfig{Key: "k1"}}
	b := &Config{Telegram: TelegramConfig{Token: "new"}, Storage: StorageConfig{Key: "k2"}}
	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "telegram,storage" {
		t.Fatalf("changed = %v", changed)
	}
	if got := RestartRequired(changed); len(got) != 2 {
		t.Fatalf("RestartRequired = %v", got)
	}
}
