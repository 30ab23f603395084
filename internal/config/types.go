package config

type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Session    SessionConfig    `json:"session,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	Supervisor SupervisorConfig `json:"supervisor,omitempty"`
	Sweeper    SweeperConfig    `json:"sweeper,omitempty"`
	Forward    ForwardConfig    `json:"forward,omitempty"`
	Metrics    MetricsConfig    `json:"metrics,omitempty"`
}

// TelegramConfig configures the admin bot.
type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// CommandRatePerMin throttles commands per user. 0 means 20.
	CommandRatePerMin int `json:"command_rate_per_min,omitempty"`
}

// SessionConfig holds platform API credentials used when /register omits them.
type SessionConfig struct {
	APIID   int    `json:"api_id,omitempty"`
	APIHash string `json:"api_hash,omitempty"`
	// CheckTimeout bounds a single session validation. Default "30s".
	CheckTimeout string `json:"check_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
	// ChildFormat is "json" (default) or "console" for session processes.
	ChildFormat string `json:"child_format,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the identity store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/userbotd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Key is an age X25519 secret key. Never logged.
	Key string `json:"key,omitempty"`
}

// NotifierConfig controls the admin notice pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// SupervisorConfig controls userbot process supervision.
//
// Defaults:
//   - handshake_timeout: 45s
//   - stop_grace: 10s
//   - poll_interval: 30s
//   - max_restarts: 3
//   - restart_backoff: 60s
//   - restart_min_interval: 60s
//   - relaunch_pause: 2s
type SupervisorConfig struct {
	HandshakeTimeout   string `json:"handshake_timeout,omitempty"`
	StopGrace          string `json:"stop_grace,omitempty"`
	PollInterval       string `json:"poll_interval,omitempty"`
	MaxRestarts        int    `json:"max_restarts,omitempty"`
	RestartBackoff     string `json:"restart_backoff,omitempty"`
	RestartMinInterval string `json:"restart_min_interval,omitempty"`
	RelaunchPause      string `json:"relaunch_pause,omitempty"`
	// Binary overrides the executable launched for sessions. Default: this binary.
	Binary string `json:"binary,omitempty"`
}

// SweeperConfig controls the expiry / session-validity sweep.
type SweeperConfig struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Schedule     string `json:"schedule,omitempty"` // cron spec, default "@hourly"
	Timezone     string `json:"timezone,omitempty"`
	StartupDelay string `json:"startup_delay,omitempty"` // default 30s
	MaxRetries   int    `json:"max_retries,omitempty"`   // default 2
	RetryDelay   string `json:"retry_delay,omitempty"`   // default 10s
	RecheckDelay string `json:"recheck_delay,omitempty"` // default 5s
	// ExpiryPolicy is "deactivate" (default) or "delete".
	ExpiryPolicy string `json:"expiry_policy,omitempty"`
}

// ForwardConfig is handed to every session process through the environment.
type ForwardConfig struct {
	MaxTasks        int    `json:"max_tasks,omitempty"`         // default and maximum 10
	Pacing          string `json:"pacing,omitempty"`            // default 2s
	MaxFloodRetries int    `json:"max_flood_retries,omitempty"` // must be 1 when set
	MaxFloodWait    string `json:"max_flood_wait,omitempty"`    // optional cap, default none
}

// MetricsConfig controls the Prometheus endpoint. Empty addr disables it.
type MetricsConfig struct {
	Addr  string `json:"addr,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
	Token string `json:"token,omitempty"` // optional bearer token (do not log)
}
