package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Expiry policies for identities whose subscription elapsed.
const (
	ExpiryDeactivate = "deactivate"
	ExpiryDelete     = "delete"
)

// Supervisor is the resolved form of SupervisorConfig.
type Supervisor struct {
	HandshakeTimeout   time.Duration
	StopGrace          time.Duration
	PollInterval       time.Duration
	MaxRestarts        int
	RestartBackoff     time.Duration
	RestartMinInterval time.Duration
	RelaunchPause      time.Duration
	Binary             string
}

func (c SupervisorConfig) Resolve() (Supervisor, error) {
	var (
		out Supervisor
		err error
	)
	if out.HandshakeTimeout, err = ParseDurationOrDefault("supervisor.handshake_timeout", c.HandshakeTimeout, 45*time.Second); err != nil {
		return out, err
	}
	if out.StopGrace, err = ParseDurationOrDefault("supervisor.stop_grace", c.StopGrace, 10*time.Second); err != nil {
		return out, err
	}
	if out.PollInterval, err = ParseDurationOrDefault("supervisor.poll_interval", c.PollInterval, 30*time.Second); err != nil {
		return out, err
	}
	if out.RestartBackoff, err = ParseDurationOrDefault("supervisor.restart_backoff", c.RestartBackoff, 60*time.Second); err != nil {
		return out, err
	}
	if out.RestartMinInterval, err = ParseDurationOrDefault("supervisor.restart_min_interval", c.RestartMinInterval, 60*time.Second); err != nil {
		return out, err
	}
	if out.RelaunchPause, err = ParseDurationOrDefault("supervisor.relaunch_pause", c.RelaunchPause, 2*time.Second); err != nil {
		return out, err
	}
	out.MaxRestarts = c.MaxRestarts
	if out.MaxRestarts <= 0 {
		out.MaxRestarts = 3
	}
	out.Binary = strings.TrimSpace(c.Binary)
	return out, nil
}

// Sweeper is the resolved form of SweeperConfig.
type Sweeper struct {
	Enabled      bool
	Schedule     string
	Timezone     string
	StartupDelay time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	RecheckDelay time.Duration
	ExpiryPolicy string
}

func (c SweeperConfig) Resolve() (Sweeper, error) {
	out := Sweeper{
		Enabled:      !c.Disabled,
		Schedule:     strings.TrimSpace(c.Schedule),
		Timezone:     strings.TrimSpace(c.Timezone),
		MaxRetries:   c.MaxRetries,
		ExpiryPolicy: strings.ToLower(strings.TrimSpace(c.ExpiryPolicy)),
	}
	if out.Schedule == "" {
		out.Schedule = "@hourly"
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 2
	}
	switch out.ExpiryPolicy {
	case "":
		out.ExpiryPolicy = ExpiryDeactivate
	case ExpiryDeactivate, ExpiryDelete:
	default:
		return out, fmt.Errorf("sweeper.expiry_policy: want %q or %q, got %q", ExpiryDeactivate, ExpiryDelete, c.ExpiryPolicy)
	}
	var err error
	if out.StartupDelay, err = ParseDurationOrDefault("sweeper.startup_delay", c.StartupDelay, 30*time.Second); err != nil {
		return out, err
	}
	if out.RetryDelay, err = ParseDurationOrDefault("sweeper.retry_delay", c.RetryDelay, 10*time.Second); err != nil {
		return out, err
	}
	if out.RecheckDelay, err = ParseDurationOrDefault("sweeper.recheck_delay", c.RecheckDelay, 5*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// MaxForwardTasks is the most forward tasks one session may hold.
const MaxForwardTasks = 10

// Forward is the resolved form of ForwardConfig.
type Forward struct {
	MaxTasks        int
	Pacing          time.Duration
	MaxFloodRetries int
	MaxFloodWait    time.Duration
}

func (c ForwardConfig) Resolve() (Forward, error) {
	out := Forward{MaxTasks: c.MaxTasks, MaxFloodRetries: c.MaxFloodRetries}
	switch {
	case out.MaxTasks <= 0:
		out.MaxTasks = MaxForwardTasks
	case out.MaxTasks > MaxForwardTasks:
		return out, fmt.Errorf("forward.max_tasks: at most %d, got %d", MaxForwardTasks, out.MaxTasks)
	}
	switch out.MaxFloodRetries {
	case 0:
		out.MaxFloodRetries = 1
	case 1:
	default:
		return out, fmt.Errorf("forward.max_flood_retries: a flood wait is retried exactly once, got %d", out.MaxFloodRetries)
	}
	var err error
	if out.Pacing, err = ParseDurationOrDefault("forward.pacing", c.Pacing, 2*time.Second); err != nil {
		return out, err
	}
	// 0 sleeps any flood wait the platform asks for.
	if out.MaxFloodWait, err = ParseDurationOrDefault("forward.max_flood_wait", c.MaxFloodWait, 0); err != nil {
		return out, err
	}
	return out, nil
}

// Validate checks everything that must hold before the daemon (re)applies cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or USERBOTD_BOT_TOKEN)"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must not be empty"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("session.check_timeout", cfg.Session.CheckTimeout); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Supervisor.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Sweeper.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Forward.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
