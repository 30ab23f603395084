package config

import (
	"reflect"
	"strings"

	logx "userbotd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens and keys are reported as set/unset only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.CommandRatePerMin != nt.CommandRatePerMin {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Session.APIID != newCfg.Session.APIID || oldCfg.Session.APIHash != newCfg.Session.APIHash ||
		oldCfg.Session.CheckTimeout != newCfg.Session.CheckTimeout {
		changed = append(changed, "session")
		attrs = append(attrs, logx.Int("session.api_id", newCfg.Session.APIID))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oldStore, newStore := oldCfg.Storage, newCfg.Storage
	if oldStore.Driver != newStore.Driver || oldStore.Path != newStore.Path || oldStore.BusyTimeout != newStore.BusyTimeout || oldStore.Key != newStore.Key {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newStore.Driver),
			logx.Bool("storage.key_set", newStore.Key != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if oldCfg.Supervisor != newCfg.Supervisor {
		changed = append(changed, "supervisor")
		attrs = append(attrs,
			logx.String("supervisor.poll_interval", newCfg.Supervisor.PollInterval),
			logx.Int("supervisor.max_restarts", newCfg.Supervisor.MaxRestarts),
		)
	}
	if oldCfg.Sweeper != newCfg.Sweeper {
		changed = append(changed, "sweeper")
		attrs = append(attrs,
			logx.String("sweeper.schedule", newCfg.Sweeper.Schedule),
			logx.String("sweeper.expiry_policy", newCfg.Sweeper.ExpiryPolicy),
		)
	}
	if oldCfg.Forward != newCfg.Forward {
		changed = append(changed, "forward")
		attrs = append(attrs, logx.Int("forward.max_tasks", newCfg.Forward.MaxTasks))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
		)
	}
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
// Owner ids under telegram apply live; the bot token and polling do not.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "session", "supervisor":
			out = append(out, s)
		}
	}
	return out
}
