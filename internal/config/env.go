package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// secretEnv lists the settings that may live outside the config file.
type secretEnv struct {
	BotToken string  `env:"USERBOTD_BOT_TOKEN"`
	StoreKey string  `env:"USERBOTD_STORE_KEY"`
	OwnerIDs []int64 `env:"USERBOTD_OWNER_IDS"`
	APIID    int     `env:"USERBOTD_API_ID"`
	APIHash  string  `env:"USERBOTD_API_HASH"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set are never replaced.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("dotenv %s: %w", p, err)
		}
	}
	return nil
}

// applyEnv overlays environment secrets onto cfg. Set variables win over the file.
func applyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	var env secretEnv
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: l}); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	if env.BotToken != "" {
		cfg.Telegram.Token = env.BotToken
	}
	if env.StoreKey != "" {
		cfg.Storage.Key = env.StoreKey
	}
	if len(env.OwnerIDs) > 0 {
		cfg.Telegram.OwnerUserIDs = env.OwnerIDs
	}
	if env.APIID != 0 {
		cfg.Session.APIID = env.APIID
	}
	if env.APIHash != "" {
		cfg.Session.APIHash = env.APIHash
	}
	return nil
}

// ChildEnv is the runtime configuration a session process reads from its
// environment. The supervisor renders it with Environ.
type ChildEnv struct {
	IdentityID      int64         `env:"USERBOTD_IDENTITY_ID"`
	LogLevel        string        `env:"USERBOTD_LOG_LEVEL,default=info"`
	LogFormat       string        `env:"USERBOTD_LOG_FORMAT,default=json"`
	MaxTasks        int           `env:"USERBOTD_FORWARD_MAX_TASKS,default=10"`
	Pacing          time.Duration `env:"USERBOTD_FORWARD_PACING,default=2s"`
	MaxFloodRetries int           `env:"USERBOTD_FORWARD_FLOOD_RETRIES,default=1"`
	MaxFloodWait    time.Duration `env:"USERBOTD_FORWARD_MAX_FLOOD_WAIT,default=0s"`
}

// NewChildEnv derives the child environment for one identity from cfg.
func NewChildEnv(cfg *Config, identityID int64) (ChildEnv, error) {
	fw, err := cfg.Forward.Resolve()
	if err != nil {
		return ChildEnv{}, err
	}
	level := strings.TrimSpace(cfg.Logging.Level)
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(cfg.Logging.ChildFormat)
	if format == "" {
		format = "json"
	}
	return ChildEnv{
		IdentityID:      identityID,
		LogLevel:        level,
		LogFormat:       format,
		MaxTasks:        fw.MaxTasks,
		Pacing:          fw.Pacing,
		MaxFloodRetries: fw.MaxFloodRetries,
		MaxFloodWait:    fw.MaxFloodWait,
	}, nil
}

// Environ renders e as KEY=VALUE pairs for exec.Cmd.Env.
func (e ChildEnv) Environ() []string {
	return []string{
		"USERBOTD_IDENTITY_ID=" + strconv.FormatInt(e.IdentityID, 10),
		"USERBOTD_LOG_LEVEL=" + e.LogLevel,
		"USERBOTD_LOG_FORMAT=" + e.LogFormat,
		"USERBOTD_FORWARD_MAX_TASKS=" + strconv.Itoa(e.MaxTasks),
		"USERBOTD_FORWARD_PACING=" + e.Pacing.String(),
		"USERBOTD_FORWARD_FLOOD_RETRIES=" + strconv.Itoa(e.MaxFloodRetries),
		"USERBOTD_FORWARD_MAX_FLOOD_WAIT=" + e.MaxFloodWait.String(),
	}
}

// LoadChildEnv reads ChildEnv in a session process. A nil lookuper reads the OS environment.
func LoadChildEnv(ctx context.Context, l envconfig.Lookuper) (ChildEnv, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	var e ChildEnv
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &e, Lookuper: l}); err != nil {
		return ChildEnv{}, err
	}
	if e.MaxTasks <= 0 || e.MaxTasks > MaxForwardTasks {
		e.MaxTasks = MaxForwardTasks
	}
	e.MaxFloodRetries = 1
	return e, nil
}
