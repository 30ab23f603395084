package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/sethvargo/go-envconfig"

	logx "userbotd/pkg/logx"
)

// ConfigManager holds the committed configuration, reloads it from disk and
// hands every newly committed config to subscribers.
type ConfigManager struct {
	path      string
	env       envconfig.Lookuper
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	mu   sync.RWMutex
	cfg  *Config
	last []byte // canonical JSON of cfg; equal reloads are skipped

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:      path,
		log:       logx.Nop(),
		validator: func(_ context.Context, c *Config) error { return Validate(c) },
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetEnv replaces the lookuper used for the secret overlay. Nil reads the
// process environment.
func (m *ConfigManager) SetEnv(l envconfig.Lookuper) { m.env = l }

// SetValidator replaces the check every loaded or reloaded config must pass.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file, decodes it strictly (unknown keys and trailing data
// are errors) and overlays secrets from the environment.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	format := configFormat(m.path)
	data, err := normalizeToJSON(format, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	if err := applyEnv(context.Background(), &cfg, m.env); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (m *ConfigManager) validate(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	return m.validator(ctx, cfg)
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, canonical(cfg))
	return cfg, nil
}

func canonical(cfg *Config) []byte {
	b, _ := json.Marshal(cfg)
	return b
}

func (m *ConfigManager) commit(cfg *Config, enc []byte) {
	m.mu.Lock()
	m.cfg, m.last = cfg, enc
	m.mu.Unlock()
}

// Get returns the committed config. Callers must not mutate it.
func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel of committed configs and its cancel func. A
// slow subscriber loses older configs, never the newest.
func (m *ConfigManager) Subscribe(buffer int) (<-chan *Config, func()) {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			if i := slices.Index(m.subs, ch); i >= 0 {
				m.subs = slices.Delete(m.subs, i, i+1)
				close(ch)
			}
		})
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				// Full: drop the oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload re-reads the file and commits it when it parses, differs from the
// committed config and passes validation.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	enc := canonical(cfg)
	m.mu.RLock()
	same := bytes.Equal(enc, m.last)
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}

	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	err = m.validate(vctx, cfg)
	cancel()
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.commit(cfg, enc)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
