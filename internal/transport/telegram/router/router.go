// Package router dispatches admin bot commands: a token tree of routes with
// aliases, owner-only access, per-sender throttling and a bounded worker pool.
package router

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"userbotd/internal/runtime/supervisor"
	kit "userbotd/internal/transport"
	logx "userbotd/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Command is one admin command. Route is a space-separated path such as
// "status" or "sweep now"; Aliases are extra single-word names.
type Command struct {
	Route       string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // 0 uses Options.Timeout
	Handle      HandlerFunc
}

// Request is one command invocation.
type Request struct {
	Chat      kit.ChatTarget
	FromID    int64
	IsPrivate bool
	Command   string   // matched route
	Args      []string // tokens after the route
	ReqID     string

	Adapter kit.Sender
	Logger  logx.Logger
	Owners  []int64
}

// IsOwner reports whether the sender is a configured owner.
func (r *Request) IsOwner() bool { return slices.Contains(r.Owners, r.FromID) }

// Reply sends plain text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends HTML back to the originating chat.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

// Options tune a CommandManager. Zero values pick defaults.
type Options struct {
	RatePerMin int           // per non-owner sender, default 20
	Workers    int           // default 4
	QueueSize  int           // default 128
	Timeout    time.Duration // per command, default 2m
	// Registry receives the dispatcher supervisor while it runs.
	Registry *supervisor.Registry
}

type CommandManager struct {
	log     logx.Logger
	adapter kit.Adapter
	opts    Options
	limits  *throttle
	jobs    chan func(context.Context)

	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode
	owners []int64

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opts Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts.RatePerMin = orDefault(opts.RatePerMin, 20)
	opts.Workers = orDefault(opts.Workers, 4)
	opts.QueueSize = orDefault(opts.QueueSize, 128)
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &CommandManager{
		log:     log,
		adapter: adapter,
		opts:    opts,
		limits:  newThrottle(opts.RatePerMin),
		jobs:    make(chan func(context.Context), opts.QueueSize),
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  slices.Clone(owners),
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// SetOwners swaps the owner list; used on config reload.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.owners)
}

func (m *CommandManager) helpCommand() Command {
	return Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(req.Args, req.IsOwner()))
		},
	}
}

// SetRegistry installs cmds plus /help, then pushes the command menu when
// the adapter supports it.
func (m *CommandManager) SetRegistry(cmds []Command) {
	cmds = append(slices.Clone(cmds), m.helpCommand())

	root := newRoot()
	alias := map[string]*cmdNode{}
	addAlias := func(name string, leaf *cmdNode, override bool) {
		if name == "" {
			return
		}
		if _, taken := alias[name]; taken && !override {
			return
		}
		alias[name] = leaf
	}

	var menu []Command
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		menu = append(menu, c)

		// The flattened name ("sweep_now") reaches multi-word routes in one
		// token. A single word never aliases itself, so its subcommands
		// still resolve through the tree.
		if flat, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || flat != route[0]) {
			addAlias(flat, leaf, false)
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.ContainsRune(a, ' ') {
				continue
			}
			addAlias(a, leaf, true)
			addAlias(sanitizeTelegramCommand(a), leaf, false)
		}
	}

	m.mu.Lock()
	m.root, m.alias = root, alias
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		entries := buildTelegramMenuCommands(root, menu)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, entries); err != nil {
				m.log.Debug("menu update failed", logx.Err(err))
			}
		}()
	}
}
