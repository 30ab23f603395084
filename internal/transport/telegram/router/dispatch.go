package router

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"userbotd/internal/runtime/supervisor"
	kit "userbotd/internal/transport"
	logx "userbotd/pkg/logx"
)

const registryName = "telegram.router"

// Supervisor returns the dispatcher supervisor, nil when not running.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// DispatchLoop routes updates to the worker pool until ctx ends or updates
// closes. Queued commands still run with the loop's context.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", registryName))),
	)
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()
	m.opts.Registry.Set(registryName, sup)

	for i := range m.opts.Workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), m.worker,
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.opts.Workers), logx.Int("queue", cap(m.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.opts.Registry.Delete(registryName)
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil && up.Message.IsCommand() {
				m.route(ctx, up.Message)
			}
		}
	}
}

// worker runs queued commands. Handler panics are already recovered by the
// middleware chain, so a worker only exits on cancellation.
func (m *CommandManager) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			job(ctx)
		}
	}
}

// commandWord extracts the lowercase command from "/Name@bot".
func commandWord(tok string) string {
	w := strings.ToLower(strings.TrimPrefix(tok, "/"))
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return w
}

func (m *CommandManager) route(ctx context.Context, msg *kit.Message) {
	tokens := tokenizeCommandLine(msg.Text)
	if len(tokens) == 0 {
		return
	}
	word, args := commandWord(tokens[0]), tokens[1:]

	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if leaf := alias[word]; leaf != nil && leaf.cmd != nil {
		m.submit(ctx, msg, *leaf.cmd, args)
		return
	}
	node, ok := root.child(word)
	if !ok {
		// Stay quiet in groups.
		if msg.IsPrivate {
			_, _ = m.adapter.SendText(ctx, msg.Target(), "unknown command. try /help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 {
		next, ok := node.child(args[0])
		if !ok {
			break
		}
		node, path, args = next, append(path, args[0]), args[1:]
	}
	if node.cmd == nil {
		txt := m.helpText(path, slices.Contains(m.ownersSnapshot(), msg.FromID))
		_, _ = m.adapter.SendText(ctx, msg.Target(), txt, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
		return
	}
	m.submit(ctx, msg, *node.cmd, args)
}

// submit checks access and throttling, then queues the command.
func (m *CommandManager) submit(ctx context.Context, msg *kit.Message, cmd Command, args []string) {
	chat := msg.Target()
	owners := m.ownersSnapshot()
	owner := slices.Contains(owners, msg.FromID)
	switch {
	case cmd.Access == AccessOwnerOnly && !owner:
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	case !owner && !m.limits.allow(msg.FromID):
		_, _ = m.adapter.SendText(ctx, chat, "slow down, try again in a minute", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Chat:      chat,
		FromID:    msg.FromID,
		IsPrivate: msg.IsPrivate,
		Command:   cmd.Route,
		Args:      args,
		ReqID:     rid,
		Adapter:   m.adapter,
		Owners:    owners,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opts.Timeout
	}
	h := wrap(cmd.Handle, replyOnError, recoverPanics, logRequest, withTimeout(timeout))

	select {
	case m.jobs <- func(c context.Context) { _ = h(c, req) }:
	default:
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}
