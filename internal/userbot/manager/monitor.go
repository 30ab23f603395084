package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"userbotd/internal/eventbus"
	"userbotd/internal/notifier"
	"userbotd/internal/storage"
	logx "userbotd/pkg/logx"
)

// monitor watches one handle until ctx is cancelled (deliberate stop) or it
// gives up. Restarts reuse the credentials currently in the store.
func (m *Manager) monitor(ctx context.Context, h *handle, log logx.Logger) {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()

	for {
		m.mu.Lock()
		p := h.proc
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			log.Debug("session alive", logx.Int("pid", p.pid), logx.String("status", p.ready.Status()))
			continue
		case <-p.done:
		}
		if ctx.Err() != nil {
			return
		}

		detail := p.exitDetail()
		m.mu.Lock()
		h.status = StatusDead
		h.lastErr = detail
		attempts := h.attempts
		m.mu.Unlock()
		log.Warn("session exited", logx.Int("pid", p.pid), logx.String("detail", detail), logx.Int("attempts", attempts))
		m.publish(eventbus.UserbotExited, h.id, detail)

		if p.revoked() {
			m.revoke(ctx, h, detail, log)
			return
		}
		if attempts >= m.cfg.MaxRestarts {
			m.giveUp(ctx, h, fmt.Errorf("crashed %d times, last: %s", attempts+1, detail), log)
			return
		}

		m.mu.Lock()
		h.attempts++
		attempts = h.attempts
		h.status = StatusStarting
		m.mu.Unlock()
		log.Info("restarting session", logx.Int("attempt", attempts), logx.Duration("backoff", m.cfg.RestartBackoff))
		m.publish(eventbus.UserbotRestarting, h.id, attempts)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RestartBackoff):
		}

		np, hs, err := m.launch(ctx, h.id, log)
		if ctx.Err() != nil {
			if np != nil {
				np.terminate(m.cfg.StopGrace)
			}
			return
		}
		if errors.Is(err, ErrSessionRevoked) {
			m.revoke(ctx, h, err.Error(), log)
			return
		}
		if err != nil {
			m.giveUp(ctx, h, fmt.Errorf("restart %d failed: %w", attempts, err), log)
			return
		}

		m.mu.Lock()
		h.proc = np
		h.status = StatusRunning
		h.startedAt = np.startedAt
		m.mu.Unlock()
		log.Info("session restarted", logx.Int("pid", np.pid), logx.Int("attempt", attempts), logx.Duration("handshake", hs))
		m.publish(eventbus.UserbotStarted, h.id, StartInfo{PID: np.pid, Handshake: hs, Restart: true})
	}
}

// drop forgets h unless a newer handle already replaced it.
func (m *Manager) drop(h *handle) {
	m.mu.Lock()
	if m.handles[h.id] == h {
		delete(m.handles, h.id)
	}
	h.status = StatusDead
	m.mu.Unlock()
}

// revoke handles a session the platform rejected: no restart, the identity
// is deleted and the admins are told.
func (m *Manager) revoke(ctx context.Context, h *handle, detail string, log logx.Logger) {
	m.drop(h)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	storeErr := m.store.DeleteIdentity(wctx, h.id)
	if errors.Is(storeErr, storage.ErrNotFound) {
		storeErr = nil
	}
	m.audit(wctx, h.id, "remove_revoked", detail, storeErr)
	if storeErr != nil {
		log.Error("could not remove revoked identity", logx.Err(storeErr))
	} else {
		log.Warn("session revoked, identity removed", logx.String("detail", detail))
		m.publish(eventbus.IdentityRemoved, h.id, detail)
	}

	if m.notify == nil {
		return
	}
	text := fmt.Sprintf("Userbot %d was logged out by Telegram and has been removed.\nDetail: %s", h.id, detail)
	if storeErr != nil {
		text = fmt.Sprintf("Userbot %d was logged out by Telegram but could not be removed: %v\nDetail: %s", h.id, storeErr, detail)
	}
	if err := m.notify.NotifyAdmins(wctx, "userbot.revoked", notifier.PriorityCritical, text); err != nil {
		log.Warn("admin notice failed", logx.Err(err))
	}
}

// giveUp deactivates the identity, drops the handle and tells the admins.
func (m *Manager) giveUp(ctx context.Context, h *handle, cause error, log logx.Logger) {
	m.drop(h)

	// The monitor context dies with the handle; store writes must not.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	storeErr := m.store.SetActive(wctx, h.id, false)
	if storeErr != nil {
		log.Error("deactivate after give-up failed", logx.Err(storeErr))
	}
	log.Error("session supervision gave up", logx.Err(cause))
	m.audit(wctx, h.id, "give_up", cause.Error(), storeErr)
	m.publish(eventbus.UserbotGaveUp, h.id, cause.Error())

	if m.notify == nil {
		return
	}
	text := fmt.Sprintf("Userbot %d stopped after repeated failures and was deactivated.\nLast error: %s", h.id, cause)
	if storeErr != nil {
		text += fmt.Sprintf("\nCould not save the deactivation: %v", storeErr)
	}
	if err := m.notify.NotifyAdmins(wctx, "userbot.gave_up", notifier.PriorityCritical, text); err != nil {
		log.Warn("admin notice failed", logx.Err(err))
	}
}
