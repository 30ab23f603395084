// Package sweeper reconciles stored identities against session validity and
// subscription expiry.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"userbotd/internal/config"
	"userbotd/internal/eventbus"
	"userbotd/internal/notifier"
	"userbotd/internal/storage"
	"userbotd/internal/userbot/platform"
	logx "userbotd/pkg/logx"
)

// ErrBusy is returned when a sweep is already in progress.
var ErrBusy = errors.New("sweep already running")

// Checker validates or messages a stored session over a throwaway connection.
type Checker interface {
	Validate(ctx context.Context, ident storage.Identity) error
	SendSaved(ctx context.Context, ident storage.Identity, text string) error
}

type Store interface {
	ListIdentities(ctx context.Context) ([]storage.Identity, error)
	SetActive(ctx context.Context, id int64, active bool) error
	DeleteIdentity(ctx context.Context, id int64) error
	ListGrants(ctx context.Context) ([]storage.Grant, error)
	DeleteGrant(ctx context.Context, userID int64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Processes is the supervisor surface the sweeper needs.
type Processes interface {
	Stop(ctx context.Context, id int64) bool
	Running(id int64) bool
}

type Notifier interface {
	NotifyAdmins(ctx context.Context, channel string, priority int, text string) error
	NotifyUser(ctx context.Context, chatID int64, text string) error
}

// Report summarizes one pass.
type Report struct {
	RunID          string
	StartedAt      time.Time
	Duration       time.Duration
	Checked        int
	InvalidRemoved int
	Expired        int
	GrantsExpired  int
	Errors         int
	Removed        []int64
}

// Sweeper runs validity and expiry passes. Only one pass runs at a time.
type Sweeper struct {
	cfg     config.Sweeper
	store   Store
	checker Checker
	procs   Processes
	notify  Notifier
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	running sync.Mutex
	mu      sync.Mutex
	last    *Report
}

func New(cfg config.Sweeper, store Store, checker Checker, procs Processes, notify Notifier, bus eventbus.Bus, log logx.Logger) *Sweeper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{
		cfg:     cfg,
		store:   store,
		checker: checker,
		procs:   procs,
		notify:  notify,
		bus:     bus,
		log:     log.With(logx.String("comp", "sweeper")),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Last returns the most recent report, or nil before the first pass.
func (s *Sweeper) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Job adapts Sweep to the task scheduler.
func (s *Sweeper) Job(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	if errors.Is(err, ErrBusy) {
		return nil
	}
	return err
}

// Sweep runs one pass over every stored identity.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, ErrBusy
	}
	defer s.running.Unlock()

	rep := Report{RunID: uuid.NewString()[:8], StartedAt: s.now()}
	log := s.log.With(logx.String("run", rep.RunID))

	idents, err := s.store.ListIdentities(ctx)
	if err != nil {
		return rep, fmt.Errorf("list identities: %w", err)
	}
	for _, ident := range idents {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		if ident.Expired(s.now()) {
			if s.expire(ctx, ident, log) {
				rep.Expired++
			}
			continue
		}

		invalid, verr := s.validate(ctx, ident)
		switch {
		case invalid:
			if err := s.removeInvalid(ctx, ident, verr, log); err != nil {
				rep.Errors++
				continue
			}
			rep.InvalidRemoved++
			rep.Removed = append(rep.Removed, ident.ID)
		case verr != nil && ctx.Err() == nil:
			rep.Errors++
			log.Warn("session check inconclusive", logx.Identity(ident.ID), logx.Err(verr))
		}
	}
	if ctx.Err() == nil {
		s.pruneGrants(ctx, &rep, log)
	}
	rep.Duration = s.now().Sub(rep.StartedAt)

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SweepFinished, Data: rep})
	}
	log.Info("sweep finished",
		logx.Int("checked", rep.Checked),
		logx.Int("invalid_removed", rep.InvalidRemoved),
		logx.Int("expired", rep.Expired),
		logx.Int("grants_expired", rep.GrantsExpired),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.Duration),
	)
	return rep, ctx.Err()
}

// check validates once per attempt. Permanent failures end it early; transient
// ones are retried MaxRetries times RetryDelay apart.
func (s *Sweeper) check(ctx context.Context, ident storage.Identity) (invalid bool, err error) {
	for attempt := 0; ; attempt++ {
		err = s.checker.Validate(ctx, ident)
		if err == nil {
			return false, nil
		}
		if errors.Is(err, platform.ErrSessionInvalid) {
			return true, err
		}
		if attempt >= s.cfg.MaxRetries {
			return false, err
		}
		if s.sleep(ctx, s.cfg.RetryDelay) != nil {
			return false, err
		}
	}
}

// validate reports invalid only when two checks RecheckDelay apart agree.
func (s *Sweeper) validate(ctx context.Context, ident storage.Identity) (bool, error) {
	invalid, err := s.check(ctx, ident)
	if !invalid {
		return false, err
	}
	if s.sleep(ctx, s.cfg.RecheckDelay) != nil {
		return false, ctx.Err()
	}
	again, err2 := s.check(ctx, ident)
	if !again {
		s.log.Info("session recovered on recheck", logx.Identity(ident.ID), logx.Err(err))
		return false, err2
	}
	return true, err2
}

func (s *Sweeper) removeInvalid(ctx context.Context, ident storage.Identity, cause error, log logx.Logger) error {
	s.procs.Stop(ctx, ident.ID)
	err := s.store.DeleteIdentity(ctx, ident.ID)
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	s.audit(ctx, ident.ID, "remove_invalid", errString(cause), err)
	if err != nil {
		log.Error("could not remove invalid identity", logx.Identity(ident.ID), logx.Err(err))
		return err
	}
	log.Warn("invalid session removed", logx.Identity(ident.ID), logx.Err(cause))
	s.publish(eventbus.IdentityRemoved, ident.ID, errString(cause))

	text := fmt.Sprintf("Invalid session removed\n\n%s\nReason: %s", describe(ident), errString(cause))
	s.adminNotice(ctx, "sweeper.invalid", notifier.PriorityWarn, text)
	return nil
}

// expire applies the expiry policy. It reports whether anything changed.
func (s *Sweeper) expire(ctx context.Context, ident storage.Identity, log logx.Logger) bool {
	running := s.procs.Running(ident.ID)
	if s.cfg.ExpiryPolicy != config.ExpiryDelete && !ident.Active && !running {
		return false
	}

	// Courtesy notice goes out while the session may still be reachable.
	if ident.Active || running {
		notice := fmt.Sprintf("⚠️ Your userbot subscription expired on %s.\nContact an admin to extend it.", ident.ExpiresAt.Format("2006-01-02 15:04 MST"))
		if err := s.checker.SendSaved(ctx, ident, notice); err != nil {
			log.Debug("saved messages notice failed", logx.Identity(ident.ID), logx.Err(err))
		}
		if ident.OwnerID != 0 && s.notify != nil {
			if err := s.notify.NotifyUser(ctx, ident.OwnerID, notice); err != nil {
				log.Debug("owner notice failed", logx.Identity(ident.ID), logx.Err(err))
			}
		}
	}
	s.procs.Stop(ctx, ident.ID)

	var (
		action = "expire_deactivate"
		err    error
	)
	if s.cfg.ExpiryPolicy == config.ExpiryDelete {
		action = "expire_delete"
		err = s.store.DeleteIdentity(ctx, ident.ID)
	} else {
		err = s.store.SetActive(ctx, ident.ID, false)
	}
	if errors.Is(err, storage.ErrNotFound) {
		err = nil
	}
	s.audit(ctx, ident.ID, action, "", err)
	if err != nil {
		log.Error("expiry update failed", logx.Identity(ident.ID), logx.Err(err))
		return false
	}
	log.Info("identity expired", logx.Identity(ident.ID), logx.String("policy", action))
	s.publish(eventbus.IdentityExpired, ident.ID, action)
	s.adminNotice(ctx, "sweeper.expired", notifier.PriorityInfo,
		fmt.Sprintf("Subscription expired (%s)\n\n%s", action, describe(ident)))
	return true
}

// pruneGrants drops elapsed self-service grants. Identities registered under
// a grant keep their own expiry.
func (s *Sweeper) pruneGrants(ctx context.Context, rep *Report, log logx.Logger) {
	grants, err := s.store.ListGrants(ctx)
	if err != nil {
		rep.Errors++
		log.Warn("list grants failed", logx.Err(err))
		return
	}
	now := s.now()
	for _, g := range grants {
		if !g.Expired(now) {
			continue
		}
		err := s.store.DeleteGrant(ctx, g.UserID)
		if errors.Is(err, storage.ErrNoGrant) {
			err = nil
		}
		s.audit(ctx, 0, "grant_expired", fmt.Sprintf("user=%d", g.UserID), err)
		if err != nil {
			rep.Errors++
			log.Error("could not drop expired grant", logx.Int64("user_id", g.UserID), logx.Err(err))
			continue
		}
		rep.GrantsExpired++
		log.Info("grant expired", logx.Int64("user_id", g.UserID))
		if s.notify != nil {
			if err := s.notify.NotifyUser(ctx, g.UserID, "⌛ Your userbot access has expired. Contact an admin to renew it."); err != nil {
				log.Debug("grant expiry notice failed", logx.Int64("user_id", g.UserID), logx.Err(err))
			}
		}
	}
}

func (s *Sweeper) adminNotice(ctx context.Context, channel string, prio int, text string) {
	if s.notify == nil {
		return
	}
	if err := s.notify.NotifyAdmins(ctx, channel, prio, text); err != nil {
		s.log.Debug("admin notice failed", logx.Err(err))
	}
}

func (s *Sweeper) publish(typ string, id int64, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, IdentityID: id, Data: data})
	}
}

func (s *Sweeper) audit(ctx context.Context, id int64, action, detail string, err error) {
	e := storage.AuditEntry{At: s.now(), IdentityID: id, Action: action, Detail: detail, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.Identity(id), logx.Err(aerr))
	}
}

func describe(ident storage.Identity) string {
	s := fmt.Sprintf("👤 %s\n🆔 %d", ident.DisplayName(), ident.ID)
	if ident.Phone != "" {
		s += "\n📱 " + ident.Phone
	}
	if ident.OwnerID != 0 {
		s += fmt.Sprintf("\n👑 Owner: %d", ident.OwnerID)
	}
	if !ident.ExpiresAt.IsZero() {
		s += "\n⏳ Expires: " + humanize.Time(ident.ExpiresAt)
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
