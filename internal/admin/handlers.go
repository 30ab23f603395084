package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"userbotd/internal/storage"
	"userbotd/internal/transport/telegram/router"
	"userbotd/internal/userbot/manager"
	"userbotd/internal/userbot/platform"
	"userbotd/internal/userbot/sweeper"
	logx "userbotd/pkg/logx"
)

const (
	day = 24 * time.Hour

	// selfServiceDays is the term of a userbot created through /create.
	selfServiceDays = 30
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseDays(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > 3650 {
		return 0, fmt.Errorf("days must be between 1 and 3650, got %q", s)
	}
	return n, nil
}

func usage(ctx context.Context, req *router.Request, text string) error {
	return req.Reply(ctx, "❌ "+text)
}

// saveFailed reports a store write that did not go through.
func saveFailed(ctx context.Context, req *router.Request, what string, err error, next string) error {
	req.Logger.Error("store write failed", logx.String("what", what), logx.Err(err))
	return req.Reply(ctx, fmt.Sprintf("❌ Could not save %s: %v\n%s", what, err, next))
}

func (h *handlers) status(ctx context.Context, req *router.Request) error {
	now := h.now()
	handles := h.Procs.Snapshot()
	running := 0
	for _, hi := range handles {
		if hi.Status == manager.StatusRunning {
			running++
		}
	}

	var b strings.Builder
	b.WriteString("📊 Daemon status\n")
	if !h.StartedAt.IsZero() {
		fmt.Fprintf(&b, "• Up since: %s\n", humanize.RelTime(h.StartedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(&b, "• Processes: %d running / %d supervised\n", running, len(handles))
	for _, hi := range handles {
		fmt.Fprintf(&b, "  - %d pid=%d %s", hi.IdentityID, hi.PID, hi.Status)
		if hi.Attempts > 0 {
			fmt.Fprintf(&b, " restarts=%d", hi.Attempts)
		}
		if hi.LastStatus != "" {
			fmt.Fprintf(&b, " (%s)", hi.LastStatus)
		}
		if hi.LastError != "" {
			fmt.Fprintf(&b, "\n    last error: %s", hi.LastError)
		}
		b.WriteString("\n")
	}

	if last := h.Sweeper.Last(); last != nil {
		fmt.Fprintf(&b, "• Last sweep: %s, checked %d, removed %d, expired %d, errors %d\n",
			humanize.RelTime(last.StartedAt, now, "ago", "from now"),
			last.Checked, last.InvalidRemoved, last.Expired, last.Errors)
	} else {
		b.WriteString("• Last sweep: never\n")
	}

	for _, name := range h.Supervisors.Names() {
		sup := h.Supervisors.Snapshot()[name]
		if sup == nil {
			continue
		}
		c := sup.Counters()
		fmt.Fprintf(&b, "• %s: %d goroutines (%s started)\n", name, c.Active, humanize.Comma(int64(c.Started)))
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) list(ctx context.Context, req *router.Request) error {
	idents, err := h.Store.ListIdentities(ctx)
	if err != nil {
		return err
	}
	if len(idents) == 0 {
		return req.Reply(ctx, "No identities registered.")
	}
	now := h.now()
	active, running := 0, 0
	var b strings.Builder
	for _, it := range idents {
		if it.Entitled(now) {
			active++
		}
		up := h.Procs.Running(it.ID)
		if up {
			running++
		}
		b.WriteString(h.line(it, up, now))
		b.WriteString("\n")
	}
	head := fmt.Sprintf("🔄 Identities: %d total, %d active, %d running, %d inactive\n🟢 active | 🔴 inactive | ⚡ running\n\n",
		len(idents), active, running, len(idents)-active)
	return req.Reply(ctx, head+strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) line(it storage.Identity, running bool, now time.Time) string {
	mark := "🔴"
	if it.Entitled(now) {
		mark = "🟢"
	}
	if running {
		mark += "⚡"
	}
	verb := "expires"
	if it.Expired(now) {
		verb = "expired"
	}
	return fmt.Sprintf("%s %s (%d) %s, owner %d, %s %s",
		mark, it.DisplayName(), it.ID, it.Phone, it.OwnerID, verb,
		humanize.RelTime(it.ExpiresAt, now, "ago", "from now"))
}

func (h *handlers) register(ctx context.Context, req *router.Request) error {
	var (
		ownerArg, daysArg, token string
		apiID                    = h.APIID
		apiHash                  = h.APIHash
	)
	switch len(req.Args) {
	case 5:
		ownerArg, daysArg, token = req.Args[0], req.Args[3], req.Args[4]
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n <= 0 {
			return usage(ctx, req, "api_id must be a positive number")
		}
		apiID, apiHash = n, req.Args[2]
	case 3:
		ownerArg, daysArg, token = req.Args[0], req.Args[1], req.Args[2]
		if apiID <= 0 || apiHash == "" {
			return usage(ctx, req, "no default api credentials configured, use the long form")
		}
	default:
		return usage(ctx, req, "usage: /register <owner_id> <api_id> <api_hash> <days> <session>")
	}
	owner, err := parseID(ownerArg)
	if err != nil {
		return usage(ctx, req, err.Error())
	}
	days, err := parseDays(daysArg)
	if err != nil {
		return usage(ctx, req, err.Error())
	}
	return h.enroll(ctx, req, owner, days, storage.Identity{AuthToken: token, APIID: apiID, APIHash: apiHash})
}

// create is the self-service form of register for users holding a grant.
func (h *handlers) create(ctx context.Context, req *router.Request) error {
	if !req.IsOwner() {
		g, err := h.Store.GetGrant(ctx, req.FromID)
		if errors.Is(err, storage.ErrNoGrant) || (err == nil && g.Expired(h.now())) {
			return req.Reply(ctx, "🔒 You need userbot access to create one. Contact an admin.")
		}
		if err != nil {
			return err
		}
	}
	candidate := storage.Identity{APIID: h.APIID, APIHash: h.APIHash}
	switch len(req.Args) {
	case 3:
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n <= 0 {
			return usage(ctx, req, "api_id must be a positive number")
		}
		candidate.APIID, candidate.APIHash, candidate.AuthToken = n, req.Args[1], req.Args[2]
	case 1:
		if candidate.APIID <= 0 || candidate.APIHash == "" {
			return usage(ctx, req, "usage: /create <api_id> <api_hash> <session>")
		}
		candidate.AuthToken = req.Args[0]
	default:
		return usage(ctx, req, "usage: /create <api_id> <api_hash> <session>")
	}
	return h.enroll(ctx, req, req.FromID, selfServiceDays, candidate)
}

// enroll verifies candidate, stores it for owner and starts it. Owners of the
// bot may hold several identities; everyone else gets one.
func (h *handlers) enroll(ctx context.Context, req *router.Request, owner int64, days int, candidate storage.Identity) error {
	_ = req.Reply(ctx, "⏳ Verifying session...")
	self, err := h.Verifier.Verify(ctx, candidate)
	if err != nil {
		req.Logger.Warn("session verification failed", logx.Err(err), logx.Secret("token", candidate.AuthToken))
		h.audit(ctx, req, 0, "register", "verify", err)
		if errors.Is(err, platform.ErrSessionInvalid) {
			return req.Reply(ctx, "❌ The session is not valid. Generate a new one and try again.")
		}
		return req.Reply(ctx, "❌ Could not verify the session right now, try again later.")
	}

	if !slices.Contains(req.Owners, owner) {
		prev, ok, err := h.ownedBy(ctx, owner)
		if err != nil {
			return err
		}
		if ok && prev.ID != self.ID {
			return req.Reply(ctx, fmt.Sprintf("❌ User %d already has a userbot (%s, %d). Remove it before registering another.", owner, prev.DisplayName(), prev.ID))
		}
	}

	now := h.now()
	it := storage.Identity{
		ID:        self.ID,
		AuthToken: candidate.AuthToken,
		APIID:     candidate.APIID,
		APIHash:   candidate.APIHash,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(days) * day),
		OwnerID:   owner,
		Phone:     self.Phone,
		FirstName: self.FirstName,
		LastName:  self.LastName,
	}
	if prev, err := h.Store.GetIdentity(ctx, it.ID); err == nil {
		it.CreatedAt = prev.CreatedAt
		if prev.OwnerID != owner && !req.IsOwner() {
			return req.Reply(ctx, "❌ This account is already registered to someone else.")
		}
	}
	if err := h.Store.PutIdentity(ctx, it); err != nil {
		h.audit(ctx, req, it.ID, "register", "store", err)
		if errors.Is(err, storage.ErrPhoneTaken) {
			return req.Reply(ctx, "❌ This phone number already has a userbot.")
		}
		return saveFailed(ctx, req, "the userbot", err, "Nothing was registered, send the command again.")
	}
	h.audit(ctx, req, it.ID, "register", fmt.Sprintf("owner=%d days=%d", owner, days), nil)

	startErr := h.Procs.EnsureRunning(ctx, it.ID)
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 Userbot registered\n• Name: %s\n• User ID: %d\n• Phone: %s\n• Owner: %d\n• Expires: %s\n",
		it.DisplayName(), it.ID, it.Phone, owner, it.ExpiresAt.Format("2006-01-02 15:04"))
	if startErr != nil {
		req.Logger.Warn("start after register failed", logx.Identity(it.ID), logx.Err(startErr))
		fmt.Fprintf(&b, "\n⚠️ Start failed: %v\nThe record is kept, use /restart %d to try again.", startErr, it.ID)
	} else {
		b.WriteString("\n✅ Running. Delete the message holding the session string.")
	}
	return req.Reply(ctx, b.String())
}

func (h *handlers) extend(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return usage(ctx, req, "usage: /extend <identity_id> <days>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return usage(ctx, req, err.Error())
	}
	days, err := parseDays(req.Args[1])
	if err != nil {
		return usage(ctx, req, err.Error())
	}
	prev, err := h.Store.GetIdentity(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, fmt.Sprintf("❌ Identity %d not found.", id))
	}
	if err != nil {
		return err
	}
	now := h.now()
	base := prev.ExpiresAt
	if base.Before(now) {
		base = now
	}
	it, err := h.Store.Extend(ctx, id, base.Add(time.Duration(days)*day))
	h.audit(ctx, req, id, "extend", fmt.Sprintf("days=%d", days), err)
	if err != nil {
		return saveFailed(ctx, req, "the new expiry", err, fmt.Sprintf("The subscription is unchanged, try /extend %d %d again.", id, days))
	}
	msg := fmt.Sprintf("✅ %s extended until %s.", it.DisplayName(), it.ExpiresAt.Format("2006-01-02 15:04"))
	if !h.Procs.Running(id) {
		if err := h.Procs.EnsureRunning(ctx, id); err != nil {
			msg += fmt.Sprintf("\n⚠️ Start failed: %v", err)
		} else {
			msg += "\n⚡ Started."
		}
	}
	return req.Reply(ctx, msg)
}

func (h *handlers) remove(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "usage: /remove <identity_id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return usage(ctx, req, err.Error())
	}
	stopped := h.Procs.Stop(ctx, id)
	err = h.Store.DeleteIdentity(ctx, id)
	h.audit(ctx, req, id, "remove", "", err)
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, fmt.Sprintf("❌ Identity %d not found.", id))
	}
	if err != nil {
		next := fmt.Sprintf("The record is still stored, try /remove %d again.", id)
		if stopped {
			next = "Its process was stopped but the record is still stored. " + next
		}
		return saveFailed(ctx, req, "the removal", err, next)
	}
	msg := fmt.Sprintf("🗑 Identity %d removed.", id)
	if stopped {
		msg += " Its process was stopped."
	}
	return req.Reply(ctx, msg)
}

func (h *handlers) restart(ctx context.Context, req *router.Request) error {
	var id int64
	switch {
	case len(req.Args) > 0:
		v, err := parseID(req.Args[0])
		if err != nil {
			return usage(ctx, req, err.Error())
		}
		id = v
	default:
		it, ok, err := h.ownedBy(ctx, req.FromID)
		if err != nil {
			return err
		}
		if !ok {
			return req.Reply(ctx, "❌ You do not have a userbot.")
		}
		id = it.ID
	}

	if !req.IsOwner() {
		it, err := h.Store.GetIdentity(ctx, id)
		if err != nil || it.OwnerID != req.FromID {
			return req.Reply(ctx, "❌ You can only restart your own userbot.")
		}
	}

	err := h.Procs.Restart(ctx, id)
	switch {
	case err == nil:
		return req.Reply(ctx, fmt.Sprintf("✅ Userbot %d restarted.", id))
	case errors.Is(err, manager.ErrRestartTooSoon):
		return req.Reply(ctx, "⏳ "+err.Error())
	case errors.Is(err, manager.ErrNotEntitled):
		return req.Reply(ctx, "❌ This userbot is inactive or expired. Contact an admin to extend it.")
	default:
		req.Logger.Warn("restart failed", logx.Identity(id), logx.Err(err))
		return req.Reply(ctx, fmt.Sprintf("❌ Restart failed: %v", err))
	}
}

func (h *handlers) sweep(ctx context.Context, req *router.Request) error {
	_ = req.Reply(ctx, "⏳ Sweeping...")
	rep, err := h.Sweeper.Sweep(ctx)
	if errors.Is(err, sweeper.ErrBusy) {
		return req.Reply(ctx, "⏳ A sweep is already running.")
	}
	if err != nil {
		req.Logger.Warn("sweep failed", logx.Err(err))
		return req.Reply(ctx, fmt.Sprintf("❌ Sweep failed: %v\nNothing past the failure was checked, run /sweep again later.", err))
	}
	return req.Reply(ctx, fmt.Sprintf("✅ Sweep %s done in %s: checked %d, removed %d, expired %d, errors %d.",
		rep.RunID, rep.Duration.Round(time.Millisecond), rep.Checked, rep.InvalidRemoved, rep.Expired, rep.Errors))
}

func (h *handlers) cek(ctx context.Context, req *router.Request) error {
	if req.IsOwner() {
		return h.list(ctx, req)
	}
	it, ok, err := h.ownedBy(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		msg := "❌ You do not have a userbot."
		if g, err := h.Store.GetGrant(ctx, req.FromID); err == nil && !g.Expired(h.now()) {
			msg += "\nYour access is valid until " + g.ExpiresAt.Format("2006-01-02 15:04") + ", use /create to set one up."
		}
		return req.Reply(ctx, msg)
	}
	now := h.now()
	state := "🔴 Inactive"
	if it.Entitled(now) {
		state = "🟢 Active"
	}
	if h.Procs.Running(it.ID) {
		state += " ⚡ (running)"
	}
	return req.Reply(ctx, fmt.Sprintf("🤖 Your userbot\n• Name: %s\n• Status: %s\n• Phone: %s\n• Created: %s\n• Expires: %s (%s)\n\nUse /restart if something is wrong.",
		it.DisplayName(), state, it.Phone,
		it.CreatedAt.Format("2006-01-02 15:04"),
		it.ExpiresAt.Format("2006-01-02 15:04"),
		humanize.RelTime(it.ExpiresAt, now, "ago", "from now")))
}

// ownedBy returns the lowest-id identity owned by owner.
func (h *handlers) ownedBy(ctx context.Context, owner int64) (storage.Identity, bool, error) {
	idents, err := h.Store.ListIdentities(ctx)
	if err != nil {
		return storage.Identity{}, false, err
	}
	for _, it := range idents {
		if it.OwnerID == owner {
			return it, true, nil
		}
	}
	return storage.Identity{}, false, nil
}
