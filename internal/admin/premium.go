package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"userbotd/internal/storage"
	kit "userbotd/internal/transport"
	"userbotd/internal/transport/telegram/router"
	logx "userbotd/pkg/logx"
)

// premiumAdd grants a user self-service access. An unexpired grant is
// extended from its current end.
func (h *handlers) premiumAdd(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return usage(ctx, req, "usage: /premium add <user_id> <days>")
	}
	user, err := parseID(req.Args[0])
	if err != nil {
		return usage(ctx, req, err.Error())
	}
	days, err := parseDays(req.Args[1])
	if err != nil {
		return usage(ctx, req, err.Error())
	}

	now := h.now()
	base := now
	prev, err := h.Store.GetGrant(ctx, user)
	switch {
	case err == nil && !prev.Expired(now):
		base = prev.ExpiresAt
	case err != nil && !errors.Is(err, storage.ErrNoGrant):
		return err
	}
	g := storage.Grant{UserID: user, GrantedBy: req.FromID, CreatedAt: now, ExpiresAt: base.Add(time.Duration(days) * day)}
	if err == nil {
		g.CreatedAt = prev.CreatedAt
	}
	err = h.Store.PutGrant(ctx, g)
	h.audit(ctx, req, 0, "grant_add", fmt.Sprintf("user=%d days=%d", user, days), err)
	if err != nil {
		return saveFailed(ctx, req, "the grant", err, "The user has no new access yet, send the command again.")
	}

	msg := fmt.Sprintf("✅ User %d can create a userbot until %s.", user, g.ExpiresAt.Format("2006-01-02 15:04"))
	welcome := fmt.Sprintf("🎉 You now have userbot access until %s.\nSend /create <api_id> <api_hash> <session> to set up your userbot.", g.ExpiresAt.Format("2006-01-02 15:04"))
	if _, err := req.Adapter.SendText(ctx, kit.ChatTarget{ChatID: user}, welcome, nil); err != nil {
		req.Logger.Debug("grant notice failed", logx.Int64("user_id", user), logx.Err(err))
		msg += "\n⚠️ Could not message the user, they may not have started the bot yet."
	}
	return req.Reply(ctx, msg)
}

func (h *handlers) premiumList(ctx context.Context, req *router.Request) error {
	grants, err := h.Store.ListGrants(ctx)
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		return req.Reply(ctx, "No grants.")
	}
	now := h.now()
	var b strings.Builder
	fmt.Fprintf(&b, "👥 Grants: %d\n", len(grants))
	for _, g := range grants {
		mark, verb := "🟢", "until"
		if g.Expired(now) {
			mark, verb = "🔴", "expired"
		}
		fmt.Fprintf(&b, "%s %d %s %s (%s)", mark, g.UserID, verb, g.ExpiresAt.Format("2006-01-02 15:04"),
			humanize.RelTime(g.ExpiresAt, now, "ago", "from now"))
		if it, ok, err := h.ownedBy(ctx, g.UserID); err == nil && ok {
			fmt.Fprintf(&b, ", userbot %d", it.ID)
		}
		b.WriteString("\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// premiumRemove revokes a grant. A userbot already created keeps running
// until its own expiry.
func (h *handlers) premiumRemove(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return usage(ctx, req, "usage: /premium remove <user_id>")
	}
	user, err := parseID(req.Args[0])
	if err != nil {
		return usage(ctx, req, err.Error())
	}
	err = h.Store.DeleteGrant(ctx, user)
	h.audit(ctx, req, 0, "grant_remove", fmt.Sprintf("user=%d", user), err)
	switch {
	case errors.Is(err, storage.ErrNoGrant):
		return req.Reply(ctx, fmt.Sprintf("❌ User %d has no grant.", user))
	case err != nil:
		return saveFailed(ctx, req, "the grant removal", err, fmt.Sprintf("The grant is still in place, try /premium remove %d again.", user))
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 Grant of user %d removed.", user))
}
