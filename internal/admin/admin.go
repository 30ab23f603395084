// Package admin holds the admin bot commands: identity registration and
// lifecycle, self-service grants, process status and on-demand sweeps.
package admin

import (
	"context"
	"time"

	"userbotd/internal/runtime/supervisor"
	"userbotd/internal/storage"
	"userbotd/internal/transport/telegram/router"
	"userbotd/internal/userbot/manager"
	"userbotd/internal/userbot/platform"
	"userbotd/internal/userbot/sweeper"
	logx "userbotd/pkg/logx"
)

// Store is the identity store surface the commands use.
type Store interface {
	ListIdentities(ctx context.Context) ([]storage.Identity, error)
	GetIdentity(ctx context.Context, id int64) (storage.Identity, error)
	PutIdentity(ctx context.Context, it storage.Identity) error
	Extend(ctx context.Context, id int64, expiresAt time.Time) (storage.Identity, error)
	DeleteIdentity(ctx context.Context, id int64) error
	ListGrants(ctx context.Context) ([]storage.Grant, error)
	GetGrant(ctx context.Context, userID int64) (storage.Grant, error)
	PutGrant(ctx context.Context, g storage.Grant) error
	DeleteGrant(ctx context.Context, userID int64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Processes is implemented by *manager.Manager.
type Processes interface {
	EnsureRunning(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) bool
	Restart(ctx context.Context, id int64) error
	Running(id int64) bool
	Snapshot() []manager.HandleInfo
}

// Sweeper is implemented by *sweeper.Sweeper.
type Sweeper interface {
	Sweep(ctx context.Context) (sweeper.Report, error)
	Last() *sweeper.Report
}

// Verifier checks a session token before it is stored.
type Verifier interface {
	Verify(ctx context.Context, ident storage.Identity) (platform.Self, error)
}

// Deps wires the commands to the daemon.
type Deps struct {
	Store       Store
	Procs       Processes
	Sweeper     Sweeper
	Verifier    Verifier
	Supervisors *supervisor.Registry

	// Default credentials used by the short /register form.
	APIID   int
	APIHash string

	StartedAt time.Time
	Now       func() time.Time
}

type handlers struct {
	Deps
}

func (h *handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Commands returns the admin command set.
func Commands(d Deps) []router.Command {
	h := &handlers{Deps: d}
	return []router.Command{
		{
			Route:       "status",
			Description: "daemon, process and sweep status",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Handle:      h.status,
		},
		{
			Route:       "list",
			Aliases:     []string{"ls"},
			Description: "list identities",
			Usage:       "/list",
			Access:      router.AccessOwnerOnly,
			Handle:      h.list,
		},
		{
			Route:       "register",
			Description: "verify and store a session, then start it",
			Usage:       "/register <owner_id> <api_id> <api_hash> <days> <session>\n/register <owner_id> <days> <session>",
			Access:      router.AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle:      h.register,
		},
		{
			Route:       "create",
			Description: "set up your own userbot (needs access)",
			Usage:       "/create <api_id> <api_hash> <session>\n/create <session>",
			Access:      router.AccessEveryone,
			Timeout:     2 * time.Minute,
			Handle:      h.create,
		},
		{
			Route:       "premium add",
			Description: "let a user create one userbot",
			Usage:       "/premium add <user_id> <days>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.premiumAdd,
		},
		{
			Route:       "premium list",
			Description: "list user grants",
			Usage:       "/premium list",
			Access:      router.AccessOwnerOnly,
			Handle:      h.premiumList,
		},
		{
			Route:       "premium remove",
			Description: "revoke a user grant",
			Usage:       "/premium remove <user_id>",
			Access:      router.AccessOwnerOnly,
			Handle:      h.premiumRemove,
		},
		{
			Route:       "extend",
			Description: "extend a subscription and reactivate it",
			Usage:       "/extend <identity_id> <days>",
			Access:      router.AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      h.extend,
		},
		{
			Route:       "remove",
			Aliases:     []string{"rm"},
			Description: "stop and delete an identity",
			Usage:       "/remove <identity_id>",
			Access:      router.AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      h.remove,
		},
		{
			Route:       "restart",
			Description: "restart a userbot (owners: any, users: their own)",
			Usage:       "/restart [identity_id]",
			Access:      router.AccessEveryone,
			Timeout:     time.Minute,
			Handle:      h.restart,
		},
		{
			Route:       "sweep",
			Description: "run the expiry and session check now",
			Usage:       "/sweep",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Minute,
			Handle:      h.sweep,
		},
		{
			Route:       "cek",
			Aliases:     []string{"check"},
			Description: "status of your userbot",
			Usage:       "/cek",
			Access:      router.AccessEveryone,
			Handle:      h.cek,
		},
	}
}

func (h *handlers) audit(ctx context.Context, req *router.Request, id int64, action, detail string, err error) {
	e := storage.AuditEntry{
		At:         h.now(),
		ActorID:    req.FromID,
		IdentityID: id,
		Action:     action,
		Detail:     detail,
		OK:         err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := h.Store.AppendAudit(ctx, e); aerr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aerr))
	}
}
