package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "userbotd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; busy_timeout covers the rest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const identityColumns = `id, auth_token, api_id, api_hash, active, created_at, expires_at, owner_id, phone, first_name, last_name`

type rowScanner interface{ Scan(dest ...any) error }

func scanIdentity(r rowScanner) (Identity, error) {
	var (
		it                     Identity
		active                 int
		created, expires       int64
		phone, first, lastName sql.NullString
	)
	if err := r.Scan(&it.ID, &it.AuthToken, &it.APIID, &it.APIHash, &active, &created, &expires, &it.OwnerID, &phone, &first, &lastName); err != nil {
		return Identity{}, err
	}
	it.Active = active != 0
	it.CreatedAt = fromMillis(created)
	it.ExpiresAt = fromMillis(expires)
	it.Phone = phone.String
	it.FirstName = first.String
	it.LastName = lastName.String
	return it, nil
}

func (s *sqliteStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		it, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetIdentity(ctx context.Context, id int64) (Identity, error) {
	it, err := scanIdentity(s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) PutIdentity(ctx context.Context, it Identity) error {
	if it.ID == 0 {
		return errors.New("identity id is required")
	}
	it = it.normalize(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if it.Phone != "" {
		var other int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM identities WHERE phone = ? AND id <> ?`, it.Phone, it.ID).Scan(&other)
		switch {
		case err == nil:
			return ErrPhoneTaken
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities(`+identityColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   auth_token=excluded.auth_token, api_id=excluded.api_id, api_hash=excluded.api_hash,
		   active=excluded.active, expires_at=excluded.expires_at, owner_id=excluded.owner_id,
		   phone=excluded.phone, first_name=excluded.first_name, last_name=excluded.last_name`,
		it.ID, it.AuthToken, it.APIID, it.APIHash, boolInt(it.Active), toMillis(it.CreatedAt), toMillis(it.ExpiresAt),
		it.OwnerID, nullStr(it.Phone), nullStr(it.FirstName), nullStr(it.LastName),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetActive(ctx context.Context, id int64, active bool) error {
	q := `UPDATE identities SET active = ? WHERE id = ?`
	args := []any{boolInt(active), id}
	if active {
		// An elapsed subscription stays inactive.
		q = `UPDATE identities SET active = CASE WHEN expires_at > 0 AND expires_at <= ? THEN 0 ELSE 1 END WHERE id = ?`
		args = []any{time.Now().UnixMilli(), id}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) Extend(ctx context.Context, id int64, expiresAt time.Time) (Identity, error) {
	active := boolInt(!Identity{ExpiresAt: expiresAt}.Expired(time.Now()))
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET expires_at = ?, active = ? WHERE id = ?`, toMillis(expiresAt), active, id)
	if err != nil {
		return Identity{}, err
	}
	if err := mustAffect(res); err != nil {
		return Identity{}, err
	}
	return s.GetIdentity(ctx, id)
}

func (s *sqliteStore) DeleteIdentity(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func scanGrant(r rowScanner) (Grant, error) {
	var (
		g                Grant
		created, expires int64
	)
	if err := r.Scan(&g.UserID, &g.GrantedBy, &created, &expires); err != nil {
		return Grant{}, err
	}
	g.CreatedAt = fromMillis(created)
	g.ExpiresAt = fromMillis(expires)
	return g, nil
}

func (s *sqliteStore) ListGrants(ctx context.Context) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, granted_by, created_at, expires_at FROM grants ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetGrant(ctx context.Context, userID int64) (Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `SELECT user_id, granted_by, created_at, expires_at FROM grants WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrNoGrant
	}
	return g, err
}

func (s *sqliteStore) PutGrant(ctx context.Context, g Grant) error {
	if g.UserID == 0 {
		return errors.New("grant user id is required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants(user_id, granted_by, created_at, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET granted_by=excluded.granted_by, expires_at=excluded.expires_at`,
		g.UserID, g.GrantedBy, toMillis(g.CreatedAt), toMillis(g.ExpiresAt),
	)
	return err
}

func (s *sqliteStore) DeleteGrant(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNoGrant
		}
		return err
	}
	return nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, identity_id, action, detail, ok, err) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.IdentityID, e.Action, nullStr(e.Detail), boolInt(e.OK), nullStr(e.Error),
	)
	return err
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
