package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "userbotd/pkg/logx"
)

// fileStore keeps identities in a single JSON document.
//
// Files:
//   - <path>                (identity document, replaced atomically)
//   - <prefix>.audit.jsonl  (append-only JSON Lines)
//
// Every mutating call holds mu for its whole read-modify-write and rewrites the
// document through temp file + rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	auditFile *os.File
	rows      map[int64]Identity
	grants    map[int64]Grant
}

type identityDoc struct {
	Version    int        `json:"version"`
	Identities []Identity `json:"identities"`
	Grants     []Grant    `json:"grants,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	rows, grants, err := loadIdentityDoc(path)
	if err != nil {
		return nil, err
	}

	af, err := os.OpenFile(filepath.Join(dir, base+".audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, path: path, auditFile: af, rows: rows, grants: grants}, nil
}

func loadIdentityDoc(path string) (map[int64]Identity, map[int64]Grant, error) {
	rows, grants := map[int64]Identity{}, map[int64]Grant{}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rows, grants, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return rows, grants, nil
	}
	var doc identityDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil, errors.New("identity document corrupt: " + err.Error())
	}
	for _, it := range doc.Identities {
		rows[it.ID] = it
	}
	for _, g := range doc.Grants {
		grants[g.UserID] = g
	}
	return rows, grants, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Identity, 0, len(s.rows))
	for _, it := range s.rows {
		out = append(out, it)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) GetIdentity(ctx context.Context, id int64) (Identity, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.rows[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return it, nil
}

func (s *fileStore) PutIdentity(ctx context.Context, it Identity) error {
	_ = ctx
	if it.ID == 0 {
		return errors.New("identity id is required")
	}
	it = it.normalize(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if it.Phone != "" {
		for id, other := range s.rows {
			if id != it.ID && other.Phone == it.Phone {
				return ErrPhoneTaken
			}
		}
	}
	prev, had := s.rows[it.ID]
	s.rows[it.ID] = it
	if err := s.flushLocked(); err != nil {
		if had {
			s.rows[it.ID] = prev
		} else {
			delete(s.rows, it.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := s.update(ctx, id, func(it *Identity) { it.Active = active })
	return err
}

func (s *fileStore) Extend(ctx context.Context, id int64, expiresAt time.Time) (Identity, error) {
	return s.update(ctx, id, func(it *Identity) {
		it.ExpiresAt = expiresAt
		it.Active = true
	})
}

func (s *fileStore) update(ctx context.Context, id int64, fn func(*Identity)) (Identity, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rows[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	next := prev
	fn(&next)
	next = next.normalize(time.Now())
	s.rows[id] = next
	if err := s.flushLocked(); err != nil {
		s.rows[id] = prev
		return Identity{}, err
	}
	return next, nil
}

func (s *fileStore) DeleteIdentity(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.rows, id)
	if err := s.flushLocked(); err != nil {
		s.rows[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) ListGrants(ctx context.Context) ([]Grant, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *fileStore) GetGrant(ctx context.Context, userID int64) (Grant, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[userID]
	if !ok {
		return Grant{}, ErrNoGrant
	}
	return g, nil
}

func (s *fileStore) PutGrant(ctx context.Context, g Grant) error {
	_ = ctx
	if g.UserID == 0 {
		return errors.New("grant user id is required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.grants[g.UserID]
	s.grants[g.UserID] = g
	if err := s.flushLocked(); err != nil {
		if had {
			s.grants[g.UserID] = prev
		} else {
			delete(s.grants, g.UserID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteGrant(ctx context.Context, userID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.grants[userID]
	if !ok {
		return ErrNoGrant
	}
	delete(s.grants, userID)
	if err := s.flushLocked(); err != nil {
		s.grants[userID] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) flushLocked() error {
	doc := identityDoc{Version: 1, Identities: make([]Identity, 0, len(s.rows))}
	for _, it := range s.rows {
		doc.Identities = append(doc.Identities, it)
	}
	sort.Slice(doc.Identities, func(i, j int) bool { return doc.Identities[i].ID < doc.Identities[j].ID })
	for _, g := range s.grants {
		doc.Grants = append(doc.Grants, g)
	}
	sort.Slice(doc.Grants, func(i, j int) bool { return doc.Grants[i].UserID < doc.Grants[j].UserID })

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
