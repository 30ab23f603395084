package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"filippo.io/age"
)

const sealedPrefix = "age:"

// sealedStore encrypts AuthToken at rest with an age X25519 key. Plaintext
// tokens already on disk are read as-is and sealed on their next write.
type sealedStore struct {
	Store
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

func newSealedStore(inner Store, key string) (*sealedStore, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("storage.key: %w", err)
	}
	return &sealedStore{Store: inner, identity: id, recipient: id.Recipient()}, nil
}

func (s *sealedStore) seal(plain string) (string, error) {
	if plain == "" || strings.HasPrefix(plain, sealedPrefix) {
		return plain, nil
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *sealedStore) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", err
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", errors.New("auth token cannot be decrypted with the configured key")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *sealedStore) openIdentity(it Identity) (Identity, error) {
	tok, err := s.open(it.AuthToken)
	if err != nil {
		return Identity{}, fmt.Errorf("identity %d: %w", it.ID, err)
	}
	it.AuthToken = tok
	return it, nil
}

func (s *sealedStore) ListIdentities(ctx context.Context) ([]Identity, error) {
	list, err := s.Store.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i], err = s.openIdentity(list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *sealedStore) GetIdentity(ctx context.Context, id int64) (Identity, error) {
	it, err := s.Store.GetIdentity(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	return s.openIdentity(it)
}

func (s *sealedStore) PutIdentity(ctx context.Context, it Identity) error {
	tok, err := s.seal(it.AuthToken)
	if err != nil {
		return err
	}
	it.AuthToken = tok
	return s.Store.PutIdentity(ctx, it)
}

func (s *sealedStore) Extend(ctx context.Context, id int64, expiresAt time.Time) (Identity, error) {
	it, err := s.Store.Extend(ctx, id, expiresAt)
	if err != nil {
		return Identity{}, err
	}
	return s.openIdentity(it)
}
