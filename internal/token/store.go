// Package token implements the persistent access-token store: SHA-256
// hashed token records with roles, expiry, and revocation, persisted as a
// pretty-printed JSON file. Every operation re-reads the file under an
// exclusive advisory lock and commits through an atomic rename, so the
// server and the admin CLI can share one store safely.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// schemaVersion is the current store file version. Version 2 introduced
// hashed tokens; files with an older version cannot carry their tokens
// forward because hashing is one-way, so migration discards them and
// mints a fresh admin token.
const schemaVersion = 2

// DefaultExpiryDays is the default lifetime for non-admin tokens when the
// creator does not specify one. Admin tokens default to no expiration.
const DefaultExpiryDays = 30

// ErrSchema reports a store file that exists but cannot be parsed.
var ErrSchema = errors.New("token: malformed store file")

// Record is a stored token. Only the SHA-256 hash of the plaintext is
// persisted; the plaintext is shown to the creator exactly once.
type Record struct {
	Hash       string     `json:"token"`
	ID         string     `json:"token_id"`
	ClientName string     `json:"client_name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	IsAdmin    bool       `json:"is_admin"`
	Revoked    bool       `json:"is_revoked"`
}

// Expired reports whether the record has an expiry in the past.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Masked returns the display form of the stored hash: first eight and
// last four hex characters with an ellipsis between. Used by the token
// list endpoint so the full hash never leaves the server.
func (r *Record) Masked() string {
	if len(r.Hash) < 12 {
		return r.Hash
	}
	return r.Hash[:8] + "..." + r.Hash[len(r.Hash)-4:]
}

// file is the on-disk JSON document.
type file struct {
	Version   int      `json:"version"`
	SecretKey string   `json:"secret_key"`
	Tokens    []Record `json:"tokens"`
}

// Store provides serialized access to the token file. All methods are safe
// for concurrent use across goroutines and across processes.
type Store struct {
	path string
	lock *flock.Flock

	// now is replaceable in tests.
	now func() time.Time
}

// Open loads the store at path, creating and bootstrapping it when absent.
// On first creation (and on schema migration) a fresh admin token is
// minted and its plaintext printed once to the operator console.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}

	if err := s.lock.Lock(); err != nil {
		return nil, fmt.Errorf("token: lock store: %w", err)
	}
	defer s.unlock()

	f, err := s.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.bootstrap(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case f.Version < schemaVersion:
		slog.Warn("token store schema is outdated; discarding all tokens",
			"found_version", f.Version,
			"current_version", schemaVersion,
		)
		if err := s.bootstrap(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// bootstrap writes a fresh store with a new secret key and one admin token
// that never expires, printing the plaintext exactly once. Must be called
// with the file lock held.
func (s *Store) bootstrap() error {
	secret, err := randomHex(32)
	if err != nil {
		return err
	}
	f := &file{Version: schemaVersion, SecretKey: secret}

	rec, plaintext, err := mint(f, "admin", true, 0, s.now())
	if err != nil {
		return err
	}
	if err := s.write(f); err != nil {
		return err
	}

	// The only place the plaintext ever appears. Printed to stdout rather
	// than the log so it survives log-level filtering.
	fmt.Printf("\n=== Initial admin token (shown once, store it now) ===\n%s\n======================================================\n\n", plaintext)
	slog.Info("token store initialised", "path", s.path, "admin_token_id", rec.ID)
	return nil
}

// Validate returns the record matching plaintext, or nil when no match
// exists or the matching record is revoked or expired.
func (s *Store) Validate(plaintext string) (*Record, error) {
	var match *Record
	err := s.withFile(func(f *file) (bool, error) {
		h := Hash(plaintext)
		for i := range f.Tokens {
			r := &f.Tokens[i]
			if r.Hash == h && !r.Revoked && !r.Expired(s.now()) {
				cp := *r
				match = &cp
				break
			}
		}
		return false, nil
	})
	return match, err
}

// IsAdmin reports whether plaintext authenticates as an admin token.
func (s *Store) IsAdmin(plaintext string) (bool, error) {
	rec, err := s.Validate(plaintext)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.IsAdmin, nil
}

// Generate mints a new token and returns the stored record together with
// the plaintext, which is never recoverable afterwards. expiryDays <= 0
// means no expiration; callers that want the 30-day default for user
// tokens pass [DefaultExpiryDays].
func (s *Store) Generate(clientName string, isAdmin bool, expiryDays int) (*Record, string, error) {
	var (
		rec       *Record
		plaintext string
	)
	err := s.withFile(func(f *file) (bool, error) {
		r, p, err := mint(f, clientName, isAdmin, expiryDays, s.now())
		if err != nil {
			return false, err
		}
		rec, plaintext = r, p
		return true, nil
	})
	if err != nil {
		return nil, "", err
	}
	return rec, plaintext, nil
}

// RevokeByPlaintext marks the token matching plaintext as revoked.
func (s *Store) RevokeByPlaintext(plaintext string) (bool, error) {
	h := Hash(plaintext)
	return s.revoke(func(r *Record) bool { return r.Hash == h })
}

// RevokeByID marks the token with the given non-secret ID as revoked.
func (s *Store) RevokeByID(tokenID string) (bool, error) {
	return s.revoke(func(r *Record) bool { return r.ID == tokenID })
}

func (s *Store) revoke(match func(*Record) bool) (bool, error) {
	revoked := false
	err := s.withFile(func(f *file) (bool, error) {
		for i := range f.Tokens {
			if match(&f.Tokens[i]) && !f.Tokens[i].Revoked {
				f.Tokens[i].Revoked = true
				revoked = true
				return true, nil
			}
		}
		return false, nil
	})
	return revoked, err
}

// List returns a snapshot of all stored records, including revoked and
// expired ones.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.withFile(func(f *file) (bool, error) {
		out = append(out, f.Tokens...)
		return false, nil
	})
	return out, err
}

// GetByID returns the record with the given ID, or nil.
func (s *Store) GetByID(tokenID string) (*Record, error) {
	var match *Record
	err := s.withFile(func(f *file) (bool, error) {
		for i := range f.Tokens {
			if f.Tokens[i].ID == tokenID {
				cp := f.Tokens[i]
				match = &cp
				break
			}
		}
		return false, nil
	})
	return match, err
}

// withFile runs fn with the parsed store under the exclusive lock and
// commits the result when fn reports a mutation.
func (s *Store) withFile(fn func(*file) (dirty bool, err error)) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("token: lock store: %w", err)
	}
	defer s.unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	dirty, err := fn(f)
	if err != nil {
		return err
	}
	if dirty {
		return s.write(f)
	}
	return nil
}

func (s *Store) read() (*file, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("token: read store %q: %w", s.path, err)
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return &f, nil
}

// write commits f with an atomic, durable replace. The file is
// pretty-printed for operator legibility and created 0600 since it holds
// credential hashes and the secret key.
func (s *Store) write(f *file) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("token: marshal store: %w", err)
	}
	if err := renameio.WriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("token: write store %q: %w", s.path, err)
	}
	return nil
}

func (s *Store) unlock() {
	if err := s.lock.Unlock(); err != nil {
		slog.Warn("token store unlock failed", "err", err)
	}
}

// mint creates a record inside f and returns it with its plaintext.
// expiryDays <= 0 means no expiration.
func mint(f *file, clientName string, isAdmin bool, expiryDays int, now time.Time) (*Record, string, error) {
	plaintext, err := randomHex(32)
	if err != nil {
		return nil, "", err
	}
	id, err := randomHex(16)
	if err != nil {
		return nil, "", err
	}

	rec := Record{
		Hash:       Hash(plaintext),
		ID:         id,
		ClientName: clientName,
		CreatedAt:  now.UTC(),
		IsAdmin:    isAdmin,
	}
	if expiryDays > 0 {
		exp := now.UTC().AddDate(0, 0, expiryDays)
		rec.ExpiresAt = &exp
	}

	f.Tokens = append(f.Tokens, rec)
	return &f.Tokens[len(f.Tokens)-1], plaintext, nil
}

// Hash returns the hex-encoded SHA-256 digest of plaintext. Validation is
// a hash comparison; plaintext is never stored.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
