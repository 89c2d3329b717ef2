package token_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxhall/whisperd/internal/token"
)

func newTestStore(t *testing.T) *token.Store {
	t.Helper()
	s, err := token.Open(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return s
}

func TestBootstrapMintsAdminToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokens.json")
	if _, err := token.Open(path); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	var f struct {
		Version   int    `json:"version"`
		SecretKey string `json:"secret_key"`
		Tokens    []struct {
			Hash      string     `json:"token"`
			ID        string     `json:"token_id"`
			IsAdmin   bool       `json:"is_admin"`
			ExpiresAt *time.Time `json:"expires_at"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("store file is not valid JSON: %v", err)
	}

	if f.Version != 2 {
		t.Errorf("version = %d, want 2", f.Version)
	}
	if len(f.SecretKey) != 64 {
		t.Errorf("secret key length = %d, want 64 hex chars", len(f.SecretKey))
	}
	if len(f.Tokens) != 1 {
		t.Fatalf("token count = %d, want 1", len(f.Tokens))
	}
	admin := f.Tokens[0]
	if !admin.IsAdmin {
		t.Error("bootstrap token should be admin")
	}
	if admin.ExpiresAt != nil {
		t.Errorf("admin token expires_at = %v, want null", admin.ExpiresAt)
	}
	if len(admin.Hash) != 64 {
		t.Errorf("stored hash length = %d, want 64", len(admin.Hash))
	}
	if len(admin.ID) != 32 {
		t.Errorf("token_id length = %d, want 32 hex chars", len(admin.ID))
	}

	// The store file holds credentials; it must not be group/world readable.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat store file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("store file mode = %o, want 600", perm)
	}
}

func TestGenerateAndValidate(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	rec, plaintext, err := s.Generate("laptop", false, token.DefaultExpiryDays)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if rec.Hash != token.Hash(plaintext) {
		t.Error("stored hash does not match SHA-256 of plaintext")
	}
	if rec.ExpiresAt == nil {
		t.Fatal("user token should carry an expiry")
	}
	if d := time.Until(*rec.ExpiresAt); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Errorf("expiry %v is not ≈30 days out", d)
	}

	got, err := s.Validate(plaintext)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if got == nil || got.ID != rec.ID {
		t.Fatalf("Validate() = %+v, want record %s", got, rec.ID)
	}

	// Any other string must not validate.
	if got, _ := s.Validate(plaintext + "x"); got != nil {
		t.Error("mutated plaintext validated")
	}
	if got, _ := s.Validate(""); got != nil {
		t.Error("empty plaintext validated")
	}
}

func TestGenerateNoExpiry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	rec, _, err := s.Generate("forever", false, 0)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if rec.ExpiresAt != nil {
		t.Errorf("expiryDays 0 should mean no expiration, got %v", rec.ExpiresAt)
	}
}

func TestRevokeByID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	rec, plaintext, err := s.Generate("phone", false, 7)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	ok, err := s.RevokeByID(rec.ID)
	if err != nil || !ok {
		t.Fatalf("RevokeByID() = %v, %v; want true, nil", ok, err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	found := false
	for _, r := range list {
		if r.ID == rec.ID {
			found = true
			if !r.Revoked {
				t.Error("record not marked revoked after RevokeByID")
			}
		}
	}
	if !found {
		t.Fatal("revoked record missing from List()")
	}

	if got, _ := s.Validate(plaintext); got != nil {
		t.Error("revoked token still validates")
	}

	// Revoking twice reports no change.
	if ok, _ := s.RevokeByID(rec.ID); ok {
		t.Error("second RevokeByID returned true")
	}
	if ok, _ := s.RevokeByID("no-such-id"); ok {
		t.Error("RevokeByID of unknown id returned true")
	}
}

func TestRevokeByPlaintext(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, plaintext, err := s.Generate("tablet", false, 7)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if ok, _ := s.RevokeByPlaintext(plaintext); !ok {
		t.Fatal("RevokeByPlaintext returned false")
	}
	if got, _ := s.Validate(plaintext); got != nil {
		t.Error("revoked token still validates")
	}
}

func TestIsAdmin(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, adminPlain, err := s.Generate("ops", true, 0)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	_, userPlain, err := s.Generate("user", false, 7)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if ok, _ := s.IsAdmin(adminPlain); !ok {
		t.Error("admin token not recognised as admin")
	}
	if ok, _ := s.IsAdmin(userPlain); ok {
		t.Error("user token recognised as admin")
	}
	if ok, _ := s.IsAdmin("bogus"); ok {
		t.Error("unknown token recognised as admin")
	}
}

func TestSchemaMigrationDiscardsTokens(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")

	// A version-1 store with one legacy token.
	legacy := `{"version":1,"secret_key":"aaaa","tokens":[{"token":"plaintext-era-token","token_id":"t1","client_name":"old","created_at":"2020-01-01T00:00:00Z","expires_at":null,"is_admin":true,"is_revoked":false}]}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("seed legacy store: %v", err)
	}

	s, err := token.Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("token count after migration = %d, want 1 (fresh admin)", len(list))
	}
	if list[0].ID == "t1" {
		t.Error("legacy token survived migration")
	}
	if !list[0].IsAdmin {
		t.Error("migration should mint an admin token")
	}
}

func TestOpenRejectsMalformedStore(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := token.Open(path); err == nil {
		t.Fatal("expected error for malformed store file")
	}
}

func TestMasked(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	rec, _, err := s.Generate("mask", false, 7)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	m := rec.Masked()
	if len(m) != 15 {
		t.Fatalf("masked form %q has length %d, want 15", m, len(m))
	}
	if m[:8] != rec.Hash[:8] || m[12:] != rec.Hash[60:] {
		t.Errorf("masked form %q does not match hash %q", m, rec.Hash)
	}
}
