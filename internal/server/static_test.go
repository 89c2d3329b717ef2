package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatic(t *testing.T) {
	ts := newTestServer(t)
	h := ts.srv.Handler()

	if err := os.WriteFile(filepath.Join(ts.assets, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("serves existing file", func(t *testing.T) {
		rec := doJSON(t, h, "GET", "/app.js", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "console.log") {
			t.Errorf("body = %q", rec.Body)
		}
	})

	t.Run("spa fallback", func(t *testing.T) {
		rec := doJSON(t, h, "GET", "/settings/audio", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "spa") {
			t.Errorf("fallback did not serve index.html: %q", rec.Body)
		}
	})

	t.Run("traversal rejected", func(t *testing.T) {
		// Build the request directly so the path is not cleaned by the
		// test helper.
		req := httptest.NewRequest("GET", "/", nil)
		req.URL.Path = "/../tokens.json"
		rec := httptest.NewRecorder()
		ts.srv.handleStatic(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
