package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// handleStatic serves SPA assets from the configured root. The requested
// path is canonicalised under the root; anything containing a traversal
// component is rejected, and unknown paths fall back to index.html so
// client-side routing works.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	rel := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	full := filepath.Join(s.cfg.Assets.Root, filepath.FromSlash(rel))

	// path.Clean plus the Join above keeps full inside the root, but an
	// absolute-looking rel would escape; double-check.
	if rel != "" {
		if inside, err := filepath.Rel(s.cfg.Assets.Root, full); err != nil || strings.HasPrefix(inside, "..") {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
	}

	if fi, err := os.Stat(full); err == nil && !fi.IsDir() {
		http.ServeFile(w, r, full)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.Assets.Root, "index.html"))
}
