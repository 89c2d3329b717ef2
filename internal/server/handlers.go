package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/voxhall/whisperd/internal/engine"
	"github.com/voxhall/whisperd/internal/token"
	"github.com/voxhall/whisperd/pkg/audio"
)

// maxUploadBytes caps multipart file uploads at 500 MiB.
const maxUploadBytes = 500 << 20

// sniffLen is how much of an upload is inspected for audio magic bytes.
const sniffLen = 512

// writeJSON encodes v with the given status. Encoding failures are logged;
// the status line has already been sent at that point.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

// writeError sends the standard error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// clientIP returns the request's source IP. RealIP middleware has already
// folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// userInfo is the token snapshot returned by login.
type userInfo struct {
	Name      string     `json:"name"`
	IsAdmin   bool       `json:"is_admin"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// handleLogin validates a plaintext token under the per-IP rate limiter.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if blocked, retryAfter := s.limiter.IsBlocked(ip); blocked {
		s.metrics.RecordAuthAttempt(r.Context(), "http", "rate_limited")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":     false,
			"message":     "too many failed attempts, try again later",
			"retry_after": int(retryAfter.Seconds()),
		})
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.auth.Validate(req.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rec == nil {
		s.limiter.Record(ip, false)
		s.metrics.RecordAuthAttempt(r.Context(), "http", "invalid_token")
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success":            false,
			"message":            "Invalid, revoked, or expired token",
			"remaining_attempts": s.limiter.RemainingAttempts(ip),
		})
		return
	}

	s.limiter.Record(ip, true)
	s.metrics.RecordAuthAttempt(r.Context(), "http", "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user": userInfo{
			Name:      rec.ClientName,
			IsAdmin:   rec.IsAdmin,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		},
	})
}

// tokenView is a stored token as exposed by the list endpoint. The token
// field carries the masked hash, never the plaintext.
type tokenView struct {
	TokenID    string     `json:"token_id"`
	Token      string     `json:"token"`
	ClientName string     `json:"client_name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsAdmin    bool       `json:"is_admin"`
	IsRevoked  bool       `json:"is_revoked"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List()
	if err != nil {
		slog.Error("list tokens failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]tokenView, 0, len(records))
	for _, rec := range records {
		views = append(views, tokenView{
			TokenID:    rec.ID,
			Token:      rec.Masked(),
			ClientName: rec.ClientName,
			CreatedAt:  rec.CreatedAt,
			ExpiresAt:  rec.ExpiresAt,
			IsAdmin:    rec.IsAdmin,
			IsRevoked:  rec.Revoked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tokens": views})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientName string `json:"client_name"`
		IsAdmin    bool   `json:"is_admin"`
		ExpiryDays *int   `json:"expiry_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientName == "" {
		writeError(w, http.StatusBadRequest, "client_name is required")
		return
	}

	// Admin tokens default to no expiration, user tokens to 30 days. An
	// explicit expiry_days <= 0 disables expiration either way.
	days := token.DefaultExpiryDays
	if req.IsAdmin {
		days = 0
	}
	if req.ExpiryDays != nil {
		days = *req.ExpiryDays
	}

	rec, plaintext, err := s.store.Generate(req.ClientName, req.IsAdmin, days)
	if err != nil {
		slog.Error("generate token failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("token created", "token_id", rec.ID, "client", rec.ClientName, "is_admin", rec.IsAdmin)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "token created; the plaintext is shown only in this response",
		"token": map[string]any{
			"token_id":    rec.ID,
			"token":       plaintext,
			"client_name": rec.ClientName,
			"created_at":  rec.CreatedAt,
			"expires_at":  rec.ExpiresAt,
			"is_admin":    rec.IsAdmin,
		},
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tokenID")

	revoked, err := s.auth.RevokeByID(id)
	if err != nil {
		writeError(w, http.StatusConflict, "cannot revoke the active session's token")
		return
	}
	if !revoked {
		writeError(w, http.StatusNotFound, "no such token")
		return
	}
	slog.Info("token revoked", "token_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "token revoked"})
}

// handleForceRelease is the admin escape hatch for a wedged session: it
// frees the single-session lock unconditionally and closes the socket
// that held it.
func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	s.auth.ForceRelease()
	if prev := s.takeActiveWS(); prev != nil {
		prev.conn.Close(websocket.StatusPolicyViolation, "session released by an administrator")
	}
	slog.Info("session force-released by admin")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session released"})
}

// handleTranscribeFile runs one-shot transcription of an uploaded audio
// file. Only one job may run at a time; the upload is magic-byte checked
// before anything is spooled to disk.
func (s *Server) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	if !s.fileBusy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "another file transcription is in progress")
		return
	}
	defer s.fileBusy.Store(false)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}

	var part *multipartFilePart
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		if p.FormName() == "file" {
			part = &multipartFilePart{Reader: p, name: p.FileName()}
			break
		}
	}
	if part == nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}

	header := make([]byte, sniffLen)
	n, err := io.ReadFull(part, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		writeError(w, http.StatusBadRequest, "unreadable upload")
		return
	}
	header = header[:n]
	if !sniffAudio(header) {
		writeError(w, http.StatusBadRequest, "unrecognized audio format")
		return
	}

	tmp, err := os.CreateTemp("", "whisperd-upload-*")
	if err != nil {
		slog.Error("create temp file failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(header); err == nil {
		_, err = io.Copy(tmp, part)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds 500 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "upload interrupted")
		return
	}

	samples, err := audio.DecodeFile(r.Context(), tmp.Name())
	if err != nil {
		slog.Error("decode upload failed", "file", part.name, "err", err)
		writeError(w, http.StatusBadRequest, "could not decode audio")
		return
	}

	s.transcribing.Store(true)
	defer s.transcribing.Store(false)

	start := time.Now()
	res, err := s.engine.Transcribe(r.Context(), samples, r.URL.Query().Get("language"))
	s.metrics.RecordTranscription(r.Context(), "file", time.Since(start).Seconds(), err)
	s.syncModelGauge(r.Context())
	if err != nil {
		slog.Error("file transcription failed", "file", part.name, "err", err)
		writeError(w, http.StatusServiceUnavailable, "Transcription failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"text":     res.Text,
		"words":    res.Words,
		"segments": res.Segments,
		"duration": res.Duration,
		"language": res.Language,
	})
}

// multipartFilePart pairs the part reader with its reported filename.
type multipartFilePart struct {
	io.Reader
	name string
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":        true,
		"transcribing":   s.transcribing.Load(),
		"session_active": s.auth.IsSessionActive(),
		"active_user":    s.auth.ActiveClientName(),
		"model_loaded":   s.engine.Loaded(),
	})
}

func (s *Server) handleEngineLoad(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.engine.Load(r.Context()); err != nil {
		slog.Error("engine load failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "model load failed")
		return
	}
	s.metrics.ModelLoadDuration.Record(r.Context(), time.Since(start).Seconds())
	s.syncModelGauge(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "model loaded"})
}

func (s *Server) handleEngineUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unload(r.Context()); err != nil {
		if errors.Is(err, engine.ErrBusy) {
			writeError(w, http.StatusConflict, "a transcription is in progress")
			return
		}
		slog.Error("engine unload failed", "err", err)
		writeError(w, http.StatusInternalServerError, "model unload failed")
		return
	}
	s.syncModelGauge(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "model unloaded"})
}
