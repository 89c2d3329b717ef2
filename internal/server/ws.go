package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxhall/whisperd/internal/protocol"
)

// defaultAuthTimeout is how long a fresh connection has to present its
// auth frame.
const defaultAuthTimeout = 10 * time.Second

// sessionState tracks where a connection is in the streaming lifecycle.
// FINALIZING is not a stored state: finalization runs synchronously inside
// the read loop on stop, which also gives the realtime-before-final
// ordering for free.
type sessionState int

const (
	stateIdle sessionState = iota
	stateRecording
)

// handleWS upgrades the connection and drives one streaming session.
// Origin validation happens before the upgrade so browsers get a plain 403.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(r) {
		slog.Warn("rejected websocket upgrade", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Origin was checked above with the mesh-VPN allowances the stock
	// check cannot express.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sess := &wsSession{
		srv:  s,
		conn: conn,
		id:   uuid.NewString(),
	}
	sess.run(r.Context())
}

// wsSession is the per-connection state. All fields are owned by the single
// read loop; no locking is needed.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	id   string

	plaintext  string
	clientName string

	state sessionState
	cfg   protocol.StartData

	// acc accumulates decoded 16 kHz mono samples between start and stop.
	acc []float32
}

// run authenticates and then processes frames until disconnect.
func (w *wsSession) run(ctx context.Context) {
	if !w.authenticate(ctx) {
		return
	}

	w.srv.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		// Disconnect releases the lock and drops any buffered audio; a
		// finalization that lost its socket is discarded, never persisted.
		// Release matches on connection identity, so a superseded socket
		// closing here cannot free the lock its successor holds.
		w.srv.unregisterWS(w)
		w.srv.auth.Release(w.id)
		w.srv.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
		w.acc = nil
		slog.Info("session ended", "session", w.id, "client", w.clientName)
	}()

	for {
		typ, data, err := w.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("websocket read failed", "session", w.id, "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			if !w.handleControl(ctx, data) {
				return
			}
		case websocket.MessageBinary:
			w.handleAudio(ctx, data)
		}
	}
}

// authenticate enforces the 10 s deadline on the first frame, which must be
// an auth control message carrying a valid token that wins the single-
// session lock. Every failure path is a terminal close.
func (w *wsSession) authenticate(ctx context.Context) bool {
	authCtx, cancel := context.WithTimeout(ctx, w.srv.authTimeout)
	defer cancel()

	typ, data, err := w.conn.Read(authCtx)
	if err != nil {
		slog.Info("connection closed before auth", "session", w.id, "err", err)
		w.conn.Close(websocket.StatusPolicyViolation, "auth timeout")
		return false
	}

	fail := func(reason string) bool {
		w.srv.metrics.RecordAuthAttempt(ctx, "ws", "fail")
		w.send(ctx, protocol.TypeAuthFail, map[string]string{"message": reason})
		w.conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return false
	}

	if typ != websocket.MessageText {
		return fail("expected an auth message")
	}
	ctl, err := protocol.DecodeControl(data)
	if err != nil || ctl.Type != protocol.TypeAuth {
		return fail("expected an auth message")
	}
	var creds protocol.AuthData
	if err := ctl.DecodeData(&creds); err != nil {
		return fail("expected an auth message")
	}

	rec, err := w.srv.auth.Validate(creds.Token)
	if err != nil {
		slog.Error("token validation failed", "session", w.id, "err", err)
		return fail("internal error")
	}
	if rec == nil {
		return fail("Invalid, revoked, or expired token")
	}

	if !w.srv.auth.Acquire(rec, w.id) {
		w.srv.metrics.RecordAuthAttempt(ctx, "ws", "session_busy")
		w.send(ctx, protocol.TypeSessionBusy, protocol.BusyData{
			Message:      "another session is active",
			ActiveClient: w.srv.auth.ActiveClientName(),
		})
		w.conn.Close(websocket.StatusPolicyViolation, "session busy")
		return false
	}

	// A reconnect with the same token takes over; the old socket is
	// closed so at most one authed connection exists at any instant.
	if prev := w.srv.registerWS(w); prev != nil {
		prev.conn.Close(websocket.StatusPolicyViolation, "superseded by a newer connection")
	}

	w.plaintext = creds.Token
	w.clientName = rec.ClientName
	w.srv.metrics.RecordAuthAttempt(ctx, "ws", "ok")
	slog.Info("session authenticated", "session", w.id, "client", w.clientName)

	w.send(ctx, protocol.TypeAuthOK, map[string]any{
		"user": map[string]any{"name": rec.ClientName, "is_admin": rec.IsAdmin},
	})
	return true
}

// handleControl dispatches one post-auth control frame. Returns false when
// the connection should be dropped.
func (w *wsSession) handleControl(ctx context.Context, data []byte) bool {
	ctl, err := protocol.DecodeControl(data)
	if err != nil {
		var perr *protocol.Error
		code := "malformed"
		if errors.As(err, &perr) && perr.Kind == protocol.ErrUnknownType {
			code = "unknown_type"
		}
		return w.sendError(ctx, code, "unrecognized message")
	}

	switch ctl.Type {
	case protocol.TypePing:
		return w.send(ctx, protocol.TypePong, nil)

	case protocol.TypeAuth:
		// Idempotent re-auth by the lock holder refreshes the acquisition
		// time; anything else is rejected without closing.
		var creds protocol.AuthData
		if err := ctl.DecodeData(&creds); err != nil {
			return w.sendError(ctx, "malformed", "invalid auth parameters")
		}
		rec, err := w.srv.auth.Validate(creds.Token)
		if err == nil && rec != nil && w.srv.auth.Acquire(rec, w.id) {
			w.plaintext = creds.Token
			w.clientName = rec.ClientName
			return w.send(ctx, protocol.TypeAuthOK, map[string]any{
				"user": map[string]any{"name": rec.ClientName, "is_admin": rec.IsAdmin},
			})
		}
		return w.sendError(ctx, "auth_failed", "re-authentication failed")

	case protocol.TypeStart:
		return w.handleStart(ctx, ctl)

	case protocol.TypeStop:
		return w.handleStop(ctx)

	case protocol.TypeConfig:
		return w.handleConfig(ctx, ctl)

	default:
		return w.sendError(ctx, "unexpected_type", "message not valid in this state")
	}
}

func (w *wsSession) handleStart(ctx context.Context, ctl *protocol.Control) bool {
	if w.state == stateRecording {
		return w.sendError(ctx, "already_recording", "session already started")
	}
	var cfg protocol.StartData
	if err := ctl.DecodeData(&cfg); err != nil {
		return w.sendError(ctx, "malformed", "invalid start parameters")
	}

	w.cfg = cfg
	w.acc = nil
	w.state = stateRecording
	slog.Info("recording started",
		"session", w.id,
		"client", w.clientName,
		"language", cfg.Language,
		"realtime", cfg.EnableRealtime,
		"word_timestamps", cfg.WordTimestamps,
	)
	return w.send(ctx, protocol.TypeSessionStarted, map[string]string{"session_id": w.id})
}

// handleStop finalizes the accumulated audio. Exactly one final (or
// session_stopped when nothing was buffered) is emitted per start/stop
// pair; a send failure means the client is gone and the result is dropped.
func (w *wsSession) handleStop(ctx context.Context) bool {
	if w.state != stateRecording {
		return w.sendError(ctx, "not_recording", "no recording in progress")
	}
	w.state = stateIdle

	samples := w.acc
	w.acc = nil
	if len(samples) == 0 {
		return w.send(ctx, protocol.TypeSessionStopped, nil)
	}

	w.srv.transcribing.Store(true)
	defer w.srv.transcribing.Store(false)

	start := time.Now()
	res, err := w.srv.engine.Transcribe(ctx, samples, w.cfg.Language)
	w.srv.metrics.RecordTranscription(ctx, "stream", time.Since(start).Seconds(), err)
	w.srv.syncModelGauge(ctx)
	if err != nil {
		slog.Error("finalization failed", "session", w.id, "err", err)
		return w.sendError(ctx, "transcription_error", "Transcription failed")
	}

	words := res.Words
	if !w.cfg.WordTimestamps {
		words = nil
	}
	slog.Info("finalization complete",
		"session", w.id,
		"duration", res.Duration,
		"language", res.Language,
		"words", len(res.Words),
		"took", time.Since(start),
	)
	return w.send(ctx, protocol.TypeFinal, map[string]any{
		"text":     res.Text,
		"words":    words,
		"duration": res.Duration,
		"language": res.Language,
		"is_final": true,
	})
}

// handleConfig applies mid-session tweaks. Only fields present in the
// payload change; the language is locked once recording has started
// because changing it would invalidate already-buffered audio.
func (w *wsSession) handleConfig(ctx context.Context, ctl *protocol.Control) bool {
	var cfg protocol.ConfigData
	if err := ctl.DecodeData(&cfg); err != nil {
		return w.sendError(ctx, "malformed", "invalid config parameters")
	}
	if w.state == stateRecording && cfg.Language != nil && *cfg.Language != w.cfg.Language {
		return w.sendError(ctx, "config_locked", "language cannot change during recording")
	}
	if cfg.Language != nil {
		w.cfg.Language = *cfg.Language
	}
	if cfg.EnableRealtime != nil {
		w.cfg.EnableRealtime = *cfg.EnableRealtime
	}
	if cfg.WordTimestamps != nil {
		w.cfg.WordTimestamps = *cfg.WordTimestamps
	}
	return w.send(ctx, protocol.TypeStatus, map[string]any{"message": "config updated"})
}

// handleAudio decodes one binary frame into the accumulator and, when
// enabled, attempts a best-effort realtime preview of the chunk. Decode
// failures are logged and the stream continues.
func (w *wsSession) handleAudio(ctx context.Context, data []byte) {
	if w.state != stateRecording {
		w.srv.metrics.RecordAudioChunk(ctx, "dropped")
		slog.Debug("audio frame outside recording state", "session", w.id)
		return
	}

	frame, err := protocol.DecodeAudioFrame(data)
	if err != nil {
		w.srv.metrics.RecordAudioChunk(ctx, "dropped")
		slog.Warn("skipping malformed audio frame", "session", w.id, "err", err)
		return
	}

	samples := frame.Samples()
	w.acc = append(w.acc, samples...)
	w.srv.metrics.RecordAudioChunk(ctx, "ok")

	if w.cfg.EnableRealtime {
		start := time.Now()
		if text, ok := w.srv.engine.Realtime(ctx, samples); ok {
			w.srv.metrics.PreviewDuration.Record(ctx, time.Since(start).Seconds())
			w.send(ctx, protocol.TypeRealtime, map[string]string{"text": text})
		}
	}
}

// send writes one control frame. Returns false on write failure, which the
// caller treats as a disconnect.
func (w *wsSession) send(ctx context.Context, typ protocol.MessageType, data any) bool {
	raw, err := protocol.EncodeControl(typ, data)
	if err != nil {
		slog.Error("encode control frame failed", "session", w.id, "type", typ, "err", err)
		return false
	}
	if err := w.conn.Write(ctx, websocket.MessageText, raw); err != nil {
		slog.Debug("websocket write failed", "session", w.id, "type", typ, "err", err)
		return false
	}
	return true
}

// sendError emits a non-terminal error frame with a generic message.
func (w *wsSession) sendError(ctx context.Context, code, message string) bool {
	return w.send(ctx, protocol.TypeError, protocol.ErrorData{Message: message, Code: code})
}
