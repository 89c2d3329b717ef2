// Package server owns the TLS listener, the HTTP router, and the WebSocket
// session handler. It is the integration point: authentication, the single
// streaming session, token administration, one-shot file transcription, and
// static SPA assets all hang off one HTTPS port.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxhall/whisperd/internal/auth"
	"github.com/voxhall/whisperd/internal/config"
	"github.com/voxhall/whisperd/internal/engine"
	"github.com/voxhall/whisperd/internal/health"
	"github.com/voxhall/whisperd/internal/observe"
	"github.com/voxhall/whisperd/internal/ratelimit"
	"github.com/voxhall/whisperd/internal/token"
)

// shutdownTimeout bounds graceful listener drain on termination.
const shutdownTimeout = 10 * time.Second

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithMetrics injects a metrics instance instead of the package default.
// Used by tests to avoid cross-test pollution of the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEnvironment overrides the ENVIRONMENT-derived preset selection.
func WithEnvironment(env config.Environment) Option {
	return func(s *Server) { s.env = env }
}

// WithAuthTimeout overrides the deadline for the first WebSocket auth
// frame. Used by tests; production keeps the default.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) { s.authTimeout = d }
}

// Server wires the HTTP surface to the auth manager, token store, rate
// limiter, and transcription engine.
type Server struct {
	cfg     *config.Config
	store   *token.Store
	auth    *auth.Manager
	limiter *ratelimit.Limiter
	engine  engine.Engine
	metrics *observe.Metrics
	env     config.Environment

	// authTimeout bounds the wait for the first WebSocket auth frame.
	authTimeout time.Duration

	// fileBusy guards the one-at-a-time file transcription endpoint.
	fileBusy atomic.Bool

	// transcribing is set while any finalization or file job runs; it only
	// feeds the /api/status snapshot.
	transcribing atomic.Bool

	// wsMu guards activeWS, the authed socket backing the session lock.
	wsMu     sync.Mutex
	activeWS *wsSession

	// modelResident mirrors engine.Loaded() so the gauge records only
	// transitions.
	modelResident atomic.Bool

	httpSrv *http.Server
}

// New creates a Server over the given collaborators. The router is built
// immediately; the listener is not opened until [Server.Run].
func New(cfg *config.Config, store *token.Store, mgr *auth.Manager, limiter *ratelimit.Limiter, eng engine.Engine, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		store:       store,
		auth:        mgr,
		limiter:     limiter,
		engine:      eng,
		env:         config.CurrentEnvironment(),
		authTimeout: defaultAuthTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// routes assembles the chi router: WSS endpoint, JSON API, health, metrics,
// and the static SPA fallback.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(securityHeaders(s.env))

	// The upgrade needs the raw ResponseWriter for hijacking, and a span
	// spanning an entire streaming session would be useless anyway, so /ws
	// stays outside the request middleware.
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(s.metrics))

		r.Post("/api/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/api/auth/tokens", s.handleListTokens)
			r.Post("/api/auth/tokens", s.handleCreateToken)
			r.Delete("/api/auth/tokens/{tokenID}", s.handleRevokeToken)
			r.Delete("/api/auth/session", s.handleForceRelease)
			r.Post("/api/engine/load", s.handleEngineLoad)
			r.Post("/api/engine/unload", s.handleEngineUnload)
		})
		r.With(s.requireToken).Post("/api/transcribe/file", s.handleTranscribeFile)
		r.Get("/api/status", s.handleStatus)

		s.healthHandler().Register(r)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())

		if s.cfg.Assets.Root != "" {
			r.Get("/*", s.handleStatic)
		}
	})
	return r
}

// healthHandler builds the readiness probes: the token store must be
// readable and the model file must exist. A not-yet-loaded model is still
// ready; loading is lazy.
func (s *Server) healthHandler() *health.Handler {
	return health.New(
		health.Checker{Name: "token_store", Check: func(context.Context) error {
			_, err := s.store.List()
			return err
		}},
		health.Checker{Name: "engine", Check: func(context.Context) error {
			if _, err := os.Stat(s.cfg.Engine.ModelPath); err != nil {
				return fmt.Errorf("model file: %w", err)
			}
			return nil
		}},
	)
}

// Run opens the TLS listener and serves until ctx is cancelled, then drains
// gracefully. Missing TLS material is generated first when auto_generate is
// enabled; otherwise Run refuses to start.
func (s *Server) Run(ctx context.Context) error {
	if err := EnsureCertificate(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, s.cfg.Server.Host, s.cfg.TLS.AutoGenerate); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	s.httpSrv.Addr = addr
	s.httpSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "environment", s.env)
		if err := s.httpSrv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// The engine is deliberately not unloaded here: the on-disk model
		// cache makes reload across restarts cheap.
		return s.httpSrv.Shutdown(shCtx)
	})
	return g.Wait()
}

// Handler exposes the assembled router for httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// registerWS records sess as the socket backing the session lock and
// returns the socket it superseded, if any.
func (s *Server) registerWS(sess *wsSession) *wsSession {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	prev := s.activeWS
	s.activeWS = sess
	if prev == sess {
		return nil
	}
	return prev
}

// unregisterWS clears the registration if sess still holds it.
func (s *Server) unregisterWS(sess *wsSession) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if s.activeWS == sess {
		s.activeWS = nil
	}
}

// takeActiveWS detaches and returns the registered socket, if any.
func (s *Server) takeActiveWS() *wsSession {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	prev := s.activeWS
	s.activeWS = nil
	return prev
}

// syncModelGauge reconciles the model-resident gauge with the engine
// after any operation that may have loaded or unloaded the model, so the
// gauge also tracks lazy loads.
func (s *Server) syncModelGauge(ctx context.Context) {
	resident := s.engine.Loaded()
	if s.modelResident.Swap(resident) == resident {
		return
	}
	delta := int64(-1)
	if resident {
		delta = 1
	}
	s.metrics.ModelResident.Add(ctx, delta)
}
