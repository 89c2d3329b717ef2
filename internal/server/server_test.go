package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxhall/whisperd/internal/auth"
	"github.com/voxhall/whisperd/internal/config"
	"github.com/voxhall/whisperd/internal/engine/mock"
	"github.com/voxhall/whisperd/internal/observe"
	"github.com/voxhall/whisperd/internal/ratelimit"
	"github.com/voxhall/whisperd/internal/token"
)

// testServer bundles a Server with the doubles the tests poke at.
type testServer struct {
	srv    *Server
	eng    *mock.Engine
	store  *token.Store
	mgr    *auth.Manager
	reader *sdkmetric.ManualReader
	admin  string // admin token plaintext
	user   string // non-admin token plaintext
	assets string
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := token.Open(filepath.Join(dir, "tokens.json"))
	if err != nil {
		t.Fatalf("open token store: %v", err)
	}
	_, admin, err := store.Generate("test-admin", true, 0)
	if err != nil {
		t.Fatalf("generate admin token: %v", err)
	}
	_, user, err := store.Generate("test-user", false, token.DefaultExpiryDays)
	if err != nil {
		t.Fatalf("generate user token: %v", err)
	}

	modelPath := filepath.Join(dir, "ggml-base.bin")
	if err := os.WriteFile(modelPath, []byte("model"), 0o644); err != nil {
		t.Fatal(err)
	}

	assets := filepath.Join(dir, "web")
	if err := os.MkdirAll(assets, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(assets, "index.html"), []byte("<html>spa</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8443, LogLevel: config.LogInfo},
		TLS:    config.TLSConfig{CertFile: filepath.Join(dir, "cert.pem"), KeyFile: filepath.Join(dir, "key.pem"), AutoGenerate: true},
		Auth:   config.AuthConfig{TokenStorePath: filepath.Join(dir, "tokens.json")},
		Engine: config.EngineConfig{ModelPath: modelPath},
		Assets: config.AssetsConfig{Root: assets},
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("create metrics: %v", err)
	}

	eng := &mock.Engine{}
	mgr := auth.New(store)
	srv := New(cfg, store, mgr, ratelimit.New(0, 0, 0), eng,
		append([]Option{
			WithMetrics(metrics),
			WithEnvironment(config.EnvProduction),
		}, opts...)...,
	)

	return &testServer{
		srv:    srv,
		eng:    eng,
		store:  store,
		mgr:    mgr,
		reader: reader,
		admin:  admin,
		user:   user,
		assets: assets,
	}
}
