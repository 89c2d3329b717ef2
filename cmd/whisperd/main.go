// Command whisperd is the remote transcription server: a single TLS
// listener carrying the HTTPS API, the WebSocket streaming endpoint and the
// web client assets.
//
// Besides serving, it offers token administration subcommands that operate
// directly on the token store file:
//
//	whisperd -config config.yaml token list
//	whisperd -config config.yaml token create -name laptop [-admin] [-expiry-days 30]
//	whisperd -config config.yaml token revoke <token_id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/voxhall/whisperd/internal/auth"
	"github.com/voxhall/whisperd/internal/config"
	"github.com/voxhall/whisperd/internal/engine/whispercpp"
	"github.com/voxhall/whisperd/internal/observe"
	"github.com/voxhall/whisperd/internal/ratelimit"
	"github.com/voxhall/whisperd/internal/server"
	"github.com/voxhall/whisperd/internal/token"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	dataDir := config.DataDir(*configPath)
	if err := config.LoadDotEnv(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "whisperd: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "whisperd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "whisperd: %v\n", err)
		}
		return 1
	}

	// Relative storage paths live under the data directory.
	cfg.Auth.TokenStorePath = config.ResolveData(dataDir, cfg.Auth.TokenStorePath)
	cfg.TLS.CertFile = config.ResolveData(dataDir, cfg.TLS.CertFile)
	cfg.TLS.KeyFile = config.ResolveData(dataDir, cfg.TLS.KeyFile)

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// Token administration subcommands share the store with a running
	// server through its file lock; no server restart is needed.
	if args := flag.Args(); len(args) > 0 && args[0] == "token" {
		return runTokenCommand(cfg, args[1:])
	}

	slog.Info("whisperd starting",
		"version", version,
		"config", *configPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "whisperd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	store, err := token.Open(cfg.Auth.TokenStorePath)
	if err != nil {
		slog.Error("failed to open token store", "path", cfg.Auth.TokenStorePath, "err", err)
		return 1
	}

	eng, err := whispercpp.New(cfg.Engine.ModelPath,
		whispercpp.WithLanguage(cfg.Engine.Language),
		whispercpp.WithVAD(cfg.Engine.VAD),
	)
	if err != nil {
		slog.Error("failed to initialise engine", "model", cfg.Engine.ModelPath, "err", err)
		return 1
	}

	srv := server.New(cfg, store, auth.New(store), ratelimit.New(0, 0, 0), eng,
		server.WithEnvironment(config.CurrentEnvironment()),
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runTokenCommand dispatches the token administration subcommands.
func runTokenCommand(cfg *config.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "whisperd: usage: token list | create | revoke <token_id>")
		return 2
	}

	store, err := token.Open(cfg.Auth.TokenStorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whisperd: open token store: %v\n", err)
		return 1
	}

	switch args[0] {
	case "list":
		return tokenList(store)
	case "create":
		return tokenCreate(store, args[1:])
	case "revoke":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "whisperd: usage: token revoke <token_id>")
			return 2
		}
		return tokenRevoke(store, args[1])
	default:
		fmt.Fprintf(os.Stderr, "whisperd: unknown token subcommand %q\n", args[0])
		return 2
	}
}

func tokenList(store *token.Store) int {
	records, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "whisperd: list tokens: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN_ID\tTOKEN\tCLIENT\tADMIN\tREVOKED\tEXPIRES")
	for _, rec := range records {
		expires := "never"
		if rec.ExpiresAt != nil {
			expires = rec.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n",
			rec.ID, rec.Masked(), rec.ClientName, rec.IsAdmin, rec.Revoked, expires)
	}
	tw.Flush()
	return 0
}

func tokenCreate(store *token.Store, args []string) int {
	fs := flag.NewFlagSet("token create", flag.ContinueOnError)
	name := fs.String("name", "", "client name for the new token (required)")
	admin := fs.Bool("admin", false, "grant admin privileges")
	expiryDays := fs.Int("expiry-days", token.DefaultExpiryDays, "days until expiry; 0 or negative disables expiration")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "whisperd: token create: -name is required")
		return 2
	}

	days := *expiryDays
	if *admin && !flagWasSet(fs, "expiry-days") {
		days = 0
	}

	rec, plaintext, err := store.Generate(*name, *admin, days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whisperd: create token: %v\n", err)
		return 1
	}

	fmt.Printf("token_id: %s\n", rec.ID)
	fmt.Printf("token:    %s\n", plaintext)
	fmt.Println("store the token now; only its hash is kept on disk")
	return 0
}

func tokenRevoke(store *token.Store, id string) int {
	revoked, err := store.RevokeByID(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "whisperd: revoke token: %v\n", err)
		return 1
	}
	if !revoked {
		fmt.Fprintf(os.Stderr, "whisperd: no token with id %q\n", id)
		return 1
	}
	fmt.Printf("token %s revoked\n", id)
	return 0
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	var set bool
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
