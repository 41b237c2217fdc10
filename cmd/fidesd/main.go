// Command fidesd runs the decision ledger node: record admission, payment
// gating, chain verification, anchoring, and deadline monitoring over HTTP.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fideslabs/fides/pkg/anchor"
	"github.com/fideslabs/fides/pkg/api"
	"github.com/fideslabs/fides/pkg/chain"
	"github.com/fideslabs/fides/pkg/config"
	"github.com/fideslabs/fides/pkg/deadline"
	"github.com/fideslabs/fides/pkg/engine"
	"github.com/fideslabs/fides/pkg/observability"
	"github.com/fideslabs/fides/pkg/payment"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow stubbing in tests.
var startServer = runServer

// Run dispatches subcommands; the default is the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve":
		return startServer(stderr)
	case "verify":
		return runVerify(stdout, stderr)
	case "anchor":
		return runAnchor(stdout, stderr)
	case "health":
		return runHealth(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: fidesd <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve   Run the ledger node (default)")
	_, _ = fmt.Fprintln(w, "  verify  Walk the stored chain and check every link and hash")
	_, _ = fmt.Fprintln(w, "  anchor  Produce and publish one anchor now")
	_, _ = fmt.Fprintln(w, "  health  Check health of a running node")
	_, _ = fmt.Fprintln(w, "  help    Show this message")
}

// runVerify walks the persisted chain once and reports integrity.
func runVerify(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	store, _, _, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "fidesd: %v\n", err)
		return 1
	}
	defer closeStores()

	_, height, err := store.Tip(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "fidesd: %v\n", err)
		return 1
	}
	if err := chain.Verify(ctx, store); err != nil {
		_, _ = fmt.Fprintf(stdout, "chain INVALID at height %d: %v\n", height, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "chain valid, height %d\n", height)
	return 0
}

// runAnchor produces one anchor against the configured media and prints it.
func runAnchor(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	store, _, anchors, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "fidesd: %v\n", err)
		return 1
	}
	defer closeStores()

	publishers, err := buildPublishers(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "fidesd: %v\n", err)
		return 1
	}
	producer := anchor.NewProducer(store, anchors, publishers, logger)
	a, err := producer.Produce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "fidesd: %v\n", err)
		return 1
	}
	out, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "fidesd: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

func runHealth(stdout io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/healthz")
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stdout, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "ok")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		_, _ = fmt.Fprintf(stderr, "fidesd: %v\n", err)
		return 1
	}
	return 0
}

// applyProfile overlays the PROFILE admission profile, built-in or from
// PROFILES_DIR, onto cfg.
func applyProfile(cfg *config.Config, logger *slog.Logger) error {
	name := os.Getenv("PROFILE")
	if name == "" {
		return nil
	}
	var profile *config.AdmissionProfile
	switch name {
	case "strict":
		profile = config.Strict()
	case "conformance":
		profile = config.Conformance()
	default:
		dir := os.Getenv("PROFILES_DIR")
		if dir == "" {
			dir = "profiles"
		}
		loaded, err := config.LoadProfile(dir, name)
		if err != nil {
			return err
		}
		profile = loaded
	}
	profile.Apply(cfg)
	logger.Info("admission profile applied",
		"profile", profile.Name,
		"require_signatures", cfg.RequireSignatures,
		"require_attestation", cfg.RequireAttestation,
	)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := applyProfile(cfg, logger); err != nil {
		return err
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "fides",
		ServiceVersion: "0.3.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	store, ledger, anchors, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	eng := engine.New(store, engine.Options{
		RequireSignatures:  cfg.RequireSignatures,
		RequireAttestation: cfg.RequireAttestation,
	}, logger).WithTelemetry(obs)
	gate := payment.NewGate(eng, ledger, logger).WithTelemetry(obs)

	publishers, err := buildPublishers(ctx, cfg)
	if err != nil {
		return err
	}
	producer := anchor.NewProducer(store, anchors, publishers, logger).WithTelemetry(obs)
	monitor := deadline.NewMonitor(store, anchors, logger)

	srv := api.NewServer(cfg, eng, gate, producer, monitor, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.HTTPMiddleware(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := monitor.Run(ctx, time.Hour); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(ctx, "deadline monitor stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening",
			"port", cfg.Port,
			"driver", driverName(cfg),
			"test_surface", cfg.TestSurface,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func driverName(cfg *config.Config) string {
	if cfg.DBDriver == "" {
		return "memory"
	}
	return cfg.DBDriver
}

// openStores picks the chain store, payment ledger, and anchor store by
// DB_DRIVER; the default is in-memory, for development and conformance runs.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (chain.Store, payment.Ledger, anchor.Store, func(), error) {
	switch cfg.DBDriver {
	case "":
		return chain.NewMemoryStore(), payment.NewMemoryLedger(), anchor.NewMemoryStore(), func() {}, nil
	case "sqlite", "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, nil, fmt.Errorf("DATABASE_URL is required for driver %q", cfg.DBDriver)
		}
		db, err := sql.Open(cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("ping database: %w", err)
		}
		store, err := chain.NewSQLStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("init chain store: %w", err)
		}
		ledger, err := payment.NewSQLLedger(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("init payment ledger: %w", err)
		}
		anchors, err := anchor.NewSQLStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, nil, fmt.Errorf("init anchor store: %w", err)
		}
		logger.InfoContext(ctx, "database connected", "driver", cfg.DBDriver)
		return store, ledger, anchors, func() { _ = db.Close() }, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func buildPublishers(ctx context.Context, cfg *config.Config) ([]anchor.Publisher, error) {
	var publishers []anchor.Publisher
	if cfg.AnchorTSAURL != "" {
		publishers = append(publishers, anchor.NewTSAPublisher(cfg.AnchorTSAURL, nil))
	}
	if cfg.AnchorS3.Bucket != "" {
		p, err := anchor.NewS3Publisher(ctx, anchor.S3Config{
			Bucket:   cfg.AnchorS3.Bucket,
			Region:   cfg.AnchorS3.Region,
			Endpoint: cfg.AnchorS3.Endpoint,
			Prefix:   cfg.AnchorS3.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init S3 publisher: %w", err)
		}
		publishers = append(publishers, p)
	}
	if cfg.AnchorGCS.Bucket != "" {
		p, err := anchor.NewGCSPublisher(ctx, cfg.AnchorGCS.Bucket, cfg.AnchorGCS.Prefix)
		if err != nil {
			return nil, fmt.Errorf("init GCS publisher: %w", err)
		}
		publishers = append(publishers, p)
	}
	return publishers, nil
}
