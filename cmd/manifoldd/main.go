// Command manifoldd serves the manifold content store and manifest router.
//
// Usage:
//
//	manifoldd -config manifold.yaml        # run with config file
//	manifoldd -db manifold.db              # run with defaults
//	manifoldd -db manifold.db -state       # print state and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/manifold/access"
	"github.com/hazyhaar/manifold/arena"
	"github.com/hazyhaar/manifold/audit"
	"github.com/hazyhaar/manifold/config"
	"github.com/hazyhaar/manifold/contentstore"
	"github.com/hazyhaar/manifold/dbopen"
	"github.com/hazyhaar/manifold/httpapi"
	"github.com/hazyhaar/manifold/router"
)

func main() {
	configPath := flag.String("config", "", "path to manifold.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	listen := flag.String("listen", "", "listen address (overrides config)")
	showState := flag.Bool("state", false, "print router state and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listen, *showState); err != nil {
		logger.Error("manifoldd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listen string, showState bool) error {
	cfg, err := resolveConfig(configPath, dbPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	store := contentstore.New(db, contentstore.Policy{
		MaxPayloadSize: cfg.MaxPayloadSize,
		PlacementFee:   cfg.PlacementFee,
	}, contentstore.WithLogger(logger))
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("content store schema: %w", err)
	}

	ar := arena.New(db)
	if err := ar.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("arena schema: %w", err)
	}

	trail := audit.New(db)
	if err := trail.Init(ctx); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}

	authz, err := access.NewStaticAuthorizer(cfg.Grants())
	if err != nil {
		return fmt.Errorf("authorizer: %w", err)
	}

	rt := router.New(db, store, authz, router.Options{
		ActivationDelay: cfg.ActivationDelay,
		Logger:          logger,
		Trail:           trail,
	})
	if err := rt.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("router schema: %w", err)
	}
	if err := rt.Load(ctx); err != nil {
		return fmt.Errorf("router load: %w", err)
	}

	// One-shot: state.
	if showState {
		modules, err := store.Count(ctx)
		if err != nil {
			return fmt.Errorf("state: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"active_root":  rt.ActiveRoot(),
			"active_epoch": rt.ActiveEpoch(),
			"route_count":  rt.RouteCount(),
			"modules":      modules,
			"paused":       rt.IsPaused(),
		})
	}

	api := httpapi.New(store, rt, ar, authz, httpapi.Options{
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("manifoldd: serving",
			"listen", cfg.Listen, "db", cfg.DBPath,
			"activation_delay", cfg.ActivationDelay.String(),
			"routes", rt.RouteCount(), "epoch", rt.ActiveEpoch())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("manifoldd: server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("manifoldd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("manifoldd: shutdown", "error", err)
	}
	logger.Info("manifoldd: stopped")
	return nil
}

func resolveConfig(configPath, dbPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}

	cfg := &config.Config{}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if cfg.DBPath == "" {
		fmt.Fprintln(os.Stderr, "usage: manifoldd -config <file> | -db <path> [-listen <addr>] [-state]")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
