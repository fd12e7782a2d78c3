package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/me/dispatchd/internal/config"
	"github.com/me/dispatchd/internal/logging"
	"github.com/me/dispatchd/internal/metrics"
	"github.com/me/dispatchd/internal/remote"
	"github.com/me/dispatchd/internal/scheduler"
	"github.com/me/dispatchd/internal/server"
	"github.com/me/dispatchd/internal/store"
)

func main() {
	cfg := config.DefaultSchedulerConfig()

	configFile := flag.String("config", "", "Path to YAML config file")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.dispatchd/dispatchd.db)")
	flag.DurationVar(&cfg.InitialWait, "initial-wait", cfg.InitialWait, "Post-restart dispatch freeze deadline")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *configFile != "" {
		loaded, err := config.LoadSchedulerConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	dbPath, err := resolveDBPath(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", dbPath)

	// The shards that were running tasks before the last restart: the
	// registry holds dispatch until they all report back (or the
	// initial-wait deadline passes).
	expected, err := st.ShardsWithRunningTasks(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load expected workers: %v\n", err)
		os.Exit(1)
	}
	if len(expected) > 0 {
		logger.Info("waiting for workers from previous run", "shards", expected)
	}
	if known, err := st.ListWorkers(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "load worker snapshots: %v\n", err)
		os.Exit(1)
	} else if len(known) > 0 {
		logger.Info("worker snapshots from previous run", "count", len(known))
	}

	reg := remote.NewRegistry(remote.Config{
		InitialWait:        cfg.InitialWait,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HealthcheckTimeout: cfg.HealthcheckTimeout,
		LostTimeout:        cfg.LostTimeout,
		RemoveTimeout:      cfg.RemoveTimeout,
	}, time.Now(), expected, logger)

	m, metricsHandler := metrics.New("dispatchd")

	// One lock serializes every call into the registry, from the HTTP
	// handlers and the scheduling loop alike.
	var mu sync.Mutex

	loopCfg := scheduler.DefaultConfig()
	loopCfg.PollInterval = cfg.PollInterval
	sched := scheduler.NewLoop(st, reg, &mu, scheduler.NewHTTPWorkerClient(), m, loopCfg, logger)

	srv := server.New(cfg, st, reg, &mu, sched, sched, m, metricsHandler, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartScheduler(ctx)

	go func() {
		logger.Info("scheduler starting", "addr", cfg.Addr, "initial_wait", cfg.InitialWait)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if err := sched.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("scheduler stopped")
}

// resolveDBPath defaults the database to ~/.dispatchd/dispatchd.db.
func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := home + "/.dispatchd"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir + "/dispatchd.db", nil
}
