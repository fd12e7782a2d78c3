package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/dispatchd/internal/agent"
	"github.com/me/dispatchd/internal/config"
	"github.com/me/dispatchd/internal/logging"
)

func main() {
	cfg := config.DefaultWorkerConfig()

	flag.StringVar(&cfg.SchedulerURL, "scheduler", cfg.SchedulerURL, "Scheduler base URL")
	flag.StringVar(&cfg.Shard, "shard", cfg.Shard, "Stable worker shard id (default: hostname)")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Task listener address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.DurationVar(&cfg.SuicideAfter, "suicide-after", cfg.SuicideAfter,
		"Exit after this long without scheduler contact")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot determine hostname: %v\n", err)
		os.Exit(1)
	}
	cfg.Hostname = hostname
	if cfg.Shard == "" {
		cfg.Shard = hostname
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	a := agent.New(cfg, logger)

	taskServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: a.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("task listener starting", "addr", cfg.Addr)
		if err := taskServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		errCh <- a.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := taskServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	if errors.Is(runErr, agent.ErrSuicide) {
		logger.Error("exiting on suicide contract")
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", runErr)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
