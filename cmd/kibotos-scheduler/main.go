// Command kibotos-scheduler runs the single-writer cycle control loop.
// Exactly one instance should run against a given database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/threetau/kibotos/internal/config"
	"github.com/threetau/kibotos/internal/kiblog"
	"github.com/threetau/kibotos/internal/scheduler"
	"github.com/threetau/kibotos/internal/store"
)

func main() {
	kiblog.Init(os.Getenv("KIBOTOS_LOG_FORMAT"), os.Getenv("KIBOTOS_LOG_LEVEL"))
	log := kiblog.With("cmd/kibotos-scheduler")

	cfg, err := config.LoadScheduler(os.Getenv("KIBOTOS_CONFIG"))
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(st, cfg.CycleDuration, cfg.CheckInterval, cfg.AutoStart)
	log.Info("scheduler starting", "cycle_duration", cfg.CycleDuration, "check_interval", cfg.CheckInterval, "auto_start", cfg.AutoStart)

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("scheduler exited", "error", err)
		os.Exit(1)
	}
	log.Info("scheduler stopped")
}
