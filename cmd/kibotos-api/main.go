// Command kibotos-api serves the HTTP surface: public submission/read
// endpoints, internal worker evaluate/* endpoints, and the admin
// prompt-creation endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/threetau/kibotos/internal/api"
	"github.com/threetau/kibotos/internal/config"
	"github.com/threetau/kibotos/internal/kiblog"
	"github.com/threetau/kibotos/internal/objectstore"
	"github.com/threetau/kibotos/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	kiblog.Init(os.Getenv("KIBOTOS_LOG_FORMAT"), os.Getenv("KIBOTOS_LOG_LEVEL"))
	log := kiblog.With("cmd/kibotos-api")

	cfg, err := config.LoadAPI(os.Getenv("KIBOTOS_CONFIG"))
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

	objects, err := objectstore.New(ctx, cfg.S3Bucket, cfg.S3Region, cfg.AWSAccessKeyID, cfg.AWSSecretKey)
	if err != nil {
		log.Error("open object store", "error", err)
		os.Exit(1)
	}

	srv := api.New(st, objects, os.Getenv("KIBOTOS_ADMIN_TOKEN"))
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown incomplete", "error", err)
		}
	}()

	log.Info("api listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("api server failed", "error", err)
		os.Exit(1)
	}
	log.Info("api stopped")
}
