// Command kibotos-worker runs one Evaluator Worker process. Many instances
// may run concurrently against the same database; they cooperate purely
// through the Store's leasing primitives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/threetau/kibotos/internal/config"
	"github.com/threetau/kibotos/internal/kiblog"
	"github.com/threetau/kibotos/internal/objectstore"
	"github.com/threetau/kibotos/internal/ratelimit"
	"github.com/threetau/kibotos/internal/store"
	"github.com/threetau/kibotos/internal/vlm"
	"github.com/threetau/kibotos/internal/worker"
)

// vlmGlobalRatePerSec bounds VLM requests per second across every worker
// process sharing one database, independent of any single worker's
// concurrency.
const (
	vlmGlobalRatePerSec = 5
	promptSchemaVersion = "v1"
)

func main() {
	kiblog.Init(os.Getenv("KIBOTOS_LOG_FORMAT"), os.Getenv("KIBOTOS_LOG_LEVEL"))
	log := kiblog.With("cmd/kibotos-worker")

	cfg, err := config.LoadWorker(os.Getenv("KIBOTOS_CONFIG"))
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

	pipeline := &worker.Pipeline{
		Downloader:    objects,
		Prober:        worker.FFProbeProber{},
		Extractor:     worker.FFmpegExtractor{},
		VLM:           vlm.New(cfg.VLM.APIURL, cfg.VLM.APIKey, cfg.VLM.Model),
		VLMLimiter:    ratelimit.NewVLMLimiter(st, vlmGlobalRatePerSec),
		Store:         st,
		ModelVersion:  cfg.VLM.Model,
		PromptVersion: promptSchemaVersion,
	}

	w := worker.New(st, pipeline, cfg.PollInterval, cfg.LeaseDuration, cfg.BatchSize, cfg.Concurrency, log)
	log.Info("worker starting", "id", w.ID, "poll_interval", cfg.PollInterval, "lease_duration", cfg.LeaseDuration,
		"batch_size", cfg.BatchSize, "concurrency", cfg.Concurrency)

	w.Run(ctx)
	log.Info("worker stopped", "id", w.ID)
}
