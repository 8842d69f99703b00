package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/google/uuid"

	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/store"
)

// Worker is the Evaluator Worker process: it leases a batch of PENDING
// submissions, runs the evaluation pipeline for each with bounded
// concurrency, and commits a terminal or retry outcome for each one whose
// evaluation completes. A submission whose prompt lookup or evaluation
// returns an error is left leased, and is leased again once its lease expires.
type Worker struct {
	ID            string
	Store         store.Store
	Pipeline      *Pipeline
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	Log           *slog.Logger

	pool *workerpool.WorkerPool
}

// New constructs a Worker with a fresh random ID used as its lease owner.
func New(st store.Store, pipeline *Pipeline, pollInterval, leaseDuration time.Duration, batchSize, concurrency int, log *slog.Logger) *Worker {
	return &Worker{
		ID:            "worker-" + uuid.NewString(),
		Store:         st,
		Pipeline:      pipeline,
		PollInterval:  pollInterval,
		BatchSize:     batchSize,
		LeaseDuration: leaseDuration,
		Log:           log,
		pool:          workerpool.New(concurrency),
	}
}

// Run polls for leasable submissions until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	defer w.pool.StopWait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	leased, err := w.Store.LeasePending(ctx, w.ID, w.BatchSize, w.LeaseDuration)
	if err != nil {
		w.Log.Error("lease pending submissions", "error", err)
		return
	}
	if len(leased) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sub := range leased {
		sub := sub
		wg.Add(1)
		w.pool.Submit(func() {
			defer wg.Done()
			w.processOne(ctx, sub)
		})
	}
	wg.Wait()
}

// processOne runs the pipeline for one leased submission and commits its
// outcome. A lease-renewal goroutine extends the lease while the pipeline
// runs long evaluations (VLM round trips especially), renewing once less
// than a quarter of the lease window remains.
func (w *Worker) processOne(ctx context.Context, sub domain.Submission) {
	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go w.renewLeaseUntilDone(renewCtx, sub.UUID)

	prompt, err := w.Store.GetPrompt(ctx, sub.PromptID)
	if err != nil {
		w.Log.Error("load prompt for submission", "submission", sub.UUID, "error", err)
		return
	}

	result, err := w.Pipeline.Evaluate(ctx, sub, *prompt)
	if err != nil {
		w.Log.Error("evaluate submission", "submission", sub.UUID, "error", err)
		return
	}

	switch {
	case result.rejected:
		if err := w.Store.CommitRejected(ctx, w.ID, sub.UUID, domain.Rejected{Reason: result.reason}); err != nil {
			w.Log.Error("commit rejected submission", "submission", sub.UUID, "error", err)
		}
	case result.vlmFailed:
		exhausted, err := w.Store.RegisterVLMFailure(ctx, w.ID, sub.UUID)
		if err != nil {
			w.Log.Error("register vlm failure", "submission", sub.UUID, "error", err)
			return
		}
		if exhausted {
			if err := w.Store.CommitRejected(ctx, w.ID, sub.UUID, domain.Rejected{Reason: domain.RejectionVLMUnavailable}); err != nil {
				w.Log.Error("commit vlm-exhausted rejection", "submission", sub.UUID, "error", err)
			}
		}
	default:
		outcome := domain.Scored{
			Technical:     result.technical,
			Relevance:     result.relevance,
			Quality:       result.quality,
			Details:       result.details,
			ModelVersion:  w.Pipeline.ModelVersion,
			PromptVersion: w.Pipeline.PromptVersion,
		}
		if err := w.Store.CommitScored(ctx, w.ID, sub.UUID, outcome); err != nil {
			w.Log.Error("commit scored submission", "submission", sub.UUID, "error", err)
		}
	}
}

const renewThreshold = 4 // renew when < 1/renewThreshold of the lease window remains

func (w *Worker) renewLeaseUntilDone(ctx context.Context, uuid string) {
	interval := w.LeaseDuration - w.LeaseDuration/renewThreshold
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Store.RenewLease(ctx, w.ID, uuid, w.LeaseDuration); err != nil {
				w.Log.Warn("renew lease", "submission", uuid, "error", err)
			}
		}
	}
}
