// Package store defines the transactional persistence contract for cycles,
// submissions, evaluations, prompts, and weights, plus the row-level
// leasing primitives that let many evaluator workers cooperate without a
// central dispatcher.
package store

import (
	"context"
	"time"

	"github.com/threetau/kibotos/internal/domain"
)

// Store is the sole owner of durable state. Every method that can fail in
// a well-defined way returns a *domain.CodedError.
type Store interface {
	// Cycle lifecycle
	OpenCycle(ctx context.Context) (*domain.Cycle, error)
	CloseCycleToEvaluating(ctx context.Context, cycleID int64) (*domain.Cycle, error)
	CompleteCycle(ctx context.Context, cycleID int64, weights domain.CycleWeights) (*domain.Cycle, error)
	GetOpenCycle(ctx context.Context) (*domain.Cycle, error)
	GetEvaluatingCycle(ctx context.Context) (*domain.Cycle, error)
	GetCycleStatus(ctx context.Context) (*domain.CycleStatus, error)
	CountNonterminalInCycle(ctx context.Context, cycleID int64) (int, error)

	// Prompts
	CreatePrompt(ctx context.Context, p domain.Prompt) (*domain.Prompt, error)
	GetPrompt(ctx context.Context, id string) (*domain.Prompt, error)
	ListPrompts(ctx context.Context, category string) ([]domain.Prompt, error)
	ListPromptCategories(ctx context.Context) ([]domain.PromptCategoryCount, error)
	IsPromptActive(ctx context.Context, id string) (bool, error)

	// Admission
	DuplicateExists(ctx context.Context, minerUID int64, videoHash string) (bool, error)
	AdmitSubmission(ctx context.Context, s domain.NewSubmission) (*domain.Submission, error)

	// Leasing
	LeasePending(ctx context.Context, workerID string, n int, leaseDuration time.Duration) ([]domain.Submission, error)
	RenewLease(ctx context.Context, workerID, submissionUUID string, extension time.Duration) error
	CommitScored(ctx context.Context, workerID, submissionUUID string, outcome domain.Scored) error
	CommitRejected(ctx context.Context, workerID, submissionUUID string, outcome domain.Rejected) error
	// RegisterVLMFailure increments the submission's VLM retry counter. If the
	// retry budget (2 retries + the original attempt) remains, the submission
	// is released back to PENDING and exhausted is false; otherwise the
	// caller must commit a terminal Rejected{VLM_UNAVAILABLE} and exhausted
	// is true. Guarded by lease_owner = workerID like every other commit path.
	RegisterVLMFailure(ctx context.Context, workerID, submissionUUID string) (exhausted bool, err error)

	// Reads
	GetSubmission(ctx context.Context, uuid string) (*domain.Submission, *domain.Evaluation, error)
	GetScoredInCycle(ctx context.Context, cycleID int64) ([]domain.Submission, error)
	GetScoresForCycle(ctx context.Context, cycleID int64) ([]domain.MinerScore, error)
	GetWeights(ctx context.Context, cycleID int64) (*domain.CycleWeights, error)
	GetLatestWeights(ctx context.Context) (*domain.CycleWeights, error)
	// RecentScoredForDupWindow returns SCORED submissions of minerUID (or of
	// every miner when global is true) across the given cycle and the cycle
	// preceding it,
	// used by the quality stage's perceptual-hash duplicate check. Duplicate
	// detection is deliberately scoped to this two-cycle window rather than
	// full submission history, for bounded query cost.
	RecentScoredForDupWindow(ctx context.Context, cycleID int64, minerUID int64, global bool) ([]domain.Submission, error)

	// VLM rate limiter (SPEC_FULL.md §C)
	TryAcquireVLMSlot(ctx context.Context, windowStart time.Time, limit int) (bool, error)
}
