package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/threetau/kibotos/internal/domain"
)

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	return NewMemory()
}

func activePrompt(t *testing.T, s *Memory, id string) {
	t.Helper()
	_, err := s.CreatePrompt(context.Background(), domain.Prompt{ID: id, Category: "pick", Active: true, Weight: 1})
	require.NoError(t, err)
}

func TestOpenCycle_OnlyOneActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	_, err = s.OpenCycle(ctx)
	require.Error(t, err)
	require.Equal(t, domain.CodeAlreadyActive, err.(*domain.CodedError).Code)
}

func TestCycleLifecycle_MonotoneTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := s.OpenCycle(ctx)
	require.NoError(t, err)

	_, err = s.CompleteCycle(ctx, c.ID, domain.CycleWeights{})
	require.Error(t, err, "cannot complete an ACTIVE cycle")

	evCycle, err := s.CloseCycleToEvaluating(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CycleEvaluating, evCycle.State)

	_, err = s.CloseCycleToEvaluating(ctx, c.ID)
	require.Error(t, err, "cannot re-close an EVALUATING cycle")

	done, err := s.CompleteCycle(ctx, c.ID, domain.CycleWeights{})
	require.NoError(t, err)
	require.Equal(t, domain.CycleCompleted, done.State)
}

func TestCompleteCycle_BlocksOnNonterminalSubmissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	c, err := s.OpenCycle(ctx)
	require.NoError(t, err)

	_, err = s.AdmitSubmission(ctx, domain.NewSubmission{
		UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, VideoHash: "h", SubmittedAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = s.CloseCycleToEvaluating(ctx, c.ID)
	require.NoError(t, err)

	_, err = s.CompleteCycle(ctx, c.ID, domain.CycleWeights{})
	require.Error(t, err)
	require.Equal(t, domain.CodeHasPending, err.(*domain.CodedError).Code)
}

func TestAdmitSubmission_NoOpenCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.AdmitSubmission(ctx, domain.NewSubmission{UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, SubmittedAt: time.Now()})
	require.Error(t, err)
	require.Equal(t, domain.CodeNoOpenCycle, err.(*domain.CodedError).Code)
}

func TestAdmitSubmission_UnknownPrompt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	_, err = s.AdmitSubmission(ctx, domain.NewSubmission{UUID: uuid.NewString(), PromptID: "nope", MinerUID: 1, SubmittedAt: time.Now()})
	require.Error(t, err)
	require.Equal(t, domain.CodeUnknownPrompt, err.(*domain.CodedError).Code)
}

// TestRateLimit_FifthWithinHourRejected checks that a fifth submission from
// the same miner within one rolling hour is rejected.
func TestRateLimit_FifthWithinHourRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := s.AdmitSubmission(ctx, domain.NewSubmission{
			UUID: uuid.NewString(), PromptID: "p1", MinerUID: 7, VideoHash: uuid.NewString(), SubmittedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	_, err = s.AdmitSubmission(ctx, domain.NewSubmission{
		UUID: uuid.NewString(), PromptID: "p1", MinerUID: 7, VideoHash: uuid.NewString(), SubmittedAt: time.Now(),
	})
	require.Error(t, err)
	require.Equal(t, domain.CodeRateLimited, err.(*domain.CodedError).Code)
}

func TestLeasePending_DisjointAcrossConcurrentWorkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := s.AdmitSubmission(ctx, domain.NewSubmission{
			UUID: uuid.NewString(), PromptID: "p1", MinerUID: int64(i), VideoHash: uuid.NewString(), SubmittedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			leased, err := s.LeasePending(ctx, workerID, 4, time.Minute)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, sub := range leased {
				require.False(t, seen[sub.UUID], "submission leased to more than one worker")
				seen[sub.UUID] = true
			}
		}(uuid.NewString())
	}
	wg.Wait()
	require.Len(t, seen, 20)
}

// TestLeaseRecovery checks that a submission whose lease expired without a
// commit becomes leasable again.
func TestLeaseRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	sub, err := s.AdmitSubmission(ctx, domain.NewSubmission{UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, VideoHash: "h", SubmittedAt: time.Now()})
	require.NoError(t, err)

	leasedA, err := s.LeasePending(ctx, "worker-a", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leasedA, 1)
	require.Equal(t, sub.UUID, leasedA[0].UUID)

	time.Sleep(20 * time.Millisecond)

	leasedB, err := s.LeasePending(ctx, "worker-b", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leasedB, 1)
	require.Equal(t, sub.UUID, leasedB[0].UUID)

	err = s.CommitScored(ctx, "worker-a", sub.UUID, domain.Scored{Technical: 1, Relevance: 1, Quality: 1})
	require.Error(t, err)
	require.Equal(t, domain.CodeLeaseLost, err.(*domain.CodedError).Code)

	_, _, err = s.GetSubmission(ctx, sub.UUID)
	require.NoError(t, err)
}

func TestCommitScored_FinalScoreFormula(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	sub, err := s.AdmitSubmission(ctx, domain.NewSubmission{UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, VideoHash: "h", SubmittedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.LeasePending(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)

	err = s.CommitScored(ctx, "w1", sub.UUID, domain.Scored{Technical: 0.5, Relevance: 0.8, Quality: 1.0})
	require.NoError(t, err)

	_, eval, err := s.GetSubmission(ctx, sub.UUID)
	require.NoError(t, err)
	require.NotNil(t, eval)
	want := 0.2*0.5 + 0.5*0.8 + 0.3*1.0
	require.InDelta(t, want, eval.FinalScore, 1e-9)
}

func TestCommitRejected_TerminalAndFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	sub, err := s.AdmitSubmission(ctx, domain.NewSubmission{UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, VideoHash: "h", SubmittedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.LeasePending(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)

	err = s.CommitRejected(ctx, "w1", sub.UUID, domain.Rejected{Reason: domain.RejectionTechnical})
	require.NoError(t, err)

	got, eval, err := s.GetSubmission(ctx, sub.UUID)
	require.NoError(t, err)
	require.Nil(t, eval)
	require.Equal(t, domain.SubmissionRejected, got.State)
	require.Equal(t, domain.RejectionTechnical, got.RejectionReason)
}

func TestRegisterVLMFailure_ReleasesThenExhausts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	sub, err := s.AdmitSubmission(ctx, domain.NewSubmission{UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, VideoHash: "h", SubmittedAt: time.Now()})
	require.NoError(t, err)

	for i := 0; i < vlmRetryBudget; i++ {
		_, err = s.LeasePending(ctx, "w1", 1, time.Minute)
		require.NoError(t, err)
		exhausted, err := s.RegisterVLMFailure(ctx, "w1", sub.UUID)
		require.NoError(t, err)
		require.False(t, exhausted)
	}

	_, err = s.LeasePending(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	exhausted, err := s.RegisterVLMFailure(ctx, "w1", sub.UUID)
	require.NoError(t, err)
	require.True(t, exhausted)
}

func TestDuplicateDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activePrompt(t, s, "p1")
	_, err := s.OpenCycle(ctx)
	require.NoError(t, err)
	_, err = s.AdmitSubmission(ctx, domain.NewSubmission{UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, VideoHash: "samehash", SubmittedAt: time.Now()})
	require.NoError(t, err)

	dup, err := s.DuplicateExists(ctx, 1, "samehash")
	require.NoError(t, err)
	require.True(t, dup)

	dup, err = s.DuplicateExists(ctx, 2, "samehash")
	require.NoError(t, err)
	require.False(t, dup)
}
