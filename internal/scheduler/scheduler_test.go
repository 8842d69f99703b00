package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/store"
)

func TestTick_AutoStartOpensCycle(t *testing.T) {
	s := store.NewMemory()
	sched := New(s, time.Hour, time.Second, true)

	require.NoError(t, sched.Tick(context.Background()))

	c, err := s.GetOpenCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestTick_ClosesCycleAfterDuration(t *testing.T) {
	s := store.NewMemory()
	start := time.Now()
	sched := New(s, time.Hour, time.Second, false, WithNow(func() time.Time { return start.Add(2 * time.Hour) }))

	c, err := s.OpenCycle(context.Background())
	require.NoError(t, err)
	_ = c

	require.NoError(t, sched.Tick(context.Background()))

	status, err := s.GetCycleStatus(context.Background())
	require.NoError(t, err)
	require.Nil(t, status.ActiveCycleID)
	require.NotNil(t, status.EvaluatingCycleID)
}

func TestTick_CompletesEmptyCycle(t *testing.T) {
	s := store.NewMemory()
	sched := New(s, time.Hour, time.Second, false)

	c, err := s.OpenCycle(context.Background())
	require.NoError(t, err)
	_, err = s.CloseCycleToEvaluating(context.Background(), c.ID)
	require.NoError(t, err)

	require.NoError(t, sched.Tick(context.Background()))

	w, err := s.GetWeights(context.Background(), c.ID)
	require.NoError(t, err)
	require.Empty(t, w.Weights)
	require.Empty(t, w.WeightsU16)

	status, err := s.GetCycleStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, &c.ID, status.LastCompletedCycleID)
}

func TestTick_WaitsForPendingSubmissions(t *testing.T) {
	s := store.NewMemory()
	sched := New(s, time.Hour, time.Second, false)

	_, err := s.CreatePrompt(context.Background(), domain.Prompt{ID: "p1", Active: true})
	require.NoError(t, err)
	c, err := s.OpenCycle(context.Background())
	require.NoError(t, err)
	_, err = s.AdmitSubmission(context.Background(), domain.NewSubmission{
		UUID: uuid.NewString(), PromptID: "p1", MinerUID: 1, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = s.CloseCycleToEvaluating(context.Background(), c.ID)
	require.NoError(t, err)

	require.NoError(t, sched.Tick(context.Background()))

	status, err := s.GetCycleStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status.EvaluatingCycleID, "cycle must not complete while a submission is PENDING")
}

func TestTick_AggregatesScoredSubmissions(t *testing.T) {
	s := store.NewMemory()
	sched := New(s, time.Hour, time.Second, false)

	_, err := s.CreatePrompt(context.Background(), domain.Prompt{ID: "p1", Active: true})
	require.NoError(t, err)
	c, err := s.OpenCycle(context.Background())
	require.NoError(t, err)
	sub, err := s.AdmitSubmission(context.Background(), domain.NewSubmission{
		UUID: uuid.NewString(), PromptID: "p1", MinerUID: 42, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = s.LeasePending(context.Background(), "w1", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.CommitScored(context.Background(), "w1", sub.UUID, domain.Scored{Technical: 1, Relevance: 1, Quality: 1}))

	_, err = s.CloseCycleToEvaluating(context.Background(), c.ID)
	require.NoError(t, err)
	require.NoError(t, sched.Tick(context.Background()))

	w, err := s.GetWeights(context.Background(), c.ID)
	require.NoError(t, err)
	require.InDelta(t, 1.0, w.Weights[42], 1e-9)
	require.Equal(t, uint16(65535), w.WeightsU16[42])
}
