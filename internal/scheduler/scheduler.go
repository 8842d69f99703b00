// Package scheduler implements the single-writer control loop that drives
// the cycle state machine. Exactly one instance should run process-wide;
// the Store's guarded transitions make a second instance merely redundant
// rather than unsafe.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/threetau/kibotos/internal/aggregator"
	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/kiblog"
	"github.com/threetau/kibotos/internal/store"
)

// Aggregate is the pure scoring function invoked when a cycle closes,
// injected so the Scheduler can be tested without a real Store of scored
// submissions.
type Aggregate func(scored []aggregator.ScoredSubmission) (map[int64]float64, map[int64]uint16)

type Scheduler struct {
	store         store.Store
	aggregate     Aggregate
	cycleDuration time.Duration
	checkInterval time.Duration
	autoStart     bool
	log           *slog.Logger

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

type Option func(*Scheduler)

func WithNow(fn func() time.Time) Option {
	return func(s *Scheduler) { s.now = fn }
}

func New(st store.Store, cycleDuration, checkInterval time.Duration, autoStart bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         st,
		aggregate:     aggregator.Aggregate,
		cycleDuration: cycleDuration,
		checkInterval: checkInterval,
		autoStart:     autoStart,
		log:           kiblog.With("scheduler"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks, executing one iteration of the control loop per checkInterval,
// until ctx is cancelled. It never interrupts an in-flight transition:
// cancellation is only observed between iterations.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	// Ticks run on a context that ignores ctx's cancellation, so a shutdown
	// never aborts a Store call half-way through an iteration.
	tickCtx := context.WithoutCancel(ctx)
	if err := s.Tick(tickCtx); err != nil {
		s.log.Warn("tick failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(tickCtx); err != nil {
				s.log.Warn("tick failed", "err", err)
			}
		}
	}
}

// Tick runs one iteration of the control loop: check status, close out an
// expired cycle, finish evaluation once submissions settle, start a new
// cycle if none is open. Sleeping between ticks is the caller's
// responsibility in Run.
func (s *Scheduler) Tick(ctx context.Context) error {
	status, err := s.store.GetCycleStatus(ctx)
	if err != nil {
		return err
	}

	if status.ActiveCycleID == nil && s.autoStart {
		c, err := s.store.OpenCycle(ctx)
		if err != nil {
			if isAlreadyActive(err) {
				// Another Scheduler instance won the race; not our problem.
				s.log.Debug("open_cycle lost race to another writer")
			} else {
				return err
			}
		} else {
			s.log.Info("opened cycle", "cycle_id", c.ID)
		}
	}

	if status.ActiveCycleID != nil && status.ActiveCycleStartedAt != nil {
		age := s.now().Sub(*status.ActiveCycleStartedAt)
		if age >= s.cycleDuration {
			c, err := s.store.CloseCycleToEvaluating(ctx, *status.ActiveCycleID)
			if err != nil {
				if isWrongState(err) {
					s.log.Debug("close_cycle_to_evaluating lost race to another writer")
				} else {
					return err
				}
			} else {
				s.log.Info("cycle moved to EVALUATING", "cycle_id", c.ID)
			}
		}
	}

	status, err = s.store.GetCycleStatus(ctx)
	if err != nil {
		return err
	}
	if status.EvaluatingCycleID != nil {
		n, err := s.store.CountNonterminalInCycle(ctx, *status.EvaluatingCycleID)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := s.closeOutCycle(ctx, *status.EvaluatingCycleID); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Scheduler) closeOutCycle(ctx context.Context, cycleID int64) error {
	// The Store pre-aggregates per-miner totals so the Scheduler doesn't
	// need to fetch every Evaluation row just to sum them.
	scores, err := s.store.GetScoresForCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	input := make([]aggregator.ScoredSubmission, 0, len(scores))
	for _, ms := range scores {
		input = append(input, aggregator.ScoredSubmission{MinerUID: ms.MinerUID, FinalScore: ms.TotalScore})
	}

	weights, weightsU16 := s.aggregate(input)
	cw := aggregator.ToCycleWeights(cycleID, weights, weightsU16)

	c, err := s.store.CompleteCycle(ctx, cycleID, cw)
	if err != nil {
		if isWrongState(err) {
			s.log.Debug("complete_cycle lost race to another writer")
			return nil
		}
		return err
	}
	s.log.Info("cycle completed", "cycle_id", c.ID, "miners", len(weights))

	if s.autoStart {
		if _, err := s.store.OpenCycle(ctx); err != nil && !isAlreadyActive(err) {
			return err
		}
	}
	return nil
}

func isAlreadyActive(err error) bool {
	ce, ok := err.(*domain.CodedError)
	return ok && ce.Code == domain.CodeAlreadyActive
}

func isWrongState(err error) bool {
	ce, ok := err.(*domain.CodedError)
	return ok && ce.Code == domain.CodeWrongState
}
