package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/threetau/kibotos/internal/domain"
)

// rateWindow is the sliding-hour admission limit.
const (
	rateLimit       = 4
	rateWindow      = time.Hour
	vlmRetryBudget  = 2 // retries beyond the first attempt before terminal reject
)

type dupKey struct {
	minerUID  int64
	videoHash string
}

// Memory is an in-process Store used by unit tests and, optionally, by a
// single-process development deployment. All methods are guarded by one
// mutex, which is a stronger serialization guarantee than SERIALIZABLE
// transactions provide but is sufficient (and simpler) for a single binary.
type Memory struct {
	mu sync.Mutex

	nextCycleID int64
	cycles      map[int64]*domain.Cycle

	prompts map[string]*domain.Prompt

	submissions map[string]*domain.Submission
	evaluations map[string]*domain.Evaluation
	dupIndex    map[dupKey]struct{}

	rateCounters map[int64][]time.Time // admission timestamps per miner, pruned lazily

	weights map[int64]*domain.CycleWeights

	vlmWindowStart time.Time
	vlmCount       int
}

func NewMemory() *Memory {
	return &Memory{
		cycles:       make(map[int64]*domain.Cycle),
		prompts:      make(map[string]*domain.Prompt),
		submissions:  make(map[string]*domain.Submission),
		evaluations:  make(map[string]*domain.Evaluation),
		dupIndex:     make(map[dupKey]struct{}),
		rateCounters: make(map[int64][]time.Time),
		weights:      make(map[int64]*domain.CycleWeights),
	}
}

func (m *Memory) OpenCycle(ctx context.Context) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.cycles {
		if c.State == domain.CycleActive {
			return nil, domain.ErrAlreadyActive()
		}
	}
	m.nextCycleID++
	c := &domain.Cycle{ID: m.nextCycleID, State: domain.CycleActive, StartedAt: time.Now().UTC()}
	m.cycles[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *Memory) CloseCycleToEvaluating(ctx context.Context, cycleID int64) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cycles[cycleID]
	if !ok {
		return nil, domain.ErrNotFound("cycle")
	}
	if c.State != domain.CycleActive {
		return nil, domain.ErrWrongState(string(c.State), string(domain.CycleActive))
	}
	now := time.Now().UTC()
	c.State = domain.CycleEvaluating
	c.EvaluatingAt = &now
	cp := *c
	return &cp, nil
}

func (m *Memory) CompleteCycle(ctx context.Context, cycleID int64, weights domain.CycleWeights) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cycles[cycleID]
	if !ok {
		return nil, domain.ErrNotFound("cycle")
	}
	if c.State != domain.CycleEvaluating {
		return nil, domain.ErrWrongState(string(c.State), string(domain.CycleEvaluating))
	}
	n := m.countNonterminalLocked(cycleID)
	if n > 0 {
		return nil, domain.ErrHasPending(cycleID, n)
	}
	now := time.Now().UTC()
	c.State = domain.CycleCompleted
	c.CompletedAt = &now
	weights.CycleID = cycleID
	weights.CreatedAt = now
	if weights.Weights == nil {
		weights.Weights = map[int64]float64{}
	}
	if weights.WeightsU16 == nil {
		weights.WeightsU16 = map[int64]uint16{}
	}
	m.weights[cycleID] = &weights
	cp := *c
	return &cp, nil
}

func (m *Memory) GetOpenCycle(ctx context.Context) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cycles {
		if c.State == domain.CycleActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetEvaluatingCycle(ctx context.Context) (*domain.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cycles {
		if c.State == domain.CycleEvaluating {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetCycleStatus(ctx context.Context) (*domain.CycleStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := &domain.CycleStatus{TotalCycles: int64(len(m.cycles))}
	var lastCompleted *domain.Cycle
	for _, c := range m.cycles {
		switch c.State {
		case domain.CycleActive:
			id := c.ID
			status.ActiveCycleID = &id
			t := c.StartedAt
			status.ActiveCycleStartedAt = &t
		case domain.CycleEvaluating:
			id := c.ID
			status.EvaluatingCycleID = &id
		case domain.CycleCompleted:
			if lastCompleted == nil || c.ID > lastCompleted.ID {
				lastCompleted = c
			}
		}
	}
	if lastCompleted != nil {
		id := lastCompleted.ID
		status.LastCompletedCycleID = &id
	}
	return status, nil
}

func (m *Memory) countNonterminalLocked(cycleID int64) int {
	n := 0
	for _, s := range m.submissions {
		if s.CycleID == cycleID && (s.State == domain.SubmissionPending || s.State == domain.SubmissionEvaluating) {
			n++
		}
	}
	return n
}

func (m *Memory) CountNonterminalInCycle(ctx context.Context, cycleID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countNonterminalLocked(cycleID), nil
}

func (m *Memory) CreatePrompt(ctx context.Context, p domain.Prompt) (*domain.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := p
	m.prompts[p.ID] = &cp
	out := cp
	return &out, nil
}

func (m *Memory) GetPrompt(ctx context.Context, id string) (*domain.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, domain.ErrNotFound("prompt")
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) ListPrompts(ctx context.Context, category string) ([]domain.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Prompt
	for _, p := range m.prompts {
		if !p.Active {
			continue
		}
		if category != "" && p.Category != category {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListPromptCategories(ctx context.Context) ([]domain.PromptCategoryCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, p := range m.prompts {
		if p.Active {
			counts[p.Category]++
		}
	}
	out := make([]domain.PromptCategoryCount, 0, len(counts))
	for cat, n := range counts {
		out = append(out, domain.PromptCategoryCount{Category: cat, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (m *Memory) IsPromptActive(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	return ok && p.Active, nil
}

func (m *Memory) DuplicateExists(ctx context.Context, minerUID int64, videoHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.dupIndex[dupKey{minerUID, videoHash}]
	return ok, nil
}

func (m *Memory) pruneRateLocked(minerUID int64, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	kept := m.rateCounters[minerUID][:0:0]
	for _, t := range m.rateCounters[minerUID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.rateCounters[minerUID] = kept
	return kept
}

func (m *Memory) AdmitSubmission(ctx context.Context, s domain.NewSubmission) (*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active *domain.Cycle
	for _, c := range m.cycles {
		if c.State == domain.CycleActive {
			active = c
			break
		}
	}
	if active == nil {
		return nil, domain.ErrNoOpenCycle()
	}

	now := time.Now().UTC()
	existing := m.pruneRateLocked(s.MinerUID, now)
	if len(existing) >= rateLimit {
		return nil, domain.ErrRateLimited(s.MinerUID)
	}

	p, ok := m.prompts[s.PromptID]
	if !ok || !p.Active {
		return nil, domain.ErrUnknownPrompt(s.PromptID)
	}

	sub := &domain.Submission{
		UUID:              s.UUID,
		CycleID:           active.ID,
		PromptID:          s.PromptID,
		MinerUID:          s.MinerUID,
		MinerHotkey:       s.MinerHotkey,
		VideoKey:          s.VideoKey,
		VideoHash:         s.VideoHash,
		DurationSec:       s.DurationSec,
		Width:             s.Width,
		Height:            s.Height,
		FPS:               s.FPS,
		CameraType:        s.CameraType,
		ActorType:         s.ActorType,
		ActionDescription: s.ActionDescription,
		Signature:         s.Signature,
		State:             domain.SubmissionPending,
		SubmittedAt:       s.SubmittedAt,
	}
	m.submissions[sub.UUID] = sub
	m.dupIndex[dupKey{s.MinerUID, s.VideoHash}] = struct{}{}
	m.rateCounters[s.MinerUID] = append(existing, now)

	cp := *sub
	return &cp, nil
}

func (m *Memory) LeasePending(ctx context.Context, workerID string, n int, leaseDuration time.Duration) ([]domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*domain.Submission
	for _, s := range m.submissions {
		if s.State == domain.SubmissionPending {
			candidates = append(candidates, s)
			continue
		}
		if s.State == domain.SubmissionEvaluating && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.Before(now) {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SubmittedAt.Before(candidates[j].SubmittedAt) })

	var leased []domain.Submission
	for _, s := range candidates {
		if len(leased) >= n {
			break
		}
		expires := now.Add(leaseDuration)
		s.State = domain.SubmissionEvaluating
		s.LeaseOwner = workerID
		s.LeaseExpiresAt = &expires
		leased = append(leased, *s)
	}
	return leased, nil
}

func (m *Memory) RenewLease(ctx context.Context, workerID, submissionUUID string, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[submissionUUID]
	if !ok {
		return domain.ErrNotFound("submission")
	}
	if s.State != domain.SubmissionEvaluating || s.LeaseOwner != workerID {
		return domain.ErrLeaseLost(submissionUUID)
	}
	expires := time.Now().UTC().Add(extension)
	s.LeaseExpiresAt = &expires
	return nil
}

func (m *Memory) CommitScored(ctx context.Context, workerID, submissionUUID string, outcome domain.Scored) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[submissionUUID]
	if !ok {
		return domain.ErrNotFound("submission")
	}
	if s.State != domain.SubmissionEvaluating || s.LeaseOwner != workerID {
		return domain.ErrLeaseLost(submissionUUID)
	}

	now := time.Now().UTC()
	s.State = domain.SubmissionScored
	s.EvaluatedAt = &now
	s.LeaseOwner = ""
	s.LeaseExpiresAt = nil

	final := 0.2*outcome.Technical + 0.5*outcome.Relevance + 0.3*outcome.Quality
	m.evaluations[submissionUUID] = &domain.Evaluation{
		SubmissionUUID: submissionUUID,
		TechnicalScore: outcome.Technical,
		RelevanceScore: outcome.Relevance,
		QualityScore:   outcome.Quality,
		FinalScore:     final,
		Details:        outcome.Details,
		CreatedAt:      now,
	}
	return nil
}

func (m *Memory) CommitRejected(ctx context.Context, workerID, submissionUUID string, outcome domain.Rejected) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[submissionUUID]
	if !ok {
		return domain.ErrNotFound("submission")
	}
	if s.State != domain.SubmissionEvaluating || s.LeaseOwner != workerID {
		return domain.ErrLeaseLost(submissionUUID)
	}
	now := time.Now().UTC()
	s.State = domain.SubmissionRejected
	s.EvaluatedAt = &now
	s.RejectionReason = outcome.Reason
	s.LeaseOwner = ""
	s.LeaseExpiresAt = nil
	delete(m.dupIndex, dupKey{s.MinerUID, s.VideoHash})
	return nil
}

func (m *Memory) RegisterVLMFailure(ctx context.Context, workerID, submissionUUID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.submissions[submissionUUID]
	if !ok {
		return false, domain.ErrNotFound("submission")
	}
	if s.State != domain.SubmissionEvaluating || s.LeaseOwner != workerID {
		return false, domain.ErrLeaseLost(submissionUUID)
	}
	s.VLMFailureCount++
	if s.VLMFailureCount > vlmRetryBudget {
		return true, nil
	}
	s.State = domain.SubmissionPending
	s.LeaseOwner = ""
	s.LeaseExpiresAt = nil
	return false, nil
}

func (m *Memory) GetSubmission(ctx context.Context, uuid string) (*domain.Submission, *domain.Evaluation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[uuid]
	if !ok {
		return nil, nil, domain.ErrNotFound("submission")
	}
	scp := *s
	if e, ok := m.evaluations[uuid]; ok {
		ecp := *e
		return &scp, &ecp, nil
	}
	return &scp, nil, nil
}

func (m *Memory) GetScoredInCycle(ctx context.Context, cycleID int64) ([]domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Submission
	for _, s := range m.submissions {
		if s.CycleID == cycleID && s.State == domain.SubmissionScored {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) GetScoresForCycle(ctx context.Context, cycleID int64) ([]domain.MinerScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := make(map[int64]*domain.MinerScore)
	for _, s := range m.submissions {
		if s.CycleID != cycleID || s.State != domain.SubmissionScored {
			continue
		}
		e, ok := m.evaluations[s.UUID]
		if !ok {
			continue
		}
		ms, ok := totals[s.MinerUID]
		if !ok {
			ms = &domain.MinerScore{MinerUID: s.MinerUID}
			totals[s.MinerUID] = ms
		}
		ms.TotalScore += e.FinalScore
		ms.Count++
	}
	out := make([]domain.MinerScore, 0, len(totals))
	for _, ms := range totals {
		out = append(out, *ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinerUID < out[j].MinerUID })
	return out, nil
}

func (m *Memory) GetWeights(ctx context.Context, cycleID int64) (*domain.CycleWeights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.weights[cycleID]
	if !ok {
		return nil, domain.ErrNotFound("cycle weights")
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) GetLatestWeights(ctx context.Context) (*domain.CycleWeights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.CycleWeights
	for _, w := range m.weights {
		if latest == nil || w.CycleID > latest.CycleID {
			latest = w
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound("cycle weights")
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) RecentScoredForDupWindow(ctx context.Context, cycleID int64, minerUID int64, global bool) ([]domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Submission
	for _, s := range m.submissions {
		if s.State != domain.SubmissionScored {
			continue
		}
		if s.CycleID != cycleID && s.CycleID != cycleID-1 {
			continue
		}
		if !global && s.MinerUID != minerUID {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) TryAcquireVLMSlot(ctx context.Context, windowStart time.Time, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !windowStart.Equal(m.vlmWindowStart) {
		m.vlmWindowStart = windowStart
		m.vlmCount = 0
	}
	if m.vlmCount >= limit {
		return false, nil
	}
	m.vlmCount++
	return true, nil
}

var _ Store = (*Memory)(nil)
