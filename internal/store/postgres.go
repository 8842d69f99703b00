package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/threetau/kibotos/internal/domain"
)

// Postgres is the production Store, backed by a SERIALIZABLE-capable
// connection pool. Every guarded transition runs inside a single
// transaction so the cycle/submission state machines hold under concurrent
// Scheduler/Admission/Worker access.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and returns a ready Postgres store. Run
// migrations/0001_init.sql against the same database before first use.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

func serializable(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func (p *Postgres) OpenCycle(ctx context.Context) (*domain.Cycle, error) {
	var out domain.Cycle
	err := serializable(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO cycles (state, started_at) VALUES ('ACTIVE', now())
			RETURNING id, state, started_at`)
		if err := row.Scan(&out.ID, &out.State, &out.StartedAt); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrAlreadyActive()
			}
			return fmt.Errorf("insert cycle: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Postgres) CloseCycleToEvaluating(ctx context.Context, cycleID int64) (*domain.Cycle, error) {
	var out domain.Cycle
	err := serializable(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE cycles SET state = 'EVALUATING', evaluating_at = now()
			WHERE id = $1 AND state = 'ACTIVE'
			RETURNING id, state, started_at, evaluating_at`, cycleID)
		if err := row.Scan(&out.ID, &out.State, &out.StartedAt, &out.EvaluatingAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrWrongState("?", string(domain.CycleActive))
			}
			return fmt.Errorf("close cycle: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Postgres) CompleteCycle(ctx context.Context, cycleID int64, weights domain.CycleWeights) (*domain.Cycle, error) {
	var out domain.Cycle
	err := serializable(ctx, p.pool, func(tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM submissions
			WHERE cycle_id = $1 AND state IN ('PENDING', 'EVALUATING')`, cycleID).Scan(&n); err != nil {
			return fmt.Errorf("count nonterminal: %w", err)
		}
		if n > 0 {
			return domain.ErrHasPending(cycleID, n)
		}

		row := tx.QueryRow(ctx, `
			UPDATE cycles SET state = 'COMPLETED', completed_at = now()
			WHERE id = $1 AND state = 'EVALUATING'
			RETURNING id, state, started_at, evaluating_at, completed_at`, cycleID)
		if err := row.Scan(&out.ID, &out.State, &out.StartedAt, &out.EvaluatingAt, &out.CompletedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrWrongState("?", string(domain.CycleEvaluating))
			}
			return fmt.Errorf("complete cycle: %w", err)
		}

		weightsJSON, err := json.Marshal(weights.Weights)
		if err != nil {
			return fmt.Errorf("marshal weights: %w", err)
		}
		weightsU16JSON, err := json.Marshal(weights.WeightsU16)
		if err != nil {
			return fmt.Errorf("marshal weights_u16: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO cycle_weights (cycle_id, block_number, weights, weights_u16)
			VALUES ($1, $2, $3, $4)`, cycleID, weights.BlockNumber, weightsJSON, weightsU16JSON); err != nil {
			return fmt.Errorf("insert cycle_weights: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Postgres) GetOpenCycle(ctx context.Context) (*domain.Cycle, error) {
	return p.getCycleByState(ctx, domain.CycleActive)
}

func (p *Postgres) GetEvaluatingCycle(ctx context.Context) (*domain.Cycle, error) {
	return p.getCycleByState(ctx, domain.CycleEvaluating)
}

func (p *Postgres) getCycleByState(ctx context.Context, state domain.CycleState) (*domain.Cycle, error) {
	var c domain.Cycle
	row := p.pool.QueryRow(ctx, `
		SELECT id, state, started_at, evaluating_at, completed_at
		FROM cycles WHERE state = $1 LIMIT 1`, state)
	if err := row.Scan(&c.ID, &c.State, &c.StartedAt, &c.EvaluatingAt, &c.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cycle by state: %w", err)
	}
	return &c, nil
}

func (p *Postgres) GetCycleStatus(ctx context.Context) (*domain.CycleStatus, error) {
	status := &domain.CycleStatus{}
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM cycles`).Scan(&status.TotalCycles); err != nil {
		return nil, fmt.Errorf("count cycles: %w", err)
	}
	if active, err := p.GetOpenCycle(ctx); err != nil {
		return nil, err
	} else if active != nil {
		status.ActiveCycleID = &active.ID
		status.ActiveCycleStartedAt = &active.StartedAt
	}
	if evaluating, err := p.GetEvaluatingCycle(ctx); err != nil {
		return nil, err
	} else if evaluating != nil {
		status.EvaluatingCycleID = &evaluating.ID
	}
	var lastID *int64
	row := p.pool.QueryRow(ctx, `SELECT id FROM cycles WHERE state = 'COMPLETED' ORDER BY id DESC LIMIT 1`)
	var id int64
	if err := row.Scan(&id); err == nil {
		lastID = &id
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("last completed cycle: %w", err)
	}
	status.LastCompletedCycleID = lastID
	return status, nil
}

func (p *Postgres) CountNonterminalInCycle(ctx context.Context, cycleID int64) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM submissions
		WHERE cycle_id = $1 AND state IN ('PENDING', 'EVALUATING')`, cycleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nonterminal: %w", err)
	}
	return n, nil
}

func (p *Postgres) CreatePrompt(ctx context.Context, prompt domain.Prompt) (*domain.Prompt, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO prompts (id, category, task, scenario, min_duration, max_duration, weight, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, category, task, scenario, min_duration, max_duration, weight, active, created_at`,
		prompt.ID, prompt.Category, prompt.Task, prompt.Scenario,
		prompt.Requirements.MinDuration, prompt.Requirements.MaxDuration, prompt.Weight, prompt.Active)
	var out domain.Prompt
	if err := row.Scan(&out.ID, &out.Category, &out.Task, &out.Scenario,
		&out.Requirements.MinDuration, &out.Requirements.MaxDuration, &out.Weight, &out.Active, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert prompt: %w", err)
	}
	return &out, nil
}

func (p *Postgres) GetPrompt(ctx context.Context, id string) (*domain.Prompt, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, category, task, scenario, min_duration, max_duration, weight, active, created_at
		FROM prompts WHERE id = $1`, id)
	var out domain.Prompt
	if err := row.Scan(&out.ID, &out.Category, &out.Task, &out.Scenario,
		&out.Requirements.MinDuration, &out.Requirements.MaxDuration, &out.Weight, &out.Active, &out.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound("prompt")
		}
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return &out, nil
}

func (p *Postgres) ListPrompts(ctx context.Context, category string) ([]domain.Prompt, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, category, task, scenario, min_duration, max_duration, weight, active, created_at
		FROM prompts WHERE active AND ($1 = '' OR category = $1) ORDER BY id`, category)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []domain.Prompt
	for rows.Next() {
		var pr domain.Prompt
		if err := rows.Scan(&pr.ID, &pr.Category, &pr.Task, &pr.Scenario,
			&pr.Requirements.MinDuration, &pr.Requirements.MaxDuration, &pr.Weight, &pr.Active, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) ListPromptCategories(ctx context.Context) ([]domain.PromptCategoryCount, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT category, count(*) FROM prompts WHERE active GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list prompt categories: %w", err)
	}
	defer rows.Close()

	var out []domain.PromptCategoryCount
	for rows.Next() {
		var c domain.PromptCategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) IsPromptActive(ctx context.Context, id string) (bool, error) {
	var active bool
	err := p.pool.QueryRow(ctx, `SELECT active FROM prompts WHERE id = $1`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is prompt active: %w", err)
	}
	return active, nil
}

func (p *Postgres) DuplicateExists(ctx context.Context, minerUID int64, videoHash string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM submissions
			WHERE miner_uid = $1 AND video_hash = $2 AND state <> 'REJECTED'
		)`, minerUID, videoHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

// AdmitSubmission runs admission as a single SERIALIZABLE transaction that
// re-reads the active cycle, enforces the sliding-hour rate limit, checks
// the prompt is active, and inserts the submission, so a partial failure
// never leaks rate-limit budget.
func (p *Postgres) AdmitSubmission(ctx context.Context, s domain.NewSubmission) (*domain.Submission, error) {
	var out domain.Submission
	err := serializable(ctx, p.pool, func(tx pgx.Tx) error {
		var cycleID int64
		err := tx.QueryRow(ctx, `SELECT id FROM cycles WHERE state = 'ACTIVE' LIMIT 1`).Scan(&cycleID)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNoOpenCycle()
		}
		if err != nil {
			return fmt.Errorf("read active cycle: %w", err)
		}

		var active bool
		err = tx.QueryRow(ctx, `SELECT active FROM prompts WHERE id = $1`, s.PromptID).Scan(&active)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !active) {
			return domain.ErrUnknownPrompt(s.PromptID)
		}
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}

		cutoff := s.SubmittedAt.Add(-rateWindow)
		var count int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM miner_rate_counters
			WHERE miner_uid = $1 AND admitted_at > $2`, s.MinerUID, cutoff).Scan(&count); err != nil {
			return fmt.Errorf("count rate: %w", err)
		}
		if count >= rateLimit {
			return domain.ErrRateLimited(s.MinerUID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO submissions (
				uuid, cycle_id, prompt_id, miner_uid, miner_hotkey, video_key, video_hash,
				duration_sec, width, height, fps, camera_type, actor_type, action_description,
				signature, state, submitted_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,'PENDING',$16)`,
			s.UUID, cycleID, s.PromptID, s.MinerUID, s.MinerHotkey, s.VideoKey, s.VideoHash,
			s.DurationSec, s.Width, s.Height, s.FPS, s.CameraType, s.ActorType, s.ActionDescription,
			s.Signature, s.SubmittedAt); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO miner_rate_counters (miner_uid, admitted_at) VALUES ($1, $2)`,
			s.MinerUID, s.SubmittedAt); err != nil {
			return fmt.Errorf("insert rate counter: %w", err)
		}

		out = domain.Submission{
			UUID: s.UUID, CycleID: cycleID, PromptID: s.PromptID, MinerUID: s.MinerUID,
			MinerHotkey: s.MinerHotkey, VideoKey: s.VideoKey, VideoHash: s.VideoHash,
			DurationSec: s.DurationSec, Width: s.Width, Height: s.Height, FPS: s.FPS,
			CameraType: s.CameraType, ActorType: s.ActorType, ActionDescription: s.ActionDescription,
			State: domain.SubmissionPending, SubmittedAt: s.SubmittedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LeasePending uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never lease the same row.
func (p *Postgres) LeasePending(ctx context.Context, workerID string, n int, leaseDuration time.Duration) ([]domain.Submission, error) {
	var out []domain.Submission
	err := serializable(ctx, p.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT uuid FROM submissions
			WHERE state = 'PENDING' OR (state = 'EVALUATING' AND lease_expires_at < now())
			ORDER BY submitted_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, n)
		if err != nil {
			return fmt.Errorf("select lease candidates: %w", err)
		}
		var uuids []string
		for rows.Next() {
			var u string
			if err := rows.Scan(&u); err != nil {
				rows.Close()
				return fmt.Errorf("scan lease candidate: %w", err)
			}
			uuids = append(uuids, u)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, u := range uuids {
			row := tx.QueryRow(ctx, `
				UPDATE submissions
				SET state = 'EVALUATING', lease_owner = $1, lease_expires_at = now() + $2::interval
				WHERE uuid = $3
				RETURNING uuid, cycle_id, prompt_id, miner_uid, miner_hotkey, video_key, video_hash,
					duration_sec, width, height, fps, camera_type, actor_type, action_description,
					signature, state, lease_owner, lease_expires_at, vlm_failure_count, submitted_at,
					evaluated_at, rejection_reason`,
				workerID, fmt.Sprintf("%d seconds", int(leaseDuration.Seconds())), u)
			var s domain.Submission
			var leaseExpires *time.Time
			var evaluatedAt *time.Time
			var rejection *string
			if err := row.Scan(&s.UUID, &s.CycleID, &s.PromptID, &s.MinerUID, &s.MinerHotkey, &s.VideoKey,
				&s.VideoHash, &s.DurationSec, &s.Width, &s.Height, &s.FPS, &s.CameraType, &s.ActorType,
				&s.ActionDescription, &s.Signature, &s.State, &s.LeaseOwner, &leaseExpires,
				&s.VLMFailureCount, &s.SubmittedAt, &evaluatedAt, &rejection); err != nil {
				return fmt.Errorf("update lease: %w", err)
			}
			s.LeaseExpiresAt = leaseExpires
			s.EvaluatedAt = evaluatedAt
			if rejection != nil {
				s.RejectionReason = domain.RejectionReason(*rejection)
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) RenewLease(ctx context.Context, workerID, submissionUUID string, extension time.Duration) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE submissions SET lease_expires_at = now() + $1::interval
		WHERE uuid = $2 AND state = 'EVALUATING' AND lease_owner = $3`,
		fmt.Sprintf("%d seconds", int(extension.Seconds())), submissionUUID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost(submissionUUID)
	}
	return nil
}

func (p *Postgres) CommitScored(ctx context.Context, workerID, submissionUUID string, outcome domain.Scored) error {
	return serializable(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE submissions SET state = 'SCORED', evaluated_at = now(), lease_owner = NULL, lease_expires_at = NULL
			WHERE uuid = $1 AND state = 'EVALUATING' AND lease_owner = $2`, submissionUUID, workerID)
		if err != nil {
			return fmt.Errorf("update submission scored: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrLeaseLost(submissionUUID)
		}

		final := 0.2*outcome.Technical + 0.5*outcome.Relevance + 0.3*outcome.Quality
		detailsJSON, err := json.Marshal(outcome.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO evaluations (submission_uuid, technical_score, relevance_score, quality_score,
				final_score, details, model_version, prompt_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			submissionUUID, outcome.Technical, outcome.Relevance, outcome.Quality, final,
			detailsJSON, outcome.ModelVersion, outcome.PromptVersion); err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
		return nil
	})
}

func (p *Postgres) CommitRejected(ctx context.Context, workerID, submissionUUID string, outcome domain.Rejected) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE submissions
		SET state = 'REJECTED', evaluated_at = now(), rejection_reason = $1, lease_owner = NULL, lease_expires_at = NULL
		WHERE uuid = $2 AND state = 'EVALUATING' AND lease_owner = $3`,
		string(outcome.Reason), submissionUUID, workerID)
	if err != nil {
		return fmt.Errorf("update submission rejected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost(submissionUUID)
	}
	return nil
}

func (p *Postgres) RegisterVLMFailure(ctx context.Context, workerID, submissionUUID string) (bool, error) {
	var exhausted bool
	err := serializable(ctx, p.pool, func(tx pgx.Tx) error {
		var count int
		row := tx.QueryRow(ctx, `
			UPDATE submissions SET vlm_failure_count = vlm_failure_count + 1
			WHERE uuid = $1 AND state = 'EVALUATING' AND lease_owner = $2
			RETURNING vlm_failure_count`, submissionUUID, workerID)
		if err := row.Scan(&count); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrLeaseLost(submissionUUID)
			}
			return fmt.Errorf("increment vlm failure: %w", err)
		}
		if count > vlmRetryBudget {
			exhausted = true
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE submissions SET state = 'PENDING', lease_owner = NULL, lease_expires_at = NULL
			WHERE uuid = $1 AND lease_owner = $2`, submissionUUID, workerID); err != nil {
			return fmt.Errorf("release for retry: %w", err)
		}
		return nil
	})
	return exhausted, err
}

func (p *Postgres) GetSubmission(ctx context.Context, uuid string) (*domain.Submission, *domain.Evaluation, error) {
	var s domain.Submission
	var leaseOwner *string
	var leaseExpires *time.Time
	var evaluatedAt *time.Time
	var rejection *string
	row := p.pool.QueryRow(ctx, `
		SELECT uuid, cycle_id, prompt_id, miner_uid, miner_hotkey, video_key, video_hash,
			duration_sec, width, height, fps, camera_type, actor_type, action_description,
			state, lease_owner, lease_expires_at, vlm_failure_count, submitted_at, evaluated_at, rejection_reason
		FROM submissions WHERE uuid = $1`, uuid)
	if err := row.Scan(&s.UUID, &s.CycleID, &s.PromptID, &s.MinerUID, &s.MinerHotkey, &s.VideoKey, &s.VideoHash,
		&s.DurationSec, &s.Width, &s.Height, &s.FPS, &s.CameraType, &s.ActorType, &s.ActionDescription,
		&s.State, &leaseOwner, &leaseExpires, &s.VLMFailureCount, &s.SubmittedAt, &evaluatedAt, &rejection); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, domain.ErrNotFound("submission")
		}
		return nil, nil, fmt.Errorf("get submission: %w", err)
	}
	if leaseOwner != nil {
		s.LeaseOwner = *leaseOwner
	}
	s.LeaseExpiresAt = leaseExpires
	s.EvaluatedAt = evaluatedAt
	if rejection != nil {
		s.RejectionReason = domain.RejectionReason(*rejection)
	}

	if s.State != domain.SubmissionScored {
		return &s, nil, nil
	}

	var e domain.Evaluation
	var detailsJSON []byte
	row = p.pool.QueryRow(ctx, `
		SELECT submission_uuid, technical_score, relevance_score, quality_score, final_score,
			details, model_version, prompt_version, created_at
		FROM evaluations WHERE submission_uuid = $1`, uuid)
	if err := row.Scan(&e.SubmissionUUID, &e.TechnicalScore, &e.RelevanceScore, &e.QualityScore,
		&e.FinalScore, &detailsJSON, &e.Details.ModelVersion, &e.Details.PromptVersion, &e.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("get evaluation: %w", err)
	}
	_ = json.Unmarshal(detailsJSON, &e.Details)
	return &s, &e, nil
}

func (p *Postgres) GetScoredInCycle(ctx context.Context, cycleID int64) ([]domain.Submission, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT uuid, cycle_id, miner_uid, submitted_at FROM submissions
		WHERE cycle_id = $1 AND state = 'SCORED' ORDER BY submitted_at`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list scored: %w", err)
	}
	defer rows.Close()
	var out []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.UUID, &s.CycleID, &s.MinerUID, &s.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan scored: %w", err)
		}
		s.State = domain.SubmissionScored
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetScoresForCycle(ctx context.Context, cycleID int64) ([]domain.MinerScore, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.miner_uid, sum(e.final_score), count(*)
		FROM submissions s JOIN evaluations e ON e.submission_uuid = s.uuid
		WHERE s.cycle_id = $1 AND s.state = 'SCORED'
		GROUP BY s.miner_uid ORDER BY s.miner_uid`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("scores for cycle: %w", err)
	}
	defer rows.Close()
	var out []domain.MinerScore
	for rows.Next() {
		var ms domain.MinerScore
		if err := rows.Scan(&ms.MinerUID, &ms.TotalScore, &ms.Count); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

func (p *Postgres) GetWeights(ctx context.Context, cycleID int64) (*domain.CycleWeights, error) {
	return p.scanWeights(ctx, `
		SELECT cycle_id, block_number, weights, weights_u16, created_at
		FROM cycle_weights WHERE cycle_id = $1`, cycleID)
}

func (p *Postgres) GetLatestWeights(ctx context.Context) (*domain.CycleWeights, error) {
	return p.scanWeights(ctx, `
		SELECT cycle_id, block_number, weights, weights_u16, created_at
		FROM cycle_weights ORDER BY cycle_id DESC LIMIT 1`)
}

func (p *Postgres) scanWeights(ctx context.Context, query string, args ...any) (*domain.CycleWeights, error) {
	row := p.pool.QueryRow(ctx, query, args...)
	var out domain.CycleWeights
	var weightsJSON, weightsU16JSON []byte
	if err := row.Scan(&out.CycleID, &out.BlockNumber, &weightsJSON, &weightsU16JSON, &out.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound("cycle weights")
		}
		return nil, fmt.Errorf("get weights: %w", err)
	}
	out.Weights = map[int64]float64{}
	out.WeightsU16 = map[int64]uint16{}
	_ = json.Unmarshal(weightsJSON, &out.Weights)
	_ = json.Unmarshal(weightsU16JSON, &out.WeightsU16)
	return &out, nil
}

func (p *Postgres) RecentScoredForDupWindow(ctx context.Context, cycleID int64, minerUID int64, global bool) ([]domain.Submission, error) {
	query := `
		SELECT uuid, cycle_id, miner_uid, video_key, video_hash, duration_sec, submitted_at FROM submissions
		WHERE state = 'SCORED' AND cycle_id IN ($1, $2)`
	args := []any{cycleID, cycleID - 1}
	if !global {
		query += ` AND miner_uid = $3`
		args = append(args, minerUID)
	}
	query += ` ORDER BY submitted_at`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dup window: %w", err)
	}
	defer rows.Close()
	var out []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.UUID, &s.CycleID, &s.MinerUID, &s.VideoKey, &s.VideoHash, &s.DurationSec, &s.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan dup window: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) TryAcquireVLMSlot(ctx context.Context, windowStart time.Time, limit int) (bool, error) {
	var acquired bool
	err := serializable(ctx, p.pool, func(tx pgx.Tx) error {
		var count int
		err := tx.QueryRow(ctx, `
			SELECT count FROM vlm_rate_limiter WHERE window_start = $1 FOR UPDATE`, windowStart).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			count = 0
			if _, err := tx.Exec(ctx, `INSERT INTO vlm_rate_limiter (window_start, count) VALUES ($1, 0)`, windowStart); err != nil {
				return fmt.Errorf("init vlm window: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("read vlm window: %w", err)
		}
		if count >= limit {
			acquired = false
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE vlm_rate_limiter SET count = count + 1 WHERE window_start = $1`, windowStart); err != nil {
			return fmt.Errorf("increment vlm window: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

var _ Store = (*Postgres)(nil)
