// Package domain holds the core entities and invariants of the cycle-coordinated
// evaluation pipeline: prompts, cycles, submissions, evaluations, and weights.
package domain

import "time"

// CycleState is the monotone state of a collection cycle.
type CycleState string

const (
	CycleActive     CycleState = "ACTIVE"
	CycleEvaluating CycleState = "EVALUATING"
	CycleCompleted  CycleState = "COMPLETED"
)

// SubmissionState is the lifecycle state of one submitted video.
type SubmissionState string

const (
	SubmissionPending    SubmissionState = "PENDING"
	SubmissionEvaluating SubmissionState = "EVALUATING"
	SubmissionScored     SubmissionState = "SCORED"
	SubmissionRejected   SubmissionState = "REJECTED"
)

// RejectionReason is a closed enumeration surfaced to submitters.
type RejectionReason string

const (
	RejectionHashMismatch  RejectionReason = "HASH_MISMATCH"
	RejectionTechnical     RejectionReason = "TECHNICAL"
	RejectionVLMUnavailable RejectionReason = "VLM_UNAVAILABLE"
)

type CameraType string

const (
	CameraEgoHead    CameraType = "ego_head"
	CameraEgoChest   CameraType = "ego_chest"
	CameraEgoWrist   CameraType = "ego_wrist"
	CameraRobotHead  CameraType = "robot_head"
	CameraRobotWrist CameraType = "robot_wrist"
)

type ActorType string

const (
	ActorHuman          ActorType = "human"
	ActorRobot          ActorType = "robot"
	ActorHumanWithRobot ActorType = "human_with_robot"
)

// Requirements constrains what a Prompt accepts.
type Requirements struct {
	MinDuration float64 `json:"min_duration"`
	MaxDuration float64 `json:"max_duration"`
}

// Prompt is immutable after creation except Active.
type Prompt struct {
	ID           string       `json:"id"`
	Category     string       `json:"category"`
	Task         string       `json:"task"`
	Scenario     string       `json:"scenario"`
	Requirements Requirements `json:"requirements"`
	Weight       float64      `json:"weight"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
}

// PromptCategoryCount is the response shape for /v1/prompts/categories.
type PromptCategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Cycle is the fixed-duration collection window state machine: exactly one
// cycle may be ACTIVE or EVALUATING at a time, and a cycle only moves
// forward (ACTIVE -> EVALUATING -> COMPLETED).
type Cycle struct {
	ID           int64      `json:"id"`
	State        CycleState `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	EvaluatingAt *time.Time `json:"evaluating_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CycleStatus is the aggregate status surfaced over /v1/cycles/status.
type CycleStatus struct {
	ActiveCycleID        *int64     `json:"active_cycle_id,omitempty"`
	ActiveCycleStartedAt *time.Time `json:"active_cycle_started_at,omitempty"`
	EvaluatingCycleID    *int64     `json:"evaluating_cycle_id,omitempty"`
	LastCompletedCycleID *int64     `json:"last_completed_cycle_id,omitempty"`
	TotalCycles          int64      `json:"total_cycles"`
}

// NewSubmission is the caller-supplied record admitted into the pipeline.
type NewSubmission struct {
	UUID              string
	PromptID          string
	MinerUID          int64
	MinerHotkey       string
	VideoKey          string
	VideoHash         string
	DurationSec       float64
	Width             int
	Height            int
	FPS               float64
	CameraType        CameraType
	ActorType         ActorType
	ActionDescription string
	Signature         string
	SubmittedAt       time.Time
}

// Submission is one miner-supplied video bound to exactly one cycle. It
// moves PENDING -> EVALUATING -> {SCORED, REJECTED} and never backward.
type Submission struct {
	UUID              string          `json:"uuid"`
	CycleID           int64           `json:"cycle_id"`
	PromptID          string          `json:"prompt_id"`
	MinerUID          int64           `json:"miner_uid"`
	MinerHotkey       string          `json:"miner_hotkey"`
	VideoKey          string          `json:"video_key"`
	VideoHash         string          `json:"video_hash"`
	DurationSec       float64         `json:"duration_sec"`
	Width             int             `json:"width"`
	Height            int             `json:"height"`
	FPS               float64         `json:"fps"`
	CameraType        CameraType      `json:"camera_type"`
	ActorType         ActorType       `json:"actor_type"`
	ActionDescription string          `json:"action_description,omitempty"`
	Signature         string          `json:"-"`
	State             SubmissionState `json:"state"`
	LeaseOwner        string          `json:"-"`
	LeaseExpiresAt    *time.Time      `json:"-"`
	VLMFailureCount   int             `json:"-"`
	SubmittedAt       time.Time       `json:"submitted_at"`
	EvaluatedAt       *time.Time      `json:"evaluated_at,omitempty"`
	RejectionReason   RejectionReason `json:"rejection_reason,omitempty"`
}

// EvaluationDetails carries the sub-scores and provenance behind a final score.
type EvaluationDetails struct {
	ResolutionScore  float64 `json:"resolution_score"`
	FPSScore         float64 `json:"fps_score"`
	DurationScore    float64 `json:"duration_score"`
	ActionMatch      float64 `json:"action_match"`
	Perspective      float64 `json:"perspective"`
	DemoQuality      float64 `json:"demo_quality"`
	TrainingUtility  float64 `json:"training_utility"`
	DuplicateOf      string  `json:"duplicate_of,omitempty"`
	Similarity       float64 `json:"similarity,omitempty"`
	ModelVersion     string  `json:"model_version"`
	PromptVersion    string  `json:"prompt_version"`
}

// Evaluation exists iff the submission's terminal state is SCORED.
type Evaluation struct {
	SubmissionUUID string            `json:"submission_uuid"`
	TechnicalScore float64           `json:"technical_score"`
	RelevanceScore float64           `json:"relevance_score"`
	QualityScore   float64           `json:"quality_score"`
	FinalScore     float64           `json:"final_score"`
	Details        EvaluationDetails `json:"details"`
	CreatedAt      time.Time         `json:"created_at"`
}

// WeightsU16 is the weight map projected onto [0, 65535].
type WeightsU16 struct {
	UIDs    []int64  `json:"uids"`
	Weights []uint16 `json:"weights"`
}

// CycleWeights exists iff the cycle is COMPLETED.
type CycleWeights struct {
	CycleID     int64              `json:"cycle_id"`
	BlockNumber *int64             `json:"block_number,omitempty"`
	Weights     map[int64]float64  `json:"weights"`
	WeightsU16  map[int64]uint16   `json:"weights_u16"`
	CreatedAt   time.Time          `json:"created_at"`
}

// MinerScore is one row of a per-miner score breakdown.
type MinerScore struct {
	MinerUID   int64   `json:"miner_uid"`
	TotalScore float64 `json:"total_score"`
	Count      int     `json:"submission_count"`
}

// Scored is a terminal-accept outcome for commit_evaluation.
type Scored struct {
	Technical     float64           `json:"technical_score"`
	Relevance     float64           `json:"relevance_score"`
	Quality       float64           `json:"quality_score"`
	Details       EvaluationDetails `json:"details"`
	ModelVersion  string            `json:"model_version"`
	PromptVersion string            `json:"prompt_version"`
}

// Rejected is a terminal-reject outcome for commit_evaluation.
type Rejected struct {
	Reason RejectionReason `json:"rejection_reason"`
}
