// Package admission validates and accepts incoming submissions: schema,
// signature, dedup, then the Store's atomic rate-limit/active-cycle/prompt
// checks.
package admission

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/signature"
	"github.com/threetau/kibotos/internal/store"
)

var validCameraTypes = map[domain.CameraType]bool{
	domain.CameraEgoHead: true, domain.CameraEgoChest: true, domain.CameraEgoWrist: true,
	domain.CameraRobotHead: true, domain.CameraRobotWrist: true,
}

var validActorTypes = map[domain.ActorType]bool{
	domain.ActorHuman: true, domain.ActorRobot: true, domain.ActorHumanWithRobot: true,
}

// Request is the wire-level submission payload.
type Request struct {
	UUID              string            `json:"uuid"`
	PromptID          string            `json:"prompt_id"`
	MinerUID          int64             `json:"miner_uid"`
	MinerHotkey       string            `json:"miner_hotkey"`
	VideoKey          string            `json:"video_key"`
	VideoHash         string            `json:"video_hash"`
	DurationSec       float64           `json:"duration_sec"`
	Width             int               `json:"width"`
	Height            int               `json:"height"`
	FPS               float64           `json:"fps"`
	CameraType        domain.CameraType `json:"camera_type"`
	ActorType         domain.ActorType  `json:"actor_type"`
	ActionDescription string            `json:"action_description,omitempty"`
	Signature         string            `json:"signature"`
	SubmittedAt       time.Time         `json:"submitted_at"`
}

// Service runs the ordered admission checks: schema, signature, dedup,
// then the Store's atomic acceptance.
type Service struct {
	store store.Store
}

func New(s store.Store) *Service {
	return &Service{store: s}
}

// Admit runs schema validation, signature verification, dedup, then the
// Store's atomic admit_submission, in that order, returning the first
// failure encountered.
func (s *Service) Admit(ctx context.Context, req Request) (*domain.Submission, error) {
	if err := validateSchema(req); err != nil {
		return nil, err
	}

	ok, err := signature.Verify(req.MinerHotkey, req.Signature, signature.Fields{
		VideoHash:   req.VideoHash,
		VideoKey:    req.VideoKey,
		PromptID:    req.PromptID,
		MinerUID:    req.MinerUID,
		SubmittedAt: req.SubmittedAt,
	})
	if err != nil || !ok {
		return nil, domain.ErrBadSignature()
	}

	dup, err := s.store.DuplicateExists(ctx, req.MinerUID, req.VideoHash)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if dup {
		return nil, domain.ErrDuplicate(req.MinerUID, req.VideoHash)
	}

	return s.store.AdmitSubmission(ctx, domain.NewSubmission{
		UUID:              req.UUID,
		PromptID:          req.PromptID,
		MinerUID:          req.MinerUID,
		MinerHotkey:       req.MinerHotkey,
		VideoKey:          req.VideoKey,
		VideoHash:         req.VideoHash,
		DurationSec:       req.DurationSec,
		Width:             req.Width,
		Height:            req.Height,
		FPS:               req.FPS,
		CameraType:        req.CameraType,
		ActorType:         req.ActorType,
		ActionDescription: req.ActionDescription,
		Signature:         req.Signature,
		SubmittedAt:       req.SubmittedAt,
	})
}

func validateSchema(req Request) error {
	if req.UUID == "" {
		return domain.ErrValidation("uuid is required")
	}
	if req.PromptID == "" {
		return domain.ErrValidation("prompt_id is required")
	}
	if req.MinerHotkey == "" {
		return domain.ErrValidation("miner_hotkey is required")
	}
	if len(req.VideoHash) != 64 {
		return domain.ErrValidation("video_hash must be 64 hex characters")
	}
	if _, err := hex.DecodeString(req.VideoHash); err != nil {
		return domain.ErrValidation("video_hash must be hex-encoded")
	}
	if req.DurationSec < 1 || req.DurationSec > 300 {
		return domain.ErrValidation("duration_sec must be in [1, 300]")
	}
	if req.Width < 480 {
		return domain.ErrValidation("width must be >= 480")
	}
	if req.Height < 360 {
		return domain.ErrValidation("height must be >= 360")
	}
	if req.FPS < 15 || req.FPS > 120 {
		return domain.ErrValidation("fps must be in [15, 120]")
	}
	if !validCameraTypes[req.CameraType] {
		return domain.ErrValidation("invalid camera_type")
	}
	if !validActorTypes[req.ActorType] {
		return domain.ErrValidation("invalid actor_type")
	}
	if req.Signature == "" {
		return domain.ErrValidation("signature is required")
	}
	return nil
}
