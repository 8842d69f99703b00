// Package worker implements the Evaluator Worker: a horizontally-scalable
// stateless process that leases PENDING submissions and runs them through
// a three-stage evaluation pipeline (technical validation, VLM relevance
// scoring, duplicate-adjusted quality).
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/ratelimit"
	"github.com/threetau/kibotos/internal/store"
	"github.com/threetau/kibotos/internal/vlm"
)

const keyframeCount = 8

var validCodecs = map[string]bool{"h264": true, "h265": true, "vp8": true, "vp9": true, "av1": true}
var validContainers = map[string]bool{"mp4": true, "webm": true, "mov": true, "avi": true, "mkv": true}

const tolerance = 0.02 // ±2% allowed drift between declared and probed technical fields

// Downloader fetches raw video bytes by object-store key.
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Pipeline holds every external collaborator Stage 1-3 need.
type Pipeline struct {
	Downloader  Downloader
	Prober      VideoProber
	Extractor   KeyframeExtractor
	VLM         *vlm.Client
	VLMLimiter  *ratelimit.VLMLimiter
	Store       store.Store

	ModelVersion  string
	PromptVersion string
}

// outcome is an internal sum type the stages communicate through; Evaluate
// converts it into the Store's Scored/Rejected shapes.
type outcome struct {
	rejected    bool
	reason      domain.RejectionReason
	vlmFailed   bool
	technical   float64
	relevance   float64
	quality     float64
	details     domain.EvaluationDetails
}

// Evaluate runs all three stages against one leased submission and its
// Prompt, returning either a terminal outcome or vlmFailed=true, which the
// caller (Worker.processOne) turns into a retry-or-reject decision via
// Store.RegisterVLMFailure.
func (p *Pipeline) Evaluate(ctx context.Context, sub domain.Submission, prompt domain.Prompt) (outcome, error) {
	data, err := p.Downloader.Download(ctx, sub.VideoKey)
	if err != nil {
		return outcome{}, fmt.Errorf("download video: %w", err)
	}

	// Stage 1: technical validation (fail-fast).
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != sub.VideoHash {
		return outcome{rejected: true, reason: domain.RejectionHashMismatch}, nil
	}

	probe, err := p.Prober.Probe(ctx, data)
	if err != nil {
		return outcome{}, fmt.Errorf("probe video: %w", err)
	}
	technical, ok := technicalScore(sub, probe)
	if !ok {
		return outcome{rejected: true, reason: domain.RejectionTechnical}, nil
	}

	// Stage 2: VLM relevance scoring.
	if p.VLMLimiter != nil {
		if err := p.VLMLimiter.Wait(ctx); err != nil {
			return outcome{}, fmt.Errorf("wait for vlm slot: %w", err)
		}
	}
	frames, err := p.Extractor.Extract(ctx, data, sub.DurationSec, keyframeCount)
	if err != nil {
		return outcome{}, fmt.Errorf("extract keyframes: %w", err)
	}
	kfs := make([]vlm.Keyframe, len(frames))
	for i, f := range frames {
		kfs[i] = vlm.Keyframe{OffsetSec: sub.DurationSec * float64(i) / float64(keyframeCount), JPEGBytes: f}
	}
	stage2Ctx, cancel := context.WithTimeout(ctx, stage2Deadline)
	defer cancel()
	rubric, err := p.VLM.Score(stage2Ctx, vlm.Request{
		Scenario:          prompt.Scenario,
		ActionDescription: sub.ActionDescription,
		CameraType:        sub.CameraType,
		ActorType:         sub.ActorType,
		Keyframes:         kfs,
	})
	if err != nil {
		return outcome{vlmFailed: true}, nil
	}
	relevance := rubric.RelevanceScore()

	// Stage 3: quality / duplicate detection.
	quality, dupDetails, err := p.qualityScore(ctx, sub, frames)
	if err != nil {
		return outcome{}, fmt.Errorf("quality stage: %w", err)
	}

	details := domain.EvaluationDetails{
		ResolutionScore: resolutionClass(sub, probe),
		FPSScore:        fpsClass(sub, probe),
		DurationScore:   durationClass(sub, probe),
		ActionMatch:     rubric.ActionMatch,
		Perspective:     rubric.Perspective,
		DemoQuality:     rubric.DemoQuality,
		TrainingUtility: rubric.TrainingUtility,
		ModelVersion:    p.ModelVersion,
		PromptVersion:   p.PromptVersion,
	}
	details.DuplicateOf = dupDetails.DuplicateOf
	details.Similarity = dupDetails.Similarity

	return outcome{technical: technical, relevance: relevance, quality: quality, details: details}, nil
}

const stage2Deadline = 5 * time.Minute

func technicalScore(sub domain.Submission, probe ProbeResult) (float64, bool) {
	if !validCodecs[probe.Codec] || !validContainers[probe.Container] {
		return 0, false
	}
	if !withinTolerance(sub.DurationSec, probe.Duration) ||
		!withinTolerance(sub.FPS, probe.FPS) ||
		!withinTolerance(float64(sub.Width), float64(probe.Width)) ||
		!withinTolerance(float64(sub.Height), float64(probe.Height)) {
		return 0, false
	}
	score := (resolutionClass(sub, probe) + fpsClass(sub, probe) + durationClass(sub, probe)) / 3.0
	return score, true
}

func withinTolerance(declared, actual float64) bool {
	if declared == 0 {
		return actual == 0
	}
	return math.Abs(actual-declared)/declared <= tolerance
}

func resolutionClass(sub domain.Submission, probe ProbeResult) float64 {
	return classScore(float64(sub.Width*sub.Height), float64(probe.Width*probe.Height))
}

func fpsClass(sub domain.Submission, probe ProbeResult) float64 {
	return classScore(sub.FPS, probe.FPS)
}

func durationClass(sub domain.Submission, probe ProbeResult) float64 {
	return classScore(sub.DurationSec, probe.Duration)
}

// classScore returns 1.0 when actual equals declared and decays linearly
// with the relative difference to 0 at 3x tolerance, so a borderline pass
// (at the tolerance limit) nets about 0.67 instead of a hard 0/1 cliff.
func classScore(declared, actual float64) float64 {
	if declared == 0 {
		if actual == 0 {
			return 1
		}
		return 0
	}
	diff := math.Abs(actual-declared) / declared
	score := 1 - diff/(3*tolerance)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// qualityScore implements Stage 3: a perceptual-hash duplicate check against
// the same-miner and global windows of SCORED submissions in the current
// and prior cycle.
func (p *Pipeline) qualityScore(ctx context.Context, sub domain.Submission, frames [][]byte) (float64, domain.EvaluationDetails, error) {
	if len(frames) == 0 {
		return 1.0, domain.EvaluationDetails{}, nil
	}
	hash, err := dHash(frames[len(frames)/2])
	if err != nil {
		// A keyframe that fails to decode is a worker-side fault, not a
		// miner fault: treat as no duplicate evidence rather than reject.
		return 1.0, domain.EvaluationDetails{}, nil
	}

	candidates, err := p.Store.RecentScoredForDupWindow(ctx, sub.CycleID, sub.MinerUID, true)
	if err != nil {
		return 0, domain.EvaluationDetails{}, err
	}

	best := 0.0
	var bestUUID string
	for _, other := range candidates {
		if other.UUID == sub.UUID {
			continue
		}
		otherData, err := p.Downloader.Download(ctx, other.VideoKey)
		if err != nil {
			continue
		}
		otherFrames, err := p.Extractor.Extract(ctx, otherData, other.DurationSec, keyframeCount)
		if err != nil || len(otherFrames) == 0 {
			continue
		}
		otherHash, err := dHash(otherFrames[len(otherFrames)/2])
		if err != nil {
			continue
		}
		sim := similarity(hammingDistance(hash, otherHash))
		if sim > best {
			best = sim
			bestUUID = other.UUID
		}
	}

	if best < 0.9 {
		return 1.0, domain.EvaluationDetails{}, nil
	}
	quality := clamp01(1 - best)
	return quality, domain.EvaluationDetails{DuplicateOf: bestUUID, Similarity: best}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
