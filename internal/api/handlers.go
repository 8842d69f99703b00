package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/threetau/kibotos/internal/admission"
	"github.com/threetau/kibotos/internal/domain"
)

// errorBody is the {code, message} shape returned for every non-2xx
// response.
type errorBody struct {
	Code    domain.ErrCode `json:"code"`
	Message string         `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a CodedError to its HTTP status; any other error is an
// opaque 500, since there's no stable code for infrastructure faults.
func writeError(w http.ResponseWriter, err error) {
	var ce *domain.CodedError
	if errors.As(err, &ce) {
		writeJSON(w, statusForCode(ce.Code), errorBody{Code: ce.Code, Message: ce.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: domain.CodeInternal, Message: "internal error"})
}

func statusForCode(code domain.ErrCode) int {
	switch code {
	case domain.CodeValidation, domain.CodeBadSignature:
		return http.StatusBadRequest
	case domain.CodeDuplicate, domain.CodeAlreadyActive, domain.CodeWrongState, domain.CodeHasPending:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeUnknownPrompt, domain.CodeNoOpenCycle, domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeLeaseLost:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": buildVersion})
}

func (s *Server) handleCycleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetCycleStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	prompts, err := s.store.ListPrompts(r.Context(), category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (s *Server) handlePromptCategories(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.ListPromptCategories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if cached, ok := s.promptCache.Get(id); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	p, err := s.store.GetPrompt(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.promptCache.Add(id, *p)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	if s.adminToken == "" || r.Header.Get("Authorization") != "Bearer "+s.adminToken {
		writeError(w, domain.NewCodedError(domain.CodeValidation, "missing or invalid admin credentials"))
		return
	}
	var p domain.Prompt
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, domain.ErrValidation("malformed json body"))
		return
	}
	if p.ID == "" || p.Category == "" || p.Scenario == "" {
		writeError(w, domain.ErrValidation("id, category, and scenario are required"))
		return
	}
	created, err := s.store.CreatePrompt(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.promptCache.Remove(p.ID)
	writeJSON(w, http.StatusCreated, created)
}

type presignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrValidation("malformed json body"))
		return
	}
	if req.Filename == "" {
		writeError(w, domain.ErrValidation("filename is required"))
		return
	}
	upload, err := s.objects.PresignUpload(r.Context(), req.Filename, req.ContentType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url": upload.URL, "video_key": upload.VideoKey, "expires_at": upload.ExpiresAt,
	})
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req admission.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrValidation("malformed json body"))
		return
	}
	sub, err := s.admission.Admit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"uuid": sub.UUID})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	sub, eval, err := s.store.GetSubmission(r.Context(), uuid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submission": sub, "evaluation": eval})
}

type evaluateFetchRequest struct {
	WorkerID string `json:"worker_id"`
	Limit    int    `json:"limit"`
}

func (s *Server) handleEvaluateFetch(w http.ResponseWriter, r *http.Request) {
	var req evaluateFetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrValidation("malformed json body"))
		return
	}
	if req.WorkerID == "" {
		writeError(w, domain.ErrValidation("worker_id is required"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}
	leased, err := s.store.LeasePending(r.Context(), req.WorkerID, req.Limit, defaultLeaseDuration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leased)
}

const defaultLeaseDuration = 2 * time.Minute

// evaluateOutcome is the wire shape of an internal /v1/evaluate/submit call:
// exactly one of Scored or Rejected is set.
type evaluateOutcome struct {
	Scored   *domain.Scored   `json:"scored,omitempty"`
	Rejected *domain.Rejected `json:"rejected,omitempty"`
}

type evaluateSubmitRequest struct {
	WorkerID string          `json:"worker_id"`
	UUID     string          `json:"uuid"`
	Outcome  evaluateOutcome `json:"outcome"`
}

func (s *Server) handleEvaluateSubmit(w http.ResponseWriter, r *http.Request) {
	var req evaluateSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrValidation("malformed json body"))
		return
	}
	if req.WorkerID == "" || req.UUID == "" {
		writeError(w, domain.ErrValidation("worker_id and uuid are required"))
		return
	}

	switch {
	case req.Outcome.Scored != nil:
		if err := s.store.CommitScored(r.Context(), req.WorkerID, req.UUID, *req.Outcome.Scored); err != nil {
			writeError(w, err)
			return
		}
	case req.Outcome.Rejected != nil:
		if err := s.store.CommitRejected(r.Context(), req.WorkerID, req.UUID, *req.Outcome.Rejected); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, domain.ErrValidation("outcome.scored or outcome.rejected is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

type evaluateRenewRequest struct {
	WorkerID   string `json:"worker_id"`
	UUID       string `json:"uuid"`
	ExtendSec  int    `json:"extend_sec"`
}

func (s *Server) handleEvaluateRenew(w http.ResponseWriter, r *http.Request) {
	var req evaluateRenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrValidation("malformed json body"))
		return
	}
	if req.WorkerID == "" || req.UUID == "" {
		writeError(w, domain.ErrValidation("worker_id and uuid are required"))
		return
	}
	extend := time.Duration(req.ExtendSec) * time.Second
	if extend <= 0 {
		extend = defaultLeaseDuration
	}
	if err := s.store.RenewLease(r.Context(), req.WorkerID, req.UUID, extend); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renewed"})
}

func (s *Server) handleScoresLatest(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetCycleStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if status.LastCompletedCycleID == nil {
		writeError(w, domain.ErrNotFound("completed cycle"))
		return
	}
	s.writeScores(w, r, *status.LastCompletedCycleID)
}

func (s *Server) handleScoresForCycle(w http.ResponseWriter, r *http.Request) {
	id, err := parseCycleID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeScores(w, r, id)
}

func (s *Server) writeScores(w http.ResponseWriter, r *http.Request, cycleID int64) {
	scores, err := s.store.GetScoresForCycle(r.Context(), cycleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}

func (s *Server) handleWeightsLatest(w http.ResponseWriter, r *http.Request) {
	weights, err := s.store.GetLatestWeights(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWeightsResponse(weights))
}

func (s *Server) handleWeightsForCycle(w http.ResponseWriter, r *http.Request) {
	id, err := parseCycleID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	weights, err := s.store.GetWeights(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWeightsResponse(weights))
}

// weightsResponse is the
// `{cycle_id, block_number?, weights, weights_u16: {uids, weights}}` wire
// shape for a completed cycle's weights.
type weightsResponse struct {
	CycleID     int64             `json:"cycle_id"`
	BlockNumber *int64            `json:"block_number,omitempty"`
	Weights     map[int64]float64 `json:"weights"`
	WeightsU16  domain.WeightsU16 `json:"weights_u16"`
	CreatedAt   time.Time         `json:"created_at"`
}

func toWeightsResponse(cw *domain.CycleWeights) weightsResponse {
	u16 := domain.WeightsU16{UIDs: make([]int64, 0, len(cw.WeightsU16)), Weights: make([]uint16, 0, len(cw.WeightsU16))}
	for uid, w := range cw.WeightsU16 {
		u16.UIDs = append(u16.UIDs, uid)
		u16.Weights = append(u16.Weights, w)
	}
	return weightsResponse{
		CycleID: cw.CycleID, BlockNumber: cw.BlockNumber, Weights: cw.Weights,
		WeightsU16: u16, CreatedAt: cw.CreatedAt,
	}
}

func parseCycleID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["cycle_id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.ErrValidation("cycle_id must be an integer")
	}
	return id, nil
}
