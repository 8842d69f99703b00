package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/objectstore"
	"github.com/threetau/kibotos/internal/signature"
	"github.com/threetau/kibotos/internal/store"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

type fakePresigner struct{}

func (fakePresigner) PresignUpload(ctx context.Context, filename, contentType string) (*objectstore.PresignedUpload, error) {
	return &objectstore.PresignedUpload{URL: "https://example.test/put", VideoKey: "uploads/x/" + filename, ExpiresAt: time.Now().Add(15 * time.Minute)}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return New(st, fakePresigner{}, "admin-secret"), st
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEveryResponseCarriesARequestID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set(requestIDHeader, "caller-supplied-id")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, "caller-supplied-id", rec.Header().Get(requestIDHeader))
}

func TestCreatePrompt_RequiresAdminToken(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/admin/prompts", domain.Prompt{ID: "p1", Category: "c", Scenario: "s"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndGetPrompt(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/prompts", mustJSON(t, domain.Prompt{ID: "p1", Category: "kitchen", Task: "pick", Scenario: "pick up a cup", Active: true}))
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/prompts/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Prompt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "kitchen", got.Category)

	// Second read should be served from cache but return identical data.
	rec = doJSON(t, s, http.MethodGet, "/v1/prompts/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cached domain.Prompt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cached))
	require.Equal(t, got, cached)
}

func TestPresignUpload(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/upload/presign", map[string]string{"filename": "clip.mp4", "content_type": "video/mp4"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp["video_key"], "clip.mp4")
}

func TestCreateSubmission_EndToEnd(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()
	_, err := st.OpenCycle(ctx)
	require.NoError(t, err)
	_, err = st.CreatePrompt(ctx, domain.Prompt{ID: "p1", Category: "kitchen", Scenario: "pick up a cup", Active: true})
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	hotkey := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	videoHash := strings.Repeat("a", 64)
	submittedAt := time.Now().UTC()
	digest := signature.Digest(signature.Fields{VideoHash: videoHash, VideoKey: "uploads/x/clip.mp4", PromptID: "p1", MinerUID: 1, SubmittedAt: submittedAt})
	sig := ecdsa.Sign(priv, digest[:])

	body := map[string]any{
		"uuid": "11111111-1111-1111-1111-111111111111", "prompt_id": "p1", "miner_uid": 1,
		"miner_hotkey": hotkey, "video_key": "uploads/x/clip.mp4", "video_hash": videoHash,
		"duration_sec": 10, "width": 1920, "height": 1080, "fps": 30,
		"camera_type": "ego_head", "actor_type": "human", "signature": hex.EncodeToString(sig.Serialize()),
		"submitted_at": submittedAt,
	}
	rec := doJSON(t, s, http.MethodPost, "/v1/submissions", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestScoresAndWeights_NotFoundBeforeAnyCompletedCycle(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/scores/latest", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/weights/latest", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func mustJSON(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}
