package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/threetau/kibotos/internal/domain"
	"github.com/threetau/kibotos/internal/store"
	"github.com/threetau/kibotos/internal/vlm"
)

type fakeDownloader map[string][]byte

func (f fakeDownloader) Download(ctx context.Context, key string) ([]byte, error) {
	return f[key], nil
}

type fakeProber struct{ result ProbeResult }

func (f fakeProber) Probe(ctx context.Context, data []byte) (ProbeResult, error) {
	return f.result, nil
}

type fakeExtractor struct{ frames [][]byte }

func (f fakeExtractor) Extract(ctx context.Context, data []byte, durationSec float64, k int) ([][]byte, error) {
	return f.frames, nil
}

// dupStore overrides only RecentScoredForDupWindow; any other call panics on
// the nil embedded Store, which no test below exercises.
type dupStore struct {
	store.Store
	candidates []domain.Submission
}

func (d dupStore) RecentScoredForDupWindow(ctx context.Context, cycleID int64, minerUID int64, global bool) ([]domain.Submission, error) {
	return d.candidates, nil
}

func newVLMServer(t *testing.T, rubric string) *vlm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		resp.Choices = make([]struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}, 1)
		resp.Choices[0].Message.Content = rubric
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return vlm.New(srv.URL, "key", "model-x")
}

func solidGreenJPEG() []byte {
	// A 16x16 solid-color JPEG is enough for image.Decode and dHash; built
	// once per test via a tiny in-process encoder would add a dependency,
	// so tests that need real image bytes use image/jpeg directly.
	return encodeSolidJPEG(16, 16, 0x40)
}

func TestPipeline_Evaluate_HashMismatchRejects(t *testing.T) {
	data := []byte("video-bytes")
	sub := domain.Submission{UUID: "s1", VideoKey: "k1", VideoHash: "deadbeef"}
	p := &Pipeline{
		Downloader: fakeDownloader{"k1": data},
		Prober:     fakeProber{},
		Extractor:  fakeExtractor{},
		Store:      dupStore{},
	}
	out, err := p.Evaluate(context.Background(), sub, domain.Prompt{})
	require.NoError(t, err)
	require.True(t, out.rejected)
	require.Equal(t, domain.RejectionHashMismatch, out.reason)
}

func TestPipeline_Evaluate_TechnicalMismatchRejects(t *testing.T) {
	data := []byte("video-bytes")
	sum := sha256.Sum256(data)
	sub := domain.Submission{
		UUID: "s1", VideoKey: "k1", VideoHash: hex.EncodeToString(sum[:]),
		DurationSec: 10, FPS: 30, Width: 1920, Height: 1080,
	}
	p := &Pipeline{
		Downloader: fakeDownloader{"k1": data},
		Prober: fakeProber{result: ProbeResult{
			Codec: "h264", Container: "mp4",
			Duration: 2, FPS: 30, Width: 1920, Height: 1080, // duration way off tolerance
		}},
		Extractor: fakeExtractor{},
		Store:     dupStore{},
	}
	out, err := p.Evaluate(context.Background(), sub, domain.Prompt{})
	require.NoError(t, err)
	require.True(t, out.rejected)
	require.Equal(t, domain.RejectionTechnical, out.reason)
}

func TestPipeline_Evaluate_FullSuccessScoresAllStages(t *testing.T) {
	data := []byte("video-bytes")
	sum := sha256.Sum256(data)
	frame := solidGreenJPEG()
	sub := domain.Submission{
		UUID: "s1", VideoKey: "k1", VideoHash: hex.EncodeToString(sum[:]),
		DurationSec: 10, FPS: 30, Width: 1920, Height: 1080,
	}
	p := &Pipeline{
		Downloader: fakeDownloader{"k1": data},
		Prober: fakeProber{result: ProbeResult{
			Codec: "h264", Container: "mp4",
			Duration: 10, FPS: 30, Width: 1920, Height: 1080,
		}},
		Extractor: fakeExtractor{frames: [][]byte{frame, frame, frame}},
		VLM:       newVLMServer(t, `{"action_match":0.8,"perspective":0.8,"demo_quality":0.8,"training_utility":0.8}`),
		Store:     dupStore{},
	}
	out, err := p.Evaluate(context.Background(), sub, domain.Prompt{Scenario: "pick up the cup"})
	require.NoError(t, err)
	require.False(t, out.rejected)
	require.False(t, out.vlmFailed)
	require.InDelta(t, 1.0, out.technical, 1e-9)
	require.InDelta(t, 0.8, out.relevance, 1e-9)
	require.InDelta(t, 1.0, out.quality, 1e-9)
}

func TestPipeline_Evaluate_VLMFailureReportsVLMFailed(t *testing.T) {
	data := []byte("video-bytes")
	sum := sha256.Sum256(data)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := domain.Submission{
		UUID: "s1", VideoKey: "k1", VideoHash: hex.EncodeToString(sum[:]),
		DurationSec: 10, FPS: 30, Width: 1920, Height: 1080,
	}
	p := &Pipeline{
		Downloader: fakeDownloader{"k1": data},
		Prober: fakeProber{result: ProbeResult{
			Codec: "h264", Container: "mp4",
			Duration: 10, FPS: 30, Width: 1920, Height: 1080,
		}},
		Extractor: fakeExtractor{frames: [][]byte{solidGreenJPEG()}},
		VLM:       vlm.New(srv.URL, "key", "model-x"),
		Store:     dupStore{},
	}
	out, err := p.Evaluate(context.Background(), sub, domain.Prompt{})
	require.NoError(t, err)
	require.True(t, out.vlmFailed)
}

func TestPipeline_Evaluate_DuplicateLowersQuality(t *testing.T) {
	data := []byte("video-bytes")
	sum := sha256.Sum256(data)
	frame := solidGreenJPEG()
	sub := domain.Submission{
		UUID: "s1", VideoKey: "k1", VideoHash: hex.EncodeToString(sum[:]),
		DurationSec: 10, FPS: 30, Width: 1920, Height: 1080,
	}
	p := &Pipeline{
		Downloader: fakeDownloader{"k1": data, "k2": data},
		Prober: fakeProber{result: ProbeResult{
			Codec: "h264", Container: "mp4",
			Duration: 10, FPS: 30, Width: 1920, Height: 1080,
		}},
		Extractor: fakeExtractor{frames: [][]byte{frame, frame, frame}},
		VLM:       newVLMServer(t, `{"action_match":1,"perspective":1,"demo_quality":1,"training_utility":1}`),
		Store: dupStore{candidates: []domain.Submission{
			{UUID: "other", VideoKey: "k2"},
		}},
	}
	out, err := p.Evaluate(context.Background(), sub, domain.Prompt{})
	require.NoError(t, err)
	require.False(t, out.rejected)
	require.Less(t, out.quality, 0.5)
	require.Equal(t, "other", out.details.DuplicateOf)
}
