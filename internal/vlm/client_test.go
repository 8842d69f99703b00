package vlm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func withFastBackoff(t *testing.T) {
	t.Helper()
	orig := backoffSchedule
	backoffSchedule = []time.Duration{time.Millisecond, time.Millisecond}
	t.Cleanup(func() { backoffSchedule = orig })
}

func jsonRubric(w http.ResponseWriter, content string) {
	var resp chatResponse
	resp.Choices = make([]struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}, 1)
	resp.Choices[0].Message.Content = content
	_ = json.NewEncoder(w).Encode(resp)
}

func TestScore_SucceedsFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonRubric(w, `{"action_match":0.9,"perspective":0.8,"demo_quality":0.7,"training_utility":0.6}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "model-x")
	rubric, err := c.Score(context.Background(), Request{Scenario: "pick up a cup"})
	require.NoError(t, err)
	require.InDelta(t, 0.9, rubric.ActionMatch, 1e-9)
	require.InDelta(t, 0.40*0.9+0.20*0.8+0.20*0.7+0.20*0.6, rubric.RelevanceScore(), 1e-9)
}

func TestScore_RetriesOn5xxThenSucceeds(t *testing.T) {
	withFastBackoff(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonRubric(w, `{"action_match":1,"perspective":1,"demo_quality":1,"training_utility":1}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "model-x")
	rubric, err := c.Score(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1.0, rubric.ActionMatch)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestScore_PersistentFailureReturnsError(t *testing.T) {
	withFastBackoff(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "model-x")
	_, err := c.Score(context.Background(), Request{})
	require.Error(t, err)
}
