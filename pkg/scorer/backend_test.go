package scorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchrun/worker/pkg/models"
)

func TestHTTPBackend_RetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": `{"score":1,"reason":"ok"}`}}},
		})
	}))
	defer srv.Close()

	backend := NewHTTPBackend(time.Second, 5)
	raw, err := backend.Call(context.Background(),
		models.ScorerConfig{ScorerID: "s1", APIStyle: "openai", BaseURL: srv.URL, Model: "gpt"},
		"tok", models.CaseResult{Status: models.CaseStatusSuccess, Output: "ok"})

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	score, reason, ok := ParseScore(raw)
	require.True(t, ok)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, "ok", reason)
}

func TestHTTPBackend_NonRetryableStatusFailsImmediately(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	backend := NewHTTPBackend(time.Second, 5)
	_, err := backend.Call(context.Background(),
		models.ScorerConfig{ScorerID: "s1", APIStyle: "openai", BaseURL: srv.URL}, "tok",
		models.CaseResult{Status: models.CaseStatusSuccess})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 401 must not be retried")
}

func TestHTTPBackend_AnthropicExtractsContentBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"text": `{"score":0.5,"reason":"partial"}`}},
		})
	}))
	defer srv.Close()

	backend := NewHTTPBackend(time.Second, 2)
	raw, err := backend.Call(context.Background(),
		models.ScorerConfig{ScorerID: "s1", APIStyle: "anthropic", BaseURL: srv.URL, Model: "claude"},
		"tok", models.CaseResult{Status: models.CaseStatusSuccess})
	require.NoError(t, err)

	score, reason, ok := ParseScore(raw)
	require.True(t, ok)
	assert.Equal(t, 0.5, score)
	assert.Equal(t, "partial", reason)
}
