package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"n8n-studio-client/internal/config"
	"n8n-studio-client/internal/pkg/logger"
)

func newAPIClient(baseURL string, ttl time.Duration) *APIClient {
	cfg := &config.Config{
		Server:  config.ServerConfig{APIBaseURL: baseURL, HTTPTimeout: 5 * time.Second},
		Storage: config.StorageConfig{TemplateCacheTTL: ttl},
	}
	return NewAPIClient(cfg, logger.NewNopLogger())
}

func TestTemplatesCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/templates", r.URL.Path)
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"templates": []map[string]interface{}{
				{"id": "tpl-1", "name": "Slack Alert", "category": "notifications", "usage_count": 3},
			},
		})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Minute)

	first, err := client.Templates(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "Slack Alert", first[0].Name)
	assert.Equal(t, 3, first[0].UsageCount)

	_, err = client.Templates(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "second call must be served from cache")
}

func TestTemplatesCacheExpires(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{"templates": []interface{}{}})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, 10*time.Millisecond)

	_, err := client.Templates(context.Background())
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = client.Templates(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
			"services":  map[string]interface{}{"ollama": map[string]interface{}{"status": "available"}},
		})
	}))
	defer srv.Close()

	health, err := newAPIClient(srv.URL, time.Minute).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Contains(t, health.Services, "ollama")
}

func TestFallbackErrorCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Service unhealthy: ollama"})
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL, time.Minute).Health(context.Background())
	require.Error(t, err)

	var fbErr *FallbackError
	require.ErrorAs(t, err, &fbErr)
	assert.Equal(t, http.StatusServiceUnavailable, fbErr.StatusCode)
	assert.Equal(t, "Service unhealthy: ollama", fbErr.Detail)
}

func TestChatResponseAsPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"response": "I could not generate a workflow for that.",
			"metadata": map[string]interface{}{"confidence": 0.1},
		})
	}))
	defer srv.Close()

	result, err := newAPIClient(srv.URL, time.Minute).Chat(context.Background(), "hi", uuid.New())
	require.NoError(t, err)
	assert.Nil(t, result.Workflow)
	assert.Equal(t, "I could not generate a workflow for that.", result.Text)
	assert.Equal(t, 0.1, result.Metadata.ConfidenceOrZero())
}

func TestSubmitFeedbackValidation(t *testing.T) {
	var received atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/feedback", r.URL.Path)
		received.Store(true)
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Minute)

	err := client.SubmitFeedback(context.Background(), FeedbackRequest{
		SessionId:    uuid.NewString(),
		MessageId:    uuid.NewString(),
		Rating:       9, // out of range
		FeedbackType: "helpful",
	})
	require.Error(t, err, "rating outside 1..5 must fail locally")
	assert.False(t, received.Load(), "invalid feedback must not reach the server")

	err = client.SubmitFeedback(context.Background(), FeedbackRequest{
		SessionId:    uuid.NewString(),
		MessageId:    uuid.NewString(),
		Rating:       5,
		FeedbackType: "helpful",
		Comment:      "spot on",
	})
	require.NoError(t, err)
	assert.True(t, received.Load())
}

func TestHistoryEndpoint(t *testing.T) {
	sessionId := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/"+sessionId.String()+"/history", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"history": []map[string]string{{"role": "user", "content": "q"}},
		})
	}))
	defer srv.Close()

	entries, err := newAPIClient(srv.URL, time.Minute).History(context.Background(), sessionId)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "q", entries[0].Content)
}
