package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/agentx/raven-backend/internal/config"
	"github.com/agentx/raven-backend/internal/providers"
)

const testKey = "secret-key"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*genai.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(context.Background(), config.GeminiConfig{
		APIKey:  testKey,
		BaseURL: server.URL + "/",
	}, server.Client())
	require.NoError(t, err)
	return client, server
}

func TestCountTokens(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:countTokens", r.URL.Path)
		assert.Equal(t, testKey, r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.URL.Query().Get("key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, fmt.Sprint(body["contents"]), "hello world")

		fmt.Fprint(w, `{"totalTokens": 3}`)
	})

	counter, err := NewCounter(client, "gemini-2.0-flash")
	require.NoError(t, err)

	n, err := counter.CountTokens(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCountTokens_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`},
		{"bad json", http.StatusOK, `not json`},
		{"zero tokens", http.StatusOK, `{"totalTokens": 0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			counter, err := NewCounter(client, "m")
			require.NoError(t, err)

			_, err = counter.CountTokens(context.Background(), "text")
			assert.Error(t, err)
		})
	}
}

func TestCountTokens_StatusIsClassified(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	})
	counter, err := NewCounter(client, "m")
	require.NoError(t, err)

	_, err = counter.CountTokens(context.Background(), "text")
	var apiErr *providers.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, providers.Retryable(err))
}

func TestCountTokens_KeyStaysOutOfErrors(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	counter, err := NewCounter(client, "m")
	require.NoError(t, err)

	_, err = counter.CountTokens(context.Background(), "text")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testKey)
}

func TestNewCounter_Validation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := NewCounter(nil, "m")
	assert.Error(t, err)
	_, err = NewCounter(client, "")
	assert.Error(t, err)
}

func TestNewClient_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, config.GeminiConfig{Backend: "gemini"}, nil)
	assert.Error(t, err)
	_, err = NewClient(ctx, config.GeminiConfig{Backend: "vertex", Location: "us-central1"}, nil)
	assert.Error(t, err)
	_, err = NewClient(ctx, config.GeminiConfig{Backend: "bedrock", APIKey: "k"}, nil)
	assert.Error(t, err)
}
