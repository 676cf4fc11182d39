// Package gemini implements generation and exact token counting on the
// Google Gen AI SDK. Media parts travel as file URIs, so gs:// objects are
// read by the model directly when the Vertex AI backend is used.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/agentx/raven-backend/internal/config"
	"github.com/agentx/raven-backend/internal/providers"
)

// NewClient creates a Gen AI client for the configured backend. httpClient
// is only used with an API key; Vertex AI builds its own authenticated
// client from application default credentials.
func NewClient(ctx context.Context, cfg config.GeminiConfig, httpClient *http.Client) (*genai.Client, error) {
	cc := &genai.ClientConfig{}
	switch cfg.Backend {
	case "", "gemini":
		if cfg.APIKey == "" {
			return nil, errors.New("gemini API key is required")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
		cc.HTTPClient = httpClient
	case "vertex":
		if cfg.Project == "" || cfg.Location == "" {
			return nil, errors.New("vertex project and location are required")
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	default:
		return nil, fmt.Errorf("unsupported gemini backend %q", cfg.Backend)
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

// wrapError carries the HTTP status of SDK errors so callers can decide
// whether to retry
func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.APIError{Provider: "gemini", StatusCode: apiErr.Code, Err: err}
	}
	return err
}
