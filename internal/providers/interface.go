package providers

import (
	"context"
)

// Generator defines the interface for text generation providers
type Generator interface {
	// Name returns the provider name
	Name() string

	// Complete performs a non-streaming completion
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamComplete performs a streaming completion. The channel is closed
	// when the stream ends or ctx is cancelled.
	StreamComplete(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// TokenCounter returns the provider's token count for a piece of text
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// CompletionRequest is a single prompt plus ordered media for one call
type CompletionRequest struct {
	Model             string      `json:"model"`
	SystemInstruction string      `json:"system_instruction,omitempty"`
	Prompt            string      `json:"prompt"`
	Media             []MediaPart `json:"media,omitempty"`
	Temperature       *float32    `json:"temperature,omitempty"`
	MaxTokens         *int        `json:"max_tokens,omitempty"`
	Stream            bool        `json:"stream"`
}

// MediaPart is a normalized media reference sent alongside the prompt
type MediaPart struct {
	URI      string `json:"file_uri"`
	MimeType string `json:"mime_type"`
}

// CompletionResponse represents a non-streaming response
type CompletionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a chunk in a streaming response
type StreamChunk struct {
	Delta        string `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}
