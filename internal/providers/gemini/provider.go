package gemini

import (
	"context"
	"errors"
	"iter"

	"google.golang.org/genai"

	"github.com/agentx/raven-backend/internal/providers"
)

// Provider generates replies with Gemini models. Media parts are sent as
// file data so video, audio and documents reach the model natively.
type Provider struct {
	client *genai.Client
	model  string
}

// NewProvider creates a generator using model unless a request names another
func NewProvider(client *genai.Client, model string) (*Provider, error) {
	if client == nil {
		return nil, errors.New("gemini client is required")
	}
	if model == "" {
		return nil, errors.New("gemini model is required")
	}
	return &Provider{client: client, model: model}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "gemini"
}

// Complete performs a non-streaming completion
func (p *Provider) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.CompletionResponse, error) {
	model, contents, cfg := p.convertRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("completion returned no candidates")
	}

	out := &providers.CompletionResponse{
		ID:           resp.ResponseID,
		Model:        resp.ModelVersion,
		Content:      resp.Text(),
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = providers.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// StreamComplete sends the request and reads the first event before
// returning so that rejected requests reach the caller directly. Later
// failures arrive as Error chunks.
func (p *Provider) StreamComplete(ctx context.Context, req providers.CompletionRequest) (<-chan providers.StreamChunk, error) {
	model, contents, cfg := p.convertRequest(req)

	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, cfg))
	resp, err, ok := next()
	if err != nil {
		stop()
		return nil, wrapError(err)
	}

	chunks := make(chan providers.StreamChunk)
	send := func(chunk providers.StreamChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(chunks)
		defer stop()

		for ; ok; resp, err, ok = next() {
			if err != nil {
				if ctx.Err() == nil {
					send(providers.StreamChunk{Error: wrapError(err).Error()})
				}
				return
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			chunk := providers.StreamChunk{
				Delta:        resp.Text(),
				FinishReason: string(resp.Candidates[0].FinishReason),
			}
			if chunk.Delta == "" && chunk.FinishReason == "" {
				continue
			}
			if !send(chunk) {
				return
			}
		}
	}()

	return chunks, nil
}

func (p *Provider) convertRequest(req providers.CompletionRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, m := range req.Media {
		parts = append(parts, genai.NewPartFromURI(m.URI, m.MimeType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{Temperature: req.Temperature}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}
	return model, contents, cfg
}
