package gemini

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

// Counter returns exact token counts from the model's tokenizer
type Counter struct {
	client *genai.Client
	model  string
}

// NewCounter creates a counter for model
func NewCounter(client *genai.Client, model string) (*Counter, error) {
	if client == nil {
		return nil, errors.New("gemini client is required")
	}
	if model == "" {
		return nil, errors.New("token counter model is required")
	}
	return &Counter{client: client, model: model}, nil
}

// CountTokens returns the provider's token count for text
func (c *Counter) CountTokens(ctx context.Context, text string) (int, error) {
	resp, err := c.client.Models.CountTokens(ctx, c.model, genai.Text(text), nil)
	if err != nil {
		return 0, wrapError(err)
	}
	if resp.TotalTokens <= 0 {
		return 0, errors.New("countTokens returned no tokens")
	}
	return int(resp.TotalTokens), nil
}
