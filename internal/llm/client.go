package llm

import (
	"context"
	"fmt"
	"strings"
)

// Client is the minimal completion interface the purpose annotator needs
type Client interface {
	// Complete sends a single-prompt completion request and returns the text
	Complete(ctx context.Context, prompt string) (string, error)
	// GetModelName returns the model name
	GetModelName() string
}

// NewClient constructs a client for the given vendor. An empty API key
// yields an error; callers treat a missing client as "annotation disabled".
func NewClient(vendor, model, apiKey string) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "openai":
		return NewOpenAIClient(apiKey, model)
	case "anthropic", "":
		return NewAnthropicClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unsupported model vendor %q", vendor)
	}
}
