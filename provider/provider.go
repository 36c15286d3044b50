package provider

import (
	"context"
	"errors"
	"os"
	"time"

	openai_provider "github.com/winefact/winefact/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	// Structure asks the model to pull the requested fields out of a
	// document and respond with strict JSON. The raw model output is
	// returned; callers own decoding and validation because the output
	// is untrusted.
	Structure(ctx context.Context, prompt string) (string, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Options carries the model settings shared by every provider backend. An
// empty APIKey falls back to the provider's conventional environment
// variable.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int
	MaxRetries     int
	EmbeddingDim   int
	Timeout        time.Duration
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(client Client, opts Options) (Provider, error) {
	switch client {
	case OpenAI:
		if opts.APIKey == "" {
			opts.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if opts.APIKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		return openai_provider.NewOpenAIClient(openai_provider.Config{
			APIKey:          opts.APIKey,
			BaseURL:         opts.BaseURL,
			CompletionModel: opts.Model,
			EmbeddingModel:  opts.EmbeddingModel,
			Temperature:     opts.Temperature,
			MaxTokens:       opts.MaxTokens,
			MaxRetries:      opts.MaxRetries,
			EmbeddingDim:    opts.EmbeddingDim,
			Timeout:         opts.Timeout,
		}), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
