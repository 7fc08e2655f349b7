// Package customhttp adapts any upstream that implements the OpenAI chat
// completions API under its own base URL (self-hosted vLLM, LiteLLM,
// OpenRouter-style aggregators, and the like).
//
// It reuses the OpenAI SDK pointed at the configured endpoint; the provider
// record's base URL is required.
package customhttp

import (
	"fmt"
	"time"

	"github.com/octanelabs/relay/internal/providers"
	"github.com/octanelabs/relay/internal/providers/openai"
)

// Adapter is a thin wrapper renaming the OpenAI adapter for custom
// endpoints: identical wire behavior, distinct provider type tag.
type Adapter struct {
	*openai.Adapter
}

// New creates an Adapter for an OpenAI-compatible upstream at baseURL.
func New(baseURL string, timeout time.Duration) (*Adapter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("customhttp: base URL is required")
	}
	return &Adapter{Adapter: openai.New(baseURL, timeout)}, nil
}

func (a *Adapter) Type() string { return "custom-http" }

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{
		providers.CapChatCompletion,
		providers.CapCompletion,
		providers.CapEmbedding,
		providers.CapListModels,
	}
}
