// Package mock implements the scriptable in-process provider used by tests
// and by provider records of type "mock" (smoke deployments with no real
// upstream).
package mock

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/octanelabs/relay/internal/providers"
)

// Adapter returns canned responses by default; install function hooks to
// script failures, streams, or captured assertions. Call counters are atomic
// so tests can assert from other goroutines.
type Adapter struct {
	ChatFn       func(ctx context.Context, secret string, req *providers.ChatRequest) (*providers.ChatResponse, error)
	ChatStreamFn func(ctx context.Context, secret string, req *providers.ChatRequest) (<-chan providers.StreamChunk, error)
	EmbedFn      func(ctx context.Context, secret string, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)

	chatCalls   atomic.Int64
	streamCalls atomic.Int64
	embedCalls  atomic.Int64
}

// New creates a mock adapter with canned success responses.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Type() string { return "mock" }

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{
		providers.CapChatCompletion,
		providers.CapCompletion,
		providers.CapEmbedding,
		providers.CapListModels,
	}
}

// ChatCalls returns how many unary chat calls the adapter served.
func (a *Adapter) ChatCalls() int64 { return a.chatCalls.Load() }

// StreamCalls returns how many streaming chat calls the adapter served.
func (a *Adapter) StreamCalls() int64 { return a.streamCalls.Load() }

// EmbedCalls returns how many embedding calls the adapter served.
func (a *Adapter) EmbedCalls() int64 { return a.embedCalls.Load() }

func (a *Adapter) Chat(ctx context.Context, secret string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	a.chatCalls.Add(1)
	if a.ChatFn != nil {
		return a.ChatFn(ctx, secret, req)
	}
	return &providers.ChatResponse{
		ID:           "mock-" + req.RequestID,
		Model:        req.Model,
		Content:      fmt.Sprintf("mock response for %s", req.Model),
		FinishReason: "stop",
		Usage:        providers.Usage{InputTokens: 8, OutputTokens: 4},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, secret string, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	a.streamCalls.Add(1)
	if a.ChatStreamFn != nil {
		return a.ChatStreamFn(ctx, secret, req)
	}
	ch := make(chan providers.StreamChunk, 3)
	ch <- providers.StreamChunk{Content: "mock "}
	ch <- providers.StreamChunk{Content: "stream"}
	ch <- providers.StreamChunk{FinishReason: "stop"}
	close(ch)
	return ch, nil
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, secret string, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	a.embedCalls.Add(1)
	if a.EmbedFn != nil {
		return a.EmbedFn(ctx, secret, req)
	}
	data := make([]providers.EmbeddingData, len(req.Input))
	for i := range req.Input {
		data[i] = providers.EmbeddingData{Index: i, Embedding: []float32{0.1, 0.2, 0.3}}
	}
	return &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: len(req.Input) * 4},
	}, nil
}

// ListModels implements providers.ModelLister.
func (a *Adapter) ListModels(context.Context, string) ([]string, error) {
	return []string{"mock-small", "mock-large"}, nil
}
