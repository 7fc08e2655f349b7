// Package openai implements the OpenAI upstream adapter using the official
// Go SDK. It is a passthrough dialect: the normalized request shape is the
// OpenAI wire shape.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/octanelabs/relay/internal/providers"
	"github.com/octanelabs/relay/internal/ratelimit"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter talks to OpenAI (or any endpoint exposing the same API under a
// different base URL). The API key arrives per call, never at construction.
type Adapter struct {
	client openaiSDK.Client
}

// New creates an Adapter. baseURL == "" uses the public endpoint; timeout
// ≤ 0 uses providers.DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if baseURL != "" && baseURL != defaultBaseURL {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Adapter{client: openaiSDK.NewClient(opts...)}
}

func (a *Adapter) Type() string { return "openai" }

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{
		providers.CapChatCompletion,
		providers.CapCompletion,
		providers.CapEmbedding,
		providers.CapListModels,
	}
}

func (a *Adapter) Chat(ctx context.Context, secret string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(req)

	resp, err := a.client.Chat.Completions.New(ctx, params, option.WithAPIKey(secret))
	if err != nil {
		return nil, normalizeError(err)
	}

	out := &providers.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

func (a *Adapter) ChatStream(ctx context.Context, secret string, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	params := buildParams(req)

	stream := a.client.Chat.Completions.NewStreaming(ctx, params, option.WithAPIKey(secret))

	// Pull the first event synchronously so that pre-body failures surface
	// as a plain error and the engine can still fall back.
	ch := make(chan providers.StreamChunk, 64)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err != nil {
			return nil, normalizeError(err)
		}
		close(ch) // upstream produced an empty, well-formed stream
		return ch, nil
	}

	first := stream.Current()

	go func() {
		defer close(ch)
		defer stream.Close()

		emit := func(chunk openaiSDK.ChatCompletionChunk) bool {
			if len(chunk.Choices) == 0 {
				return true
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				return true
			}
			select {
			case ch <- providers.StreamChunk{
				Index:        int(c.Index),
				Content:      c.Delta.Content,
				FinishReason: c.FinishReason,
			}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(first) {
			return
		}
		for stream.Next() {
			if !emit(stream.Current()) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- providers.StreamChunk{FinishReason: "error"}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, secret string, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	resp, err := a.client.Embeddings.New(ctx, params, option.WithAPIKey(secret))
	if err != nil {
		return nil, normalizeError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: vec}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

// ListModels implements providers.ModelLister.
func (a *Adapter) ListModels(ctx context.Context, secret string) ([]string, error) {
	page, err := a.client.Models.List(ctx, option.WithAPIKey(secret))
	if err != nil {
		return nil, normalizeError(err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// normalizeError maps SDK errors into the shared taxonomy.
func normalizeError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		outcome := providers.ClassifyStatus(apiErr.StatusCode)
		if apiErr.StatusCode == 429 && strings.Contains(apiErr.Error(), "insufficient_quota") {
			outcome = providers.OutcomeQuotaExhausted
		}
		ce := &providers.CallError{
			Outcome: outcome,
			Status:  apiErr.StatusCode,
			Message: fmt.Sprintf("openai: %s", apiErr.Error()),
		}
		if outcome == providers.OutcomeRateLimited && apiErr.Response != nil {
			ce.RetryAfter = ratelimit.ParseRetryAfter(
				apiErr.Response.Header.Get("Retry-After"), maxRetryAfter)
		}
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.CallError{Outcome: providers.OutcomeTimeout, Message: "openai: request timed out"}
	}
	return &providers.CallError{
		Outcome: providers.Classify(err),
		Message: fmt.Sprintf("openai: %v", err),
	}
}

// maxRetryAfter bounds how long an upstream Retry-After hint is honored.
const maxRetryAfter = 60 * time.Second
