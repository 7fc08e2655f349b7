// Package anthropic implements the Anthropic upstream adapter on the
// official SDK, translating between the OpenAI-shaped normalized request and
// the Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/octanelabs/relay/internal/providers"
)

// Adapter talks to the Anthropic Messages API. The API key arrives per call.
type Adapter struct {
	client anthropic.Client
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
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Adapter{client: anthropic.NewClient(opts...)}
}

func (a *Adapter) Type() string { return "anthropic" }

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{
		providers.CapChatCompletion,
		providers.CapCompletion,
		providers.CapListModels,
	}
}

func (a *Adapter) Chat(ctx context.Context, secret string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(req)

	msg, err := a.client.Messages.New(ctx, params, option.WithAPIKey(secret))
	if err != nil {
		return nil, normalizeError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: stopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, secret string, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	params := buildParams(req)

	stream := a.client.Messages.NewStreaming(ctx, params, option.WithAPIKey(secret))

	// First event is pulled synchronously: setup failures stay fallback-safe.
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err != nil {
			return nil, normalizeError(err)
		}
		ch := make(chan providers.StreamChunk)
		close(ch)
		return ch, nil
	}

	ch := make(chan providers.StreamChunk, 64)
	first := stream.Current()

	go func() {
		defer close(ch)
		defer stream.Close()

		emit := func(ev anthropic.MessageStreamEventUnion) bool {
			chunk, ok := toChunk(ev)
			if !ok {
				return true
			}
			select {
			case ch <- chunk:
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

// ListModels implements providers.ModelLister.
func (a *Adapter) ListModels(ctx context.Context, secret string) ([]string, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{}, option.WithAPIKey(secret))
	if err != nil {
		return nil, normalizeError(err)
	}
	names := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		names = append(names, string(m.ID))
	}
	return names, nil
}

// toChunk extracts a deliverable delta from a stream event. Non-text events
// (pings, block starts) are skipped.
func toChunk(ev anthropic.MessageStreamEventUnion) (providers.StreamChunk, bool) {
	switch variant := ev.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text != "" {
				return providers.StreamChunk{Content: delta.Text}, true
			}
		case *anthropic.TextDelta:
			if delta.Text != "" {
				return providers.StreamChunk{Content: delta.Text}, true
			}
		}
	case anthropic.MessageDeltaEvent:
		if variant.Delta.StopReason != "" {
			return providers.StreamChunk{FinishReason: stopReason(string(variant.Delta.StopReason))}, true
		}
	}
	return providers.StreamChunk{}, false
}

func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var system string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			// The Messages API carries the system prompt out of band.
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := providers.DefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params
}

// stopReason maps Anthropic stop reasons onto OpenAI finish reasons.
func stopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return r
	}
}

func normalizeError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &providers.CallError{
			Outcome: providers.ClassifyStatus(apiErr.StatusCode),
			Status:  apiErr.StatusCode,
			Message: fmt.Sprintf("anthropic: %s", apiErr.Error()),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.CallError{Outcome: providers.OutcomeTimeout, Message: "anthropic: request timed out"}
	}
	return &providers.CallError{
		Outcome: providers.Classify(err),
		Message: fmt.Sprintf("anthropic: %v", err),
	}
}
