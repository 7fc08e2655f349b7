// Package ollama implements the adapter for a local or remote Ollama server.
//
// Ollama speaks its own JSON dialect: /api/chat for chat (NDJSON when
// streaming), /api/embed for embeddings, /api/tags for installed models.
// No SDK exists, so this adapter drives net/http directly.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/octanelabs/relay/internal/providers"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter talks to one Ollama server. Ollama itself is unauthenticated, but
// deployments behind a reverse proxy may require a bearer token, so the
// per-call secret is forwarded when non-empty.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// New creates an Adapter. baseURL == "" targets the local default.
func New(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Type() string { return "ollama" }

func (a *Adapter) Capabilities() []providers.Capability {
	return []providers.Capability{
		providers.CapChatCompletion,
		providers.CapCompletion,
		providers.CapEmbedding,
		providers.CapListModels,
	}
}

type (
	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatOptions struct {
		Temperature *float64 `json:"temperature,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
		NumPredict  *int     `json:"num_predict,omitempty"`
	}

	chatRequest struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
		Stream   bool          `json:"stream"`
		Options  *chatOptions  `json:"options,omitempty"`
	}

	// chatResponse is one /api/chat body: the full response when unary, one
	// NDJSON line when streaming.
	chatResponse struct {
		Model           string      `json:"model"`
		Message         chatMessage `json:"message"`
		Done            bool        `json:"done"`
		DoneReason      string      `json:"done_reason"`
		PromptEvalCount int         `json:"prompt_eval_count"`
		EvalCount       int         `json:"eval_count"`
	}

	embedRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}

	embedResponse struct {
		Model           string      `json:"model"`
		Embeddings      [][]float32 `json:"embeddings"`
		PromptEvalCount int         `json:"prompt_eval_count"`
	}

	tagsResponse struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

func (a *Adapter) Chat(ctx context.Context, secret string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	body, err := a.do(ctx, secret, "/api/chat", buildChatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp chatResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &providers.CallError{
			Outcome: providers.OutcomeServerError,
			Message: fmt.Sprintf("ollama: malformed response: %v", err),
		}
	}

	return &providers.ChatResponse{
		Model:        resp.Model,
		Content:      resp.Message.Content,
		FinishReason: doneReason(resp.DoneReason),
		Usage: providers.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		},
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, secret string, req *providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	body, err := a.do(ctx, secret, "/api/chat", buildChatRequest(req, true))
	if err != nil {
		return nil, err
	}

	// Decode the first NDJSON line synchronously so that a broken stream
	// surfaces before the attempt is committed.
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first, err := nextLine(scanner)
	if err != nil {
		body.Close()
		return nil, &providers.CallError{
			Outcome: providers.OutcomeServerError,
			Message: fmt.Sprintf("ollama: stream: %v", err),
		}
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer body.Close()

		emit := func(line chatResponse) bool {
			chunk := providers.StreamChunk{Content: line.Message.Content}
			if line.Done {
				chunk.FinishReason = doneReason(line.DoneReason)
			}
			if chunk.Content == "" && chunk.FinishReason == "" {
				return true
			}
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		line := first
		for {
			if !emit(line) {
				return
			}
			if line.Done {
				return
			}
			next, err := nextLine(scanner)
			if err != nil {
				select {
				case ch <- providers.StreamChunk{FinishReason: "error"}:
				case <-ctx.Done():
				}
				return
			}
			line = next
		}
	}()

	return ch, nil
}

// Embed implements providers.Embedder via /api/embed.
func (a *Adapter) Embed(ctx context.Context, secret string, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	body, err := a.do(ctx, secret, "/api/embed", embedRequest{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp embedResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &providers.CallError{
			Outcome: providers.OutcomeServerError,
			Message: fmt.Sprintf("ollama: malformed response: %v", err),
		}
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		data[i] = providers.EmbeddingData{Index: i, Embedding: vec}
	}
	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: resp.PromptEvalCount},
	}, nil
}

// ListModels implements providers.ModelLister via /api/tags.
func (a *Adapter) ListModels(ctx context.Context, secret string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// do POSTs payload and returns the response body on 200, or a classified
// CallError otherwise.
func (a *Adapter) do(ctx context.Context, secret, path string, payload any) (io.ReadCloser, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func buildChatRequest(req *providers.ChatRequest, stream bool) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	out := chatRequest{Model: req.Model, Messages: msgs, Stream: stream}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		out.Options = &chatOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		}
	}
	return out
}

func nextLine(scanner *bufio.Scanner) (chatResponse, error) {
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var line chatResponse
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			return chatResponse{}, err
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return chatResponse{}, err
	}
	return chatResponse{}, io.ErrUnexpectedEOF
}

func doneReason(r string) string {
	switch r {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return r
	}
}

func statusError(resp *http.Response) error {
	msg := "ollama: upstream error"
	var body errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8192)).Decode(&body); err == nil && body.Error != "" {
		msg = "ollama: " + body.Error
	}
	return &providers.CallError{
		Outcome: providers.ClassifyStatus(resp.StatusCode),
		Status:  resp.StatusCode,
		Message: msg,
	}
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &providers.CallError{Outcome: providers.OutcomeTimeout, Message: "ollama: request timed out"}
	}
	return &providers.CallError{
		Outcome: providers.Classify(err),
		Message: fmt.Sprintf("ollama: %v", err),
	}
}
