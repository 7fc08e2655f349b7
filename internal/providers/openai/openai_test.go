package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/octanelabs/relay/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "gpt-4o",
		Messages:  []providers.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestAdapter_TypeAndCapabilities(t *testing.T) {
	a := New("", 0)
	if a.Type() != "openai" {
		t.Fatalf("type = %q", a.Type())
	}
	if !providers.Supports(a, providers.CapChatCompletion) ||
		!providers.Supports(a, providers.CapEmbedding) ||
		!providers.Supports(a, providers.CapListModels) {
		t.Error("missing declared capabilities")
	}
}

func TestChat_Success(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer per-call-secret" {
			t.Errorf("Authorization = %q, want the per-call secret", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := New(srv.URL, 5*time.Second)
	resp, err := a.Chat(context.Background(), "per-call-secret", baseRequest())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.ID != "chatcmpl-123" || resp.Content != "Hello, world!" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestChatStream_Success(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := New(srv.URL, 5*time.Second)
	ch, err := a.ChatStream(context.Background(), "sk", baseRequest())
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text string
	var finish string
	for chunk := range ch {
		text += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if finish != "stop" {
		t.Errorf("finish = %q", finish)
	}
}

func TestChatStream_HTTPErrorSurfacesBeforeCommit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	a := New(srv.URL, 5*time.Second)
	_, err := a.ChatStream(context.Background(), "sk", baseRequest())
	if err == nil {
		t.Fatal("expected pre-commit error")
	}
	if providers.Classify(err) != providers.OutcomeServerError {
		t.Errorf("outcome = %s", providers.Classify(err))
	}
}

func TestChat_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   providers.Outcome
	}{
		{401, providers.OutcomeAuthFailed},
		{429, providers.OutcomeRateLimited},
		{400, providers.OutcomeBadRequest},
		{500, providers.OutcomeServerError},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("status_%d", c.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(c.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
			}))
			defer srv.Close()

			a := New(srv.URL, 5*time.Second)
			_, err := a.Chat(context.Background(), "sk", baseRequest())
			var ce *providers.CallError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %T (%v)", err, err)
			}
			if ce.Outcome != c.want {
				t.Errorf("outcome = %s, want %s", ce.Outcome, c.want)
			}
			if ce.Status != c.status {
				t.Errorf("status = %d", ce.Status)
			}
		})
	}
}

func TestEmbed_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "embeddings") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [{"object":"embedding","index":0,"embedding":[0.25,-0.5]}],
			"usage": {"prompt_tokens": 3, "total_tokens": 3}
		}`)
	}))
	defer srv.Close()

	a := New(srv.URL, 5*time.Second)
	resp, err := a.Embed(context.Background(), "sk", &providers.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: []string{"hi"},
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Embedding) != 2 {
		t.Errorf("data = %+v", resp.Data)
	}
	if resp.Usage.InputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestBuildParams_OptionalFields(t *testing.T) {
	req := baseRequest()
	params := buildParams(req)
	if params.Temperature.Valid() || params.TopP.Valid() || params.MaxCompletionTokens.Valid() {
		t.Error("unset client fields must stay unset on the wire")
	}

	temp, topP, maxTok := 0.4, 0.9, 128
	req.Temperature, req.TopP, req.MaxTokens = &temp, &topP, &maxTok
	params = buildParams(req)
	if !params.Temperature.Valid() || params.Temperature.Value != 0.4 {
		t.Errorf("temperature = %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 128 {
		t.Errorf("max tokens = %+v", params.MaxCompletionTokens)
	}
}
