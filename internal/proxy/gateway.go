// Package proxy is the HTTP edge of the gateway.
//
// It authenticates the client principal, applies the request-rate gate,
// normalizes the OpenAI-shaped body, hands the request to the dispatch
// engine, and renders the result — a JSON envelope for unary calls, an SSE
// stream for streaming chat.
//
// Hot-path constraints: no blocking I/O besides the shared-store round-trips
// and the upstream call itself; audit logging is fire-and-forget; metrics
// never fail a request.
package proxy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/octanelabs/relay/internal/dispatch"
	"github.com/octanelabs/relay/internal/logger"
	"github.com/octanelabs/relay/internal/metrics"
	"github.com/octanelabs/relay/internal/modelrouter"
	"github.com/octanelabs/relay/internal/providers"
	"github.com/octanelabs/relay/internal/ratelimit"
	"github.com/octanelabs/relay/pkg/apierr"
)

// Options holds optional Gateway tuning. All fields have working defaults.
type Options struct {
	// Logger is the shared structured logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus collection when non-nil.
	Metrics *metrics.Registry

	// Limiter enables the client-side rate gate when non-nil.
	Limiter *ratelimit.Limiter

	// Audit enables the async request audit log when non-nil.
	Audit *logger.Logger

	// ClientKeys is the set of accepted client bearer tokens.
	ClientKeys []string

	// RequestTimeout bounds the whole request. Default: 60s.
	RequestTimeout time.Duration

	// CORSOrigins — nil or ["*"] allows any origin.
	CORSOrigins []string

	// Ready reports shared-infrastructure readiness (store, redis).
	Ready func() bool
}

// Gateway owns the client-facing handlers.
type Gateway struct {
	engine *dispatch.Engine
	router *modelrouter.Router
	log    *slog.Logger

	metrics *metrics.Registry
	limiter *ratelimit.Limiter
	audit   *logger.Logger

	clientKeys     map[string]struct{} // sha256 hex of accepted tokens
	corsOrigins    []string
	requestTimeout time.Duration
	ready          func() bool
}

// NewGateway creates a Gateway around the dispatch engine.
func NewGateway(engine *dispatch.Engine, router *modelrouter.Router, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	keys := make(map[string]struct{}, len(opts.ClientKeys))
	for _, k := range opts.ClientKeys {
		if k != "" {
			keys[hashToken(k)] = struct{}{}
		}
	}

	return &Gateway{
		engine:         engine,
		router:         router,
		log:            log,
		metrics:        opts.Metrics,
		limiter:        opts.Limiter,
		audit:          opts.Audit,
		clientKeys:     keys,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: timeout,
		ready:          opts.Ready,
	}
}

// ── Inbound / outbound wire shapes ───────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature *float64         `json:"temperature"`
		TopP        *float64         `json:"top_p"`
		MaxTokens   *int             `json:"max_tokens"`
	}

	inboundCompletionRequest struct {
		Model       string          `json:"model"`
		Prompt      json.RawMessage `json:"prompt"`
		Stream      bool            `json:"stream"`
		Temperature *float64        `json:"temperature"`
		TopP        *float64        `json:"top_p"`
		MaxTokens   *int            `json:"max_tokens"`
	}

	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundChatChoice struct {
		Index        int            `json:"index"`
		Message      inboundMessage `json:"message"`
		FinishReason string         `json:"finish_reason"`
	}

	outboundChatResponse struct {
		ID      string               `json:"id"`
		Object  string               `json:"object"`
		Created int64                `json:"created"`
		Model   string               `json:"model"`
		Choices []outboundChatChoice `json:"choices"`
		Usage   outboundUsage        `json:"usage"`
	}

	outboundTextChoice struct {
		Index        int    `json:"index"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	}

	outboundTextResponse struct {
		ID      string               `json:"id"`
		Object  string               `json:"object"`
		Created int64                `json:"created"`
		Model   string               `json:"model"`
		Choices []outboundTextChoice `json:"choices"`
		Usage   outboundUsage        `json:"usage"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundUsage           `json:"usage"`
	}

	outboundModel struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}

	outboundModelList struct {
		Object string          `json:"object"`
		Data   []outboundModel `json:"data"`
	}
)

// parseEmbeddingInput accepts a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// parsePrompt accepts the legacy completion prompt: string or array.
func parsePrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("'prompt' is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return arr[0], nil
	}
	return "", fmt.Errorf("'prompt' must be a string or array of strings")
}

// ── Auth and rate gate ───────────────────────────────────────────────────────

func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

// authenticate validates the bearer token and returns the principal id (the
// token hash — stable, loggable, never the token itself).
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (string, bool) {
	token := bearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		return "", false
	}
	h := hashToken(token)
	for accepted := range g.clientKeys {
		if subtle.ConstantTimeCompare([]byte(h), []byte(accepted)) == 1 {
			return h[:16], true
		}
	}
	return "", false
}

// gate applies the rate-limit axes. Returns false after writing the 429.
func (g *Gateway) gate(ctx *fasthttp.RequestCtx, principal string) bool {
	if g.limiter == nil {
		return true
	}
	decision := g.limiter.Allow(ctx, principal, clientIP(ctx))
	if decision.Allowed {
		return true
	}
	g.metrics.RecordRateLimitDenied(decision.Axis)
	g.log.WarnContext(ctx, "rate_limited",
		slog.String("axis", decision.Axis),
		slog.String("principal", principal),
	)
	apierr.WriteRateLimited(ctx, decision.RetryAfter)
	return false
}

func clientIP(ctx *fasthttp.RequestCtx) string {
	return ctx.RemoteIP().String()
}

// ── Handlers ────────────────────────────────────────────────────────────────

// handleChat serves POST /v1/chat/completions and POST /v1/completions.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	endpoint := string(ctx.Path())
	legacy := endpoint == "/v1/completions"
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	g.metrics.IncInFlight()
	streaming := false
	defer func() {
		if streaming {
			return // finalized by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveRequest(endpoint, ctx.Response.StatusCode(), time.Since(start))
	}()

	principal, ok := g.authenticate(ctx)
	if !ok {
		apierr.WriteUnauthorized(ctx)
		return
	}
	if !g.gate(ctx, principal) {
		return
	}

	var alias string
	var chatReq *providers.ChatRequest

	if legacy {
		var in inboundCompletionRequest
		if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
			apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
			return
		}
		if in.Model == "" {
			apierr.WriteBadRequest(ctx, "field 'model' is required")
			return
		}
		prompt, err := parsePrompt(in.Prompt)
		if err != nil {
			apierr.WriteBadRequest(ctx, err.Error())
			return
		}
		alias = in.Model
		chatReq = &providers.ChatRequest{
			Messages:    []providers.Message{{Role: "user", Content: prompt}},
			Stream:      in.Stream,
			Temperature: in.Temperature,
			TopP:        in.TopP,
			MaxTokens:   in.MaxTokens,
			RequestID:   reqID,
		}
	} else {
		var in inboundChatRequest
		if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
			apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
			return
		}
		if in.Model == "" {
			apierr.WriteBadRequest(ctx, "field 'model' is required")
			return
		}
		if len(in.Messages) == 0 {
			apierr.WriteBadRequest(ctx, "field 'messages' must not be empty")
			return
		}
		msgs := make([]providers.Message, len(in.Messages))
		for i, m := range in.Messages {
			msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
		}
		alias = in.Model
		chatReq = &providers.ChatRequest{
			Messages:    msgs,
			Stream:      in.Stream,
			Temperature: in.Temperature,
			TopP:        in.TopP,
			MaxTokens:   in.MaxTokens,
			RequestID:   reqID,
		}
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("endpoint", endpoint),
		slog.String("model", alias),
		slog.Bool("stream", chatReq.Stream),
	)

	dispatchCtx, cancel := contextWithTimeout(ctx, g.requestTimeout)

	res, err := g.engine.Chat(dispatchCtx, alias, chatReq)
	if err != nil {
		cancel()
		g.writeDispatchError(ctx, err, reqID, alias)
		g.auditRequest(ctx, endpoint, alias, reqID, nil, start, 0, 0)
		return
	}

	if chatReq.Stream && res.Stream != nil {
		streaming = true
		g.streamResponse(ctx, endpoint, alias, reqID, res, cancel, start)
		return
	}
	cancel()

	g.auditRequest(ctx, endpoint, alias, reqID, res, start,
		res.Response.Usage.InputTokens, res.Response.Usage.OutputTokens)

	created := time.Now().Unix()
	usage := outboundUsage{
		PromptTokens:     res.Response.Usage.InputTokens,
		CompletionTokens: res.Response.Usage.OutputTokens,
		TotalTokens:      res.Response.Usage.InputTokens + res.Response.Usage.OutputTokens,
	}
	finish := res.Response.FinishReason
	if finish == "" {
		finish = "stop"
	}

	var body []byte
	if legacy {
		body, _ = json.Marshal(outboundTextResponse{
			ID:      responseID("cmpl", res.Response.ID, reqID),
			Object:  "text_completion",
			Created: created,
			Model:   alias,
			Choices: []outboundTextChoice{{Text: res.Response.Content, FinishReason: finish}},
			Usage:   usage,
		})
	} else {
		body, _ = json.Marshal(outboundChatResponse{
			ID:      responseID("chatcmpl", res.Response.ID, reqID),
			Object:  "chat.completion",
			Created: created,
			Model:   alias,
			Choices: []outboundChatChoice{{
				Message:      inboundMessage{Role: "assistant", Content: res.Response.Content},
				FinishReason: finish,
			}},
			Usage: usage,
		})
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleEmbeddings serves POST /v1/embeddings.
func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	const endpoint = "/v1/embeddings"
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveRequest(endpoint, ctx.Response.StatusCode(), time.Since(start))
	}()

	principal, ok := g.authenticate(ctx)
	if !ok {
		apierr.WriteUnauthorized(ctx)
		return
	}
	if !g.gate(ctx, principal) {
		return
	}

	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if in.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}
	inputs, err := parseEmbeddingInput(in.Input)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	dispatchCtx, cancel := contextWithTimeout(ctx, g.requestTimeout)
	defer cancel()

	res, dispatchErr := g.engine.Embed(dispatchCtx, in.Model, &providers.EmbeddingRequest{
		Input:     inputs,
		RequestID: reqID,
	})
	if dispatchErr != nil {
		g.writeDispatchError(ctx, dispatchErr, reqID, in.Model)
		g.auditRequest(ctx, endpoint, in.Model, reqID, nil, start, 0, 0)
		return
	}

	data := make([]outboundEmbeddingData, len(res.Embedding.Data))
	for i, d := range res.Embedding.Data {
		data[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	body, _ := json.Marshal(outboundEmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  in.Model,
		Usage: outboundUsage{
			PromptTokens: res.Embedding.Usage.InputTokens,
			TotalTokens:  res.Embedding.Usage.InputTokens,
		},
	})

	g.auditRequest(ctx, endpoint, in.Model, reqID, res, start, res.Embedding.Usage.InputTokens, 0)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// handleModels serves GET /v1/models: the configured aliases, not upstream
// catalogs.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	const endpoint = "/v1/models"
	start := time.Now()
	defer func() {
		g.metrics.ObserveRequest(endpoint, ctx.Response.StatusCode(), time.Since(start))
	}()

	if _, ok := g.authenticate(ctx); !ok {
		apierr.WriteUnauthorized(ctx)
		return
	}

	aliases, err := g.router.Aliases(ctx)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	models := make([]outboundModel, len(aliases))
	for i, a := range aliases {
		models[i] = outboundModel{ID: a, Object: "model"}
	}
	body, _ := json.Marshal(outboundModelList{Object: "list", Data: models})
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeDispatchError maps an engine error onto the client taxonomy.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, err error, reqID, alias string) {
	var de *dispatch.Error
	if !errors.As(err, &de) {
		g.log.ErrorContext(ctx, "dispatch_internal",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
		return
	}

	g.log.WarnContext(ctx, "dispatch_failed",
		slog.String("request_id", reqID),
		slog.String("alias", alias),
		slog.String("kind", de.Kind),
		slog.Int("attempts", len(de.Attempts)),
	)

	switch de.Kind {
	case dispatch.KindModelNotFound:
		apierr.WriteModelNotFound(ctx, alias)
	case dispatch.KindBadRequest, dispatch.KindUnsupported:
		apierr.WriteBadRequest(ctx, de.Message)
	case dispatch.KindTimeout:
		apierr.WriteTimeout(ctx)
	default:
		apierr.WriteUpstreamUnavailable(ctx, de.Message)
	}
}

// auditRequest enqueues the audit entry. Never blocks.
func (g *Gateway) auditRequest(
	ctx *fasthttp.RequestCtx,
	endpoint, alias, reqID string,
	res *dispatch.Result,
	start time.Time,
	inputTokens, outputTokens int,
) {
	if g.audit == nil {
		return
	}
	id, _ := uuid.Parse(reqID)
	e := logger.Entry{
		ID:           id,
		Endpoint:     endpoint,
		Alias:        alias,
		Status:       ctx.Response.StatusCode(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		CreatedAt:    time.Now(),
	}
	if res != nil {
		e.Provider = res.Provider
		e.Model = res.ProviderModel
		e.KeyID = res.KeyID
		e.Outcome = string(providers.OutcomeOK)
		e.Attempts = len(res.Attempts)
	}
	g.audit.Log(e)
}

func responseID(prefix, upstreamID, reqID string) string {
	if upstreamID != "" {
		return upstreamID
	}
	return prefix + "-" + reqID
}

// contextWithTimeout derives the dispatch context from the request, bounded
// by timeout. fasthttp's RequestCtx implements context.Context, but its Done
// channel closes on server shutdown, not on client disconnect: a unary
// upstream call runs on until it completes or the deadline passes. For
// streams, a failed write to the client cancels the upstream (streamResponse).
func contextWithTimeout(ctx *fasthttp.RequestCtx, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
