// Package dispatch drives one client request across the ranked candidate
// list produced by the model router.
//
// For each candidate the engine gates on the provider's circuit breaker,
// selects and unseals an API key, applies the mapping override, places the
// upstream call, and feeds the outcome back into the breaker, the key
// selector, and the metrics sink. Recoverable failures advance to the next
// candidate; terminal ones surface immediately. Candidate attempts within
// one request are strictly sequential.
//
// Streaming: fallback only happens before the first upstream byte. Adapters
// commit to a stream by returning a channel; from that point any failure
// terminates the client stream rather than switching upstreams.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/octanelabs/relay/internal/circuit"
	"github.com/octanelabs/relay/internal/keyselect"
	"github.com/octanelabs/relay/internal/metrics"
	"github.com/octanelabs/relay/internal/modelrouter"
	"github.com/octanelabs/relay/internal/providers"
	"github.com/octanelabs/relay/internal/ratelimit"
	"github.com/octanelabs/relay/internal/store"
	"github.com/octanelabs/relay/internal/vault"
)

// Backoff parameters for same-provider retries. Cross-provider advances are
// not delayed beyond what Retry-After demands.
const (
	backoffBase   = 100 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 2 * time.Second
)

// Attempt is one recorded candidate try, kept for audit and the final 502
// body.
type Attempt struct {
	Provider      string            `json:"provider"`
	ProviderModel string            `json:"model,omitempty"`
	KeyID         string            `json:"key_id,omitempty"`
	Outcome       providers.Outcome `json:"outcome"`
	Message       string            `json:"message,omitempty"`
	LatencyMs     int64             `json:"latency_ms"`
}

// Error kinds surfaced by the engine.
const (
	KindModelNotFound       = "model_not_found"
	KindBadRequest          = "bad_request"
	KindTimeout             = "timeout"
	KindUnsupported         = "unsupported"
	KindUpstreamUnavailable = "upstream_unavailable"
)

// Error is the terminal dispatch failure: every candidate was tried or the
// failure was not recoverable. Attempts carries the accumulated outcome list.
type Error struct {
	Kind     string
	Message  string
	Attempts []Attempt
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// Result is a successful dispatch. Exactly one of Response, Stream and
// Embedding is set. For streams, CancelStream must be called when the consumer is done
// (or has disconnected) so the upstream connection is released.
type Result struct {
	Response  *providers.ChatResponse
	Stream    <-chan providers.StreamChunk
	Embedding *providers.EmbeddingResponse

	Provider      string
	ProviderModel string
	KeyID         string
	Attempts      []Attempt

	// CancelStream releases the upstream connection; ChargeStream charges
	// estimated token usage once the stream drains. Both are set only for
	// streaming results.
	CancelStream context.CancelFunc
	ChargeStream func(estTokens int)
}

// Engine wires the dispatch collaborators together.
type Engine struct {
	router   *modelrouter.Router
	breaker  *circuit.Breaker
	selector *keyselect.Selector
	vault    *vault.Vault
	st       *store.Store

	limiter *ratelimit.Limiter // optional; nil disables token charging
	metrics *metrics.Registry  // optional
	log     *slog.Logger

	adapters       *adapterRegistry
	defaultTimeout time.Duration
}

// Config holds the engine's constructor dependencies.
type Config struct {
	Router         *modelrouter.Router
	Breaker        *circuit.Breaker
	Selector       *keyselect.Selector
	Vault          *vault.Vault
	Store          *store.Store
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Registry
	Logger         *slog.Logger
	DefaultTimeout time.Duration
}

// New creates an Engine.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	return &Engine{
		router:         cfg.Router,
		breaker:        cfg.Breaker,
		selector:       cfg.Selector,
		vault:          cfg.Vault,
		st:             cfg.Store,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		log:            log,
		adapters:       newAdapterRegistry(),
		defaultTimeout: timeout,
	}
}

// Chat dispatches a chat (or legacy completion) request for alias.
func (e *Engine) Chat(ctx context.Context, alias string, req *providers.ChatRequest) (*Result, error) {
	return e.run(ctx, alias, req, nil)
}

// Embed dispatches an embedding request for alias.
func (e *Engine) Embed(ctx context.Context, alias string, req *providers.EmbeddingRequest) (*Result, error) {
	return e.run(ctx, alias, nil, req)
}

// run walks the candidate list. Exactly one of chatReq and embReq is set.
func (e *Engine) run(ctx context.Context, alias string, chatReq *providers.ChatRequest, embReq *providers.EmbeddingRequest) (*Result, error) {
	if expired(ctx) {
		return nil, &Error{Kind: KindTimeout, Message: "request deadline already expired"}
	}

	candidates, err := e.router.Resolve(ctx, alias)
	if err != nil {
		if errors.Is(err, modelrouter.ErrModelNotFound) {
			return nil, &Error{Kind: KindModelNotFound, Message: "model '" + alias + "' not found"}
		}
		return nil, &Error{Kind: KindUpstreamUnavailable, Message: "configuration store unavailable"}
	}

	var (
		attempts     []Attempt
		lastMessage  string
		unsupported  int
		sameProvider = make(map[string]int) // provider id → prior attempts this request
	)

	record := func(a Attempt) {
		attempts = append(attempts, a)
		e.metrics.RecordProviderRequest(a.Provider, a.ProviderModel, string(a.Outcome))
	}
	fallback := func(reason providers.Outcome) {
		e.metrics.RecordFallback(alias, string(reason))
	}

	for _, cand := range candidates {
		if expired(ctx) {
			return nil, &Error{Kind: KindTimeout, Message: "request deadline expired", Attempts: attempts}
		}

		providerName := cand.Provider.Name

		// a. Circuit gate.
		allowed, cbState := e.breaker.Allow(ctx, cand.Provider.ID)
		e.metrics.SetCircuitState(providerName, int(cbState))
		if !allowed {
			e.log.WarnContext(ctx, "circuit_open",
				slog.String("alias", alias),
				slog.String("provider", providerName),
			)
			record(Attempt{Provider: providerName, ProviderModel: cand.ProviderModel, Outcome: providers.OutcomeCircuitOpen})
			fallback(providers.OutcomeCircuitOpen)
			continue
		}
		probeHeld := cbState == circuit.HalfOpen

		// b. Key pool.
		keys, err := e.st.KeysForProvider(ctx, cand.Provider.ID)
		if err != nil || len(keys) == 0 {
			if probeHeld {
				e.breaker.ReleaseProbe(ctx, cand.Provider.ID)
			}
			record(Attempt{Provider: providerName, ProviderModel: cand.ProviderModel, Outcome: providers.OutcomeNoKey})
			fallback(providers.OutcomeNoKey)
			continue
		}

		caller, err := e.adapters.For(cand.Provider)
		if err != nil {
			if probeHeld {
				e.breaker.ReleaseProbe(ctx, cand.Provider.ID)
			}
			e.log.ErrorContext(ctx, "provider_config_invalid",
				slog.String("provider", providerName),
				slog.String("error", err.Error()),
			)
			record(Attempt{Provider: providerName, ProviderModel: cand.ProviderModel,
				Outcome: providers.OutcomeNoKey, Message: "provider configuration invalid"})
			fallback(providers.OutcomeNoKey)
			continue
		}

		embedder, isEmbedder := caller.(providers.Embedder)
		if embReq != nil && (!isEmbedder || !providers.Supports(caller, providers.CapEmbedding)) {
			// Not a failure of this provider — skip to the next candidate;
			// only full exhaustion surfaces it.
			if probeHeld {
				e.breaker.ReleaseProbe(ctx, cand.Provider.ID)
			}
			msg := "provider '" + providerName + "' does not support embeddings"
			record(Attempt{Provider: providerName, ProviderModel: cand.ProviderModel,
				Outcome: providers.OutcomeBadRequest, Message: msg})
			fallback(providers.OutcomeBadRequest)
			unsupported++
			lastMessage = msg
			continue
		}

		// Walk the provider's keys: auth and quota failures rotate to the
		// next eligible key before the candidate is abandoned.
		tried := make(map[string]bool)
		candidateDone := false
		for !candidateDone {
			if expired(ctx) {
				return nil, &Error{Kind: KindTimeout, Message: "request deadline expired", Attempts: attempts}
			}

			key, ok := e.pickKey(cand.Provider.ID, keys, tried)
			if !ok {
				if probeHeld {
					e.breaker.ReleaseProbe(ctx, cand.Provider.ID)
					probeHeld = false
				}
				record(Attempt{Provider: providerName, ProviderModel: cand.ProviderModel, Outcome: providers.OutcomeNoKey})
				fallback(providers.OutcomeNoKey)
				break
			}
			tried[key.ID] = true

			// Per-key request budget (the ApiKey record's own rpm): a key
			// over its window cools down and the rotation moves on.
			if e.limiter != nil && key.RPM > 0 {
				if d := e.limiter.AllowKey(ctx, key.ID, key.RPM); !d.Allowed {
					e.selector.Cooldown(key.ID, d.RetryAfter)
					record(Attempt{Provider: providerName, ProviderModel: cand.ProviderModel,
						KeyID: key.KeyID, Outcome: providers.OutcomeRateLimited,
						Message: "key request budget exhausted"})
					continue
				}
			}

			secret, err := e.vault.Unseal(key.Ciphertext)
			if err != nil {
				e.log.ErrorContext(ctx, "key_unseal_failed",
					slog.String("provider", providerName),
					slog.String("key_id", key.KeyID),
				)
				record(Attempt{Provider: providerName, ProviderModel: cand.ProviderModel,
					KeyID: key.KeyID, Outcome: providers.OutcomeNoKey, Message: "key unusable"})
				continue
			}

			// Same-provider retries back off with full jitter.
			if n := sameProvider[cand.Provider.ID]; n > 0 {
				if !sleep(ctx, jitteredBackoff(n)) {
					return nil, &Error{Kind: KindTimeout, Message: "request deadline expired", Attempts: attempts}
				}
			}
			sameProvider[cand.Provider.ID]++

			attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout(ctx, cand.Provider))

			start := time.Now()
			var (
				resp    *providers.ChatResponse
				stream  <-chan providers.StreamChunk
				embResp *providers.EmbeddingResponse
				callErr error
			)
			switch {
			case embReq != nil:
				r := *embReq
				r.Model = cand.ProviderModel
				embResp, callErr = embedder.Embed(attemptCtx, secret, &r)
			case chatReq.Stream:
				merged := mergeOverride(chatReq, cand.Override)
				merged.Model = cand.ProviderModel
				stream, callErr = caller.ChatStream(attemptCtx, secret, merged)
			default:
				merged := mergeOverride(chatReq, cand.Override)
				merged.Model = cand.ProviderModel
				resp, callErr = caller.Chat(attemptCtx, secret, merged)
			}
			latency := time.Since(start)

			outcome := providers.Classify(callErr)
			retryAfter := retryAfterOf(callErr)
			msg := sanitize(errMessage(callErr), secret, key.Masked)

			// e. Feed the outcome everywhere, regardless of result.
			e.observeBreaker(ctx, cand.Provider.ID, outcome, probeHeld)
			probeHeld = false
			if demoted, failures := e.selector.Observe(key.ID, outcome, retryAfter); demoted {
				e.log.WarnContext(ctx, "key_demoted",
					slog.String("provider", providerName),
					slog.String("key_id", key.KeyID),
					slog.Int("failures", failures),
				)
				if err := e.st.MarkKeyFailed(ctx, key.ID, failures); err != nil {
					e.log.ErrorContext(ctx, "key_demote_persist_failed",
						slog.String("key_id", key.KeyID),
						slog.String("error", err.Error()),
					)
				}
			}
			record(Attempt{
				Provider:      providerName,
				ProviderModel: cand.ProviderModel,
				KeyID:         key.KeyID,
				Outcome:       outcome,
				Message:       msg,
				LatencyMs:     latency.Milliseconds(),
			})

			if outcome == providers.OutcomeOK {
				_ = e.st.TouchKeyUsed(ctx, key.ID)
				res := &Result{
					Response:      resp,
					Stream:        stream,
					Embedding:     embResp,
					Provider:      providerName,
					ProviderModel: cand.ProviderModel,
					KeyID:         key.KeyID,
					Attempts:      attempts,
				}
				if stream != nil {
					res.CancelStream = cancel
					chosen := *key
					res.ChargeStream = func(estTokens int) {
						e.chargeUsage(context.Background(), &chosen, providers.Usage{OutputTokens: estTokens})
					}
				} else {
					cancel()
					e.chargeUsage(ctx, key, usageOf(resp, embResp))
				}
				return res, nil
			}
			cancel()
			lastMessage = msg

			e.log.WarnContext(ctx, "attempt_failed",
				slog.String("alias", alias),
				slog.String("provider", providerName),
				slog.String("key_id", key.KeyID),
				slog.String("outcome", string(outcome)),
				slog.Int64("latency_ms", latency.Milliseconds()),
			)

			switch outcome {
			case providers.OutcomeBadRequest:
				// Terminal: the same body fails everywhere. Preserve the
				// upstream message.
				return nil, &Error{Kind: KindBadRequest, Message: msg, Attempts: attempts}

			case providers.OutcomeAuthFailed, providers.OutcomeQuotaExhausted:
				// Rotate to the next key on this candidate.
				continue

			case providers.OutcomeRateLimited:
				// The key is cooling down (selector applied Retry-After);
				// whether or not the hint fits the remaining deadline, this
				// provider is done for the request.
				candidateDone = true
				fallback(outcome)

			default:
				// server_error / timeout / network_error: next candidate.
				candidateDone = true
				fallback(outcome)
			}
		}
	}

	if unsupported == len(candidates) {
		// Every mapping pointed at a provider without the capability: a
		// request-shape problem, not an availability one.
		return nil, &Error{Kind: KindUnsupported, Message: lastMessage, Attempts: attempts}
	}
	return nil, &Error{Kind: KindUpstreamUnavailable, Message: lastMessage, Attempts: attempts}
}

// pickKey filters out keys already tried this candidate, then delegates to
// the selector.
func (e *Engine) pickKey(providerID string, keys []store.APIKey, tried map[string]bool) (*store.APIKey, bool) {
	untried := keys[:0:0]
	for _, k := range keys {
		if !tried[k.ID] {
			untried = append(untried, k)
		}
	}
	if len(untried) == 0 {
		return nil, false
	}
	return e.selector.Pick(providerID, untried, time.Now())
}

// observeBreaker feeds one outcome into the circuit breaker. Only provider
// failures trip it; key-level failures on a held probe release the slot.
func (e *Engine) observeBreaker(ctx context.Context, providerID string, outcome providers.Outcome, probeHeld bool) {
	switch {
	case outcome == providers.OutcomeOK:
		e.breaker.RecordSuccess(ctx, providerID)
	case outcome.TripsBreaker():
		e.breaker.RecordFailure(ctx, providerID)
	case probeHeld:
		e.breaker.ReleaseProbe(ctx, providerID)
	}
}

// chargeUsage charges provider-reported tokens against the key's budgets and
// applies the over-budget cooldown. The in-flight response is never affected.
func (e *Engine) chargeUsage(ctx context.Context, key *store.APIKey, usage providers.Usage) {
	if e.limiter == nil {
		return
	}
	tokens := usage.InputTokens + usage.OutputTokens
	ch := e.limiter.ChargeTokens(ctx, key.ID, key.TPM, key.DailyQuota, tokens)
	switch {
	case ch.OverDaily:
		e.selector.Cooldown(key.ID, time.Until(endOfDayUTC()))
	case ch.OverTPM:
		e.selector.Cooldown(key.ID, ch.RetryAfter)
	}
}

func (e *Engine) attemptTimeout(ctx context.Context, p store.Provider) time.Duration {
	t := p.Timeout()
	if t <= 0 {
		t = e.defaultTimeout
	}
	if rem := remaining(ctx); rem > 0 && rem < t {
		t = rem
	}
	return t
}

func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if deadline, ok := ctx.Deadline(); ok && !deadline.After(time.Now()) {
		return true
	}
	return false
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Hour
	}
	return time.Until(deadline)
}

// jitteredBackoff returns the delay before the n-th same-provider retry:
// exponential with full jitter.
func jitteredBackoff(n int) time.Duration {
	d := backoffBase
	for i := 1; i < n; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	return rand.N(d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// mergeOverride applies the mapping override to a copy of the client
// request. Client values win on conflict unless the override is forced.
func mergeOverride(req *providers.ChatRequest, ov store.OverrideConfig) *providers.ChatRequest {
	out := *req
	if ov.Temperature != nil && (out.Temperature == nil || ov.Forced) {
		out.Temperature = ov.Temperature
	}
	if ov.TopP != nil && (out.TopP == nil || ov.Forced) {
		out.TopP = ov.TopP
	}
	if ov.MaxTokens != nil && (out.MaxTokens == nil || ov.Forced) {
		out.MaxTokens = ov.MaxTokens
	}
	return &out
}

func usageOf(resp *providers.ChatResponse, emb *providers.EmbeddingResponse) providers.Usage {
	if resp != nil {
		return resp.Usage
	}
	if emb != nil {
		return emb.Usage
	}
	return providers.Usage{}
}

func retryAfterOf(err error) time.Duration {
	var ce *providers.CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sanitize scrubs the unsealed secret from an upstream message, replacing it
// with the stored masked form.
func sanitize(msg, secret, masked string) string {
	if msg == "" || secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, masked)
}

func endOfDayUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
