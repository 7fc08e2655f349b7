// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants — the client-visible "type" field.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_exceeded"
	TypeAPIError       = "api_error"
)

// Code constants.
const (
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeModelNotFound       = "model_not_found"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidRequest      = "invalid_request"
	CodeUpstreamError       = "upstream_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeRequestTimeout      = "request_timeout"
	CodeInternalError       = "internal_error"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteUnauthorized writes a 401 for a missing or unknown client API key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"missing or invalid API key", TypeInvalidRequest, CodeInvalidAPIKey)
}

// WriteRateLimited writes a 429 with a Retry-After header rounded up to whole
// seconds (minimum 1).
func WriteRateLimited(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimit, CodeRateLimitExceeded)
}

// WriteModelNotFound writes a 404 for an alias with no enabled mapping.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, alias string) {
	Write(ctx, fasthttp.StatusNotFound,
		"model '"+alias+"' not found", TypeInvalidRequest, CodeModelNotFound)
}

// WriteBadRequest writes a 400, preserving the upstream (or validation) message.
func WriteBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteUpstreamUnavailable writes a 502 after candidate exhaustion.
func WriteUpstreamUnavailable(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "all upstream providers failed"
	}
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeAPIError, CodeUpstreamUnavailable)
}

// WriteTimeout writes a 504 when the request deadline expired.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"request timed out", TypeAPIError, CodeRequestTimeout)
}

// WriteInternal writes a 500.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", TypeAPIError, CodeInternalError)
}
