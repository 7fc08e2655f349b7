package apierr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env.Error
}

func TestWrite_Envelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, 418, "teapot", TypeAPIError, CodeInternalError)

	if ctx.Response.StatusCode() != 418 {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	e := decode(t, ctx)
	if e.Message != "teapot" || e.Type != TypeAPIError || e.Code != CodeInternalError {
		t.Errorf("error = %+v", e)
	}
}

func TestWriteUnauthorized(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteUnauthorized(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Type != TypeInvalidRequest {
		t.Errorf("type = %q", e.Type)
	}
}

func TestWriteRateLimited_RetryAfterRounding(t *testing.T) {
	cases := map[time.Duration]string{
		0:                      "1",
		500 * time.Millisecond: "1",
		30 * time.Second:       "30",
		59*time.Second + 700*time.Millisecond: "60",
	}
	for d, want := range cases {
		ctx := &fasthttp.RequestCtx{}
		WriteRateLimited(ctx, d)
		if got := string(ctx.Response.Header.Peek("Retry-After")); got != want {
			t.Errorf("Retry-After for %v = %q, want %q", d, got, want)
		}
		if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
			t.Errorf("status = %d", ctx.Response.StatusCode())
		}
	}
}

func TestWriteModelNotFound(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteModelNotFound(ctx, "gpt-9")
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if e := decode(t, ctx); e.Type != TypeInvalidRequest || e.Code != CodeModelNotFound {
		t.Errorf("error = %+v", e)
	}
}

func TestWriteUpstreamUnavailable(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteUpstreamUnavailable(ctx, "")
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	e := decode(t, ctx)
	if e.Type != TypeAPIError || e.Message == "" {
		t.Errorf("error = %+v", e)
	}

	ctx = &fasthttp.RequestCtx{}
	WriteUpstreamUnavailable(ctx, "last upstream said no")
	if e := decode(t, ctx); e.Message != "last upstream said no" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestWriteTimeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}
