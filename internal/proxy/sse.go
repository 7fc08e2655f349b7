package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/octanelabs/relay/internal/dispatch"
)

// sseChunk is the OpenAI chat.completion.chunk wire shape.
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
}

type sseChoice struct {
	Index        int      `json:"index"`
	Delta        sseDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

type sseDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// streamResponse forwards the upstream stream as Server-Sent Events.
//
// Chunks are relayed in upstream order and never merged across attempts: the
// engine committed to exactly one upstream before handing over the channel.
// A mid-stream upstream failure becomes a final error chunk; a client
// disconnect (flush failure) cancels the upstream via res.CancelStream.
func (g *Gateway) streamResponse(
	ctx *fasthttp.RequestCtx,
	endpoint, alias, reqID string,
	res *dispatch.Result,
	cancel func(),
	start time.Time,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := responseID("chatcmpl", "", reqID)
	created := time.Now().Unix()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // stream writers must not crash the server
		defer cancel()
		if res.CancelStream != nil {
			defer res.CancelStream()
		}

		finalize := func(chars int, status int) {
			est := chars / 4
			if est == 0 {
				est = 1
			}
			if res.ChargeStream != nil {
				res.ChargeStream(est)
			}
			g.auditRequest(ctx, endpoint, alias, reqID, res, start, 0, est)
			g.metrics.DecInFlight()
			g.metrics.ObserveRequest(endpoint, status, time.Since(start))
		}

		chars := 0
		for chunk := range res.Stream {
			chars += len(chunk.Content)

			out := sseChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   alias,
				Choices: []sseChoice{{
					Index: chunk.Index,
					Delta: sseDelta{Content: chunk.Content},
				}},
			}
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				out.Choices[0].FinishReason = &fr
			}

			data, _ := json.Marshal(out)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				g.clientGone(reqID, res)
				finalize(chars, fasthttp.StatusOK)
				return
			}
			if err := w.Flush(); err != nil {
				g.clientGone(reqID, res)
				finalize(chars, fasthttp.StatusOK)
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()
		finalize(chars, fasthttp.StatusOK)
	})
}

// clientGone cancels the upstream attempt after a client disconnect. The
// stream channel drains in the adapter goroutine once its context dies.
func (g *Gateway) clientGone(reqID string, res *dispatch.Result) {
	if res.CancelStream != nil {
		res.CancelStream()
	}
	g.log.Info("client_disconnected", slog.String("request_id", reqID))
}
