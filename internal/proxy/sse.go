package proxy

import (
	"bufio"
	"time"

	"github.com/nulpointcorp/agent-gateway/internal/decode"
	"github.com/valyala/fasthttp"
)

// contentChunkSize is how many characters of reply text go into each
// synthesized SSE delta. The client transport is not incremental, so streaming
// is reconstructed from the completed reply for callers that asked for it.
const contentChunkSize = 10

// ── SSE chunk shapes ─────────────────────────────────────────────────────────

type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []streamToolDelta `json:"tool_calls,omitempty"`
}

type streamToolDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

// writeStream replays the completed reply as an OpenAI-style SSE stream:
// a role-only delta, the content in fixed-size deltas, and a terminal delta
// carrying the finish reason.
func (g *Gateway) writeStream(ctx *fasthttp.RequestCtx, requestID, model string, res decode.Result) {
	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	id := "chatcmpl-" + requestID
	created := time.Now().Unix()
	tools := toResponseTools(res.ToolCalls)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		chunk := func(delta streamDelta, finish *string) {
			c := streamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []streamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			}
			w.WriteString("data: ")
			w.Write(marshalJSON(c))
			w.WriteString("\n\n")
			w.Flush()
		}

		chunk(streamDelta{Role: "assistant"}, nil)

		for _, part := range splitRunes(res.Content, contentChunkSize) {
			chunk(streamDelta{Content: part}, nil)
		}

		if len(tools) > 0 {
			deltas := make([]streamToolDelta, 0, len(tools))
			for i, t := range tools {
				deltas = append(deltas, streamToolDelta{
					Index:    i,
					ID:       t.ID,
					Type:     t.Type,
					Function: t.Function,
				})
			}
			chunk(streamDelta{ToolCalls: deltas}, nil)
			finish := "tool_calls"
			chunk(streamDelta{}, &finish)
		} else {
			finish := "stop"
			chunk(streamDelta{}, &finish)
		}

		w.WriteString("data: [DONE]\n\n")
		w.Flush()
	})
}

// splitRunes cuts s into pieces of at most n characters without breaking
// multi-byte sequences.
func splitRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	out := make([]string, 0, (len(runes)+n-1)/n)
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
