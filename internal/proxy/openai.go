package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/agent-gateway/internal/decode"
	"github.com/nulpointcorp/agent-gateway/internal/rewrite"
)

// ── OpenAI wire shapes ───────────────────────────────────────────────────────

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
}

type completionChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []responseTool `json:"tool_calls,omitempty"`
}

type responseTool struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name string `json:"name"`
	// Arguments is a JSON object serialized as a string, per the OpenAI API.
	Arguments string `json:"arguments"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// buildCompletion assembles the non-streaming chat.completion body.
func buildCompletion(requestID, model string, req *rewrite.Request, res decode.Result) completionResponse {
	finish := "stop"
	tools := toResponseTools(res.ToolCalls)
	if len(tools) > 0 {
		finish = "tool_calls"
	}

	prompt := estimateTokens(joinedPromptText(req))
	completion := 0
	if res.Content != "" {
		completion = estimateTokens(res.Content)
	}

	return completionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index: 0,
			Message: responseMessage{
				Role:      "assistant",
				Content:   res.Content,
				ToolCalls: tools,
			},
			FinishReason: finish,
		}},
		Usage: usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

// toResponseTools converts decoded tool calls into the OpenAI tool_calls array,
// minting call ids and stringifying each arguments object.
func toResponseTools(calls []decode.ToolCall) []responseTool {
	if len(calls) == 0 {
		return nil
	}
	out := make([]responseTool, 0, len(calls))
	for _, c := range calls {
		args := "{}"
		if len(c.Arguments) > 0 && string(c.Arguments) != "null" {
			args = string(c.Arguments)
		}
		out = append(out, responseTool{
			ID:   "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
			Type: "function",
			Function: toolFunction{
				Name:      c.Name,
				Arguments: args,
			},
		})
	}
	return out
}

// estimateTokens is the rough chars/4 heuristic, never below 1 for non-empty
// text. Counted in runes so multi-byte content is not over-estimated. Real
// token accounting happens on the remote model side.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// joinedPromptText concatenates every message content with single spaces, the
// basis for the prompt-token estimate.
func joinedPromptText(req *rewrite.Request) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, " ")
}

// marshalJSON is writeJSON's marshal half, shared with the SSE path.
func marshalJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
