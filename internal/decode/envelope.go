// Package decode parses the XML-lite envelope browser clients wrap their
// replies in:
//
//	<content>...free text...</content>
//	<tool_calls>[{"name": ..., "arguments": {...}}]</tool_calls>
//	<response_done>
//
// The decoder never fails hard: a completely opaque reply degrades to the raw
// text with no tool calls.
package decode

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const (
	contentOpen    = "<content>"
	contentClose   = "</content>"
	toolCallsOpen  = "<tool_calls>"
	toolCallsClose = "</tool_calls>"
	responseDone   = "<response_done>"
)

// ToolCall is one tool invocation requested by the client.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the decoded reply.
type Result struct {
	Content   string
	ToolCalls []ToolCall
}

// Envelope extracts (content, tool_calls) from raw.
//
// Content is the substring between the first <content> and the first
// following </content>, trimmed. When either tag is missing, content falls
// back to the text before the first <response_done>, trimmed — or the whole
// reply when that marker is absent too.
//
// fallbackToolCalls is the reply frame's top-level tool_calls field, used
// when the envelope carries none.
func Envelope(raw string, fallbackToolCalls json.RawMessage, log *slog.Logger) Result {
	if log == nil {
		log = slog.Default()
	}

	res := Result{Content: extractContent(raw)}

	if tc := between(raw, toolCallsOpen, toolCallsClose); tc != "" {
		var calls []ToolCall
		if err := json.Unmarshal([]byte(tc), &calls); err != nil {
			log.Warn("tool_calls_parse_failed", slog.String("error", err.Error()))
		} else {
			res.ToolCalls = calls
		}
	}

	if res.ToolCalls == nil && len(fallbackToolCalls) > 0 && string(fallbackToolCalls) != "null" {
		var calls []ToolCall
		if err := json.Unmarshal(fallbackToolCalls, &calls); err != nil {
			log.Warn("top_level_tool_calls_parse_failed", slog.String("error", err.Error()))
		} else {
			res.ToolCalls = calls
		}
	}

	return res
}

func extractContent(raw string) string {
	if c := between(raw, contentOpen, contentClose); c != "" || hasEnvelope(raw) {
		return strings.TrimSpace(c)
	}
	if i := strings.Index(raw, responseDone); i >= 0 {
		return strings.TrimSpace(raw[:i])
	}
	return strings.TrimSpace(raw)
}

// hasEnvelope reports whether raw carries a well-formed content block, so an
// intentionally empty <content></content> is not mistaken for a missing one.
func hasEnvelope(raw string) bool {
	open := strings.Index(raw, contentOpen)
	if open < 0 {
		return false
	}
	return strings.Index(raw[open+len(contentOpen):], contentClose) >= 0
}

// between returns the substring between the first occurrence of openTag and the
// first following occurrence of closeTag, or "" when either is missing.
func between(raw, openTag, closeTag string) string {
	i := strings.Index(raw, openTag)
	if i < 0 {
		return ""
	}
	rest := raw[i+len(openTag):]
	j := strings.Index(rest, closeTag)
	if j < 0 {
		return ""
	}
	return rest[:j]
}
