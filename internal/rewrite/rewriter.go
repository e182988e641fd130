// Package rewrite turns an inbound OpenAI-shaped request into the frame
// forwarded to a browser client, eliding system prompts and tool catalogs the
// session has already seen.
//
// The remote chat session keeps its own conversation history, so only the
// last user message is ever re-sent; earlier turns are implicit on the remote
// side and re-sending them would duplicate context.
package rewrite

import (
	"encoding/json"
	"strings"
	"time"
)

// FormatMarker is the sentinel that tells the rewriter a system message
// already carries response-format instructions.
const FormatMarker = "RESPONSE FORMAT"

// preamble is appended verbatim to each outbound system message that lacks
// the marker. It instructs the remote agent to wrap its reply in the XML-lite
// envelope the decoder expects.
const preamble = "\n\n" + FormatMarker + `:
Wrap every reply exactly as follows. Put the answer text inside a <content> block.
If you need to call tools, add a <tool_calls> block containing a JSON array of
{"name": ..., "arguments": {...}} objects. Always end with <response_done>.

<content>
...answer text...
</content>
<tool_calls>[{"name": "tool_name", "arguments": {}}]</tool_calls>
<response_done>`

// defaultTemperature mirrors the OpenAI API default applied when the caller
// omits the field.
const defaultTemperature = 0.7

// Message is one chat message in OpenAI wire shape.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Request is the subset of the OpenAI chat-completions request the rewriter
// consumes. Pointer fields distinguish "absent" from zero for validation.
type Request struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature"`
	MaxTokens        *int            `json:"max_tokens"`
	Stream           bool            `json:"stream"`
	TopP             *float64        `json:"top_p"`
	FrequencyPenalty *float64        `json:"frequency_penalty"`
	PresencePenalty  *float64        `json:"presence_penalty"`
	Tools            json.RawMessage `json:"tools"`
	ToolChoice       json.RawMessage `json:"tool_choice"`
}

// Frame is the completion_request sent to the chosen client. Stream is always
// false on the wire — the client transport is not incremental — while
// OriginalStream preserves the caller's intent for diagnostics.
type Frame struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id"`
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      *int            `json:"max_tokens"`
	Stream         bool            `json:"stream"`
	OriginalStream bool            `json:"original_stream"`
	Tools          json.RawMessage `json:"tools,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

// Result carries the outbound frame plus the fingerprint bookkeeping the hub
// commits after a successful write.
type Result struct {
	Frame      Frame
	SystemFP   string
	ToolsFP    string
	SentSystem bool
	SentTools  bool
}

// Rewrite builds the outbound frame for req on a session whose last
// transmitted fingerprints are prevSystemFP / prevToolsFP.
//
// Fingerprints are computed over the unannotated system contents, so the same
// prompt bundle elides on repeat sends even though the transmitted copy
// carries the appended preamble.
func Rewrite(req *Request, requestID, prevSystemFP, prevToolsFP string) Result {
	var systemMsgs []Message
	var systemContents []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemMsgs = append(systemMsgs, m)
			systemContents = append(systemContents, m.Content)
		}
	}

	systemFP := SystemFingerprint(systemContents)
	toolsFP := ToolsFingerprint(req.Tools)

	sendSystem := systemFP != "" && systemFP != prevSystemFP
	sendTools := toolsFP != "" && toolsFP != prevToolsFP

	var out []Message
	if sendSystem {
		for _, m := range systemMsgs {
			if !strings.Contains(m.Content, FormatMarker) {
				m.Content += preamble
			}
			out = append(out, m)
		}
	}
	if last, ok := lastUserMessage(req.Messages); ok {
		out = append(out, last)
	}

	temp := defaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	f := Frame{
		Type:           "completion_request",
		RequestID:      requestID,
		Model:          req.Model,
		Messages:       out,
		Temperature:    temp,
		MaxTokens:      req.MaxTokens,
		Stream:         false,
		OriginalStream: req.Stream,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if sendTools {
		f.Tools = req.Tools
	}

	return Result{
		Frame:      f,
		SystemFP:   systemFP,
		ToolsFP:    toolsFP,
		SentSystem: sendSystem,
		SentTools:  sendTools,
	}
}

// lastUserMessage returns the final message with role "user", if any.
func lastUserMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i], true
		}
	}
	return Message{}, false
}
