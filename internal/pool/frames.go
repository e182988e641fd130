package pool

import (
	"encoding/json"
	"time"
)

// Frame type tags. Every frame on the wire is a JSON object with a "type"
// field; request/response frames also carry a "request_id".
//
// Client-bound: connection_established, heartbeat, completion_request, error.
// Server-bound: register, client_ready, heartbeat_response,
// completion_response, client_log.
const (
	FrameConnectionEstablished = "connection_established"
	FrameHeartbeat             = "heartbeat"
	FrameCompletionRequest     = "completion_request"
	FrameError                 = "error"

	FrameRegister           = "register"
	FrameClientReady        = "client_ready"
	FrameHeartbeatResponse  = "heartbeat_response"
	FrameCompletionResponse = "completion_response"
	FrameClientLog          = "client_log"
)

// inboundFrame is the tagged union read off a client socket. Only the fields
// relevant to the frame's type are populated; unknown tags are rejected with
// an on-socket error reply.
type inboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// completion_response payload.
	Content      string          `json:"content,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Error        *ReplyError     `json:"error,omitempty"`

	// client_log payload.
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// connectionEstablishedFrame is sent once per attach, carrying the assigned
// client id.
type connectionEstablishedFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// heartbeatFrame is the periodic liveness probe.
type heartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// errorFrame is the on-socket reply to malformed or unrecognized frames.
// Frame-level errors never tear down the session.
type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func newErrorFrame(msg string) errorFrame {
	return errorFrame{Type: FrameError, Message: msg, Timestamp: wireTimestamp()}
}

// Reply is the correlated result of a completion_request, extracted from the
// client's completion_response frame. Content still carries the XML-lite
// envelope; decoding it is the HTTP front's job.
type Reply struct {
	RequestID    string
	Content      string
	ToolCalls    json.RawMessage
	FinishReason string
	Err          *ReplyError
}

// ReplyError is the error object a client may embed in a completion_response.
type ReplyError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// wireTimestamp formats the frame timestamp the way clients expect.
func wireTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
