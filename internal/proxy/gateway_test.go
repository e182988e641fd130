package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/nulpointcorp/agent-gateway/internal/pool"
	"github.com/valyala/fasthttp/fasthttputil"
)

// --- helpers ----------------------------------------------------------------

type testServer struct {
	hub *pool.Hub
	ln  *fasthttputil.InmemoryListener
}

// serveGateway starts the full gateway (routes + middleware) on an in-memory
// listener. Returns an HTTP client routed to it and the server handle.
func serveGateway(t *testing.T, opts GatewayOptions) (*http.Client, *testServer) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Logger == nil {
		opts.Logger = log
	}

	hub := pool.NewHub(pool.HubOptions{Logger: log})
	gw := NewGateway(hub, opts)

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = gw.Serve(ln, nil)
	}()
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, &testServer{hub: hub, ln: ln}
}

// wsFrame is a loosely-typed frame for the fake browser client.
type wsFrame map[string]any

// fakeClient is a scripted browser client attached over the real WebSocket
// endpoint. Its reply function is invoked for every completion_request.
type fakeClient struct {
	t        *testing.T
	conn     *websocket.Conn
	clientID string

	// requests records every completion_request frame received, in order.
	requests chan wsFrame

	// reply builds the completion_response for a request frame. Nil means
	// never answer (used by the timeout test).
	reply func(req wsFrame) wsFrame
}

// attachClient dials /ws through the in-memory listener and waits for the
// connection_established handshake.
func attachClient(t *testing.T, srv *testServer, reply func(req wsFrame) wsFrame) *fakeClient {
	t.Helper()

	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return srv.ln.Dial()
		},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial("ws://gateway/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &fakeClient{
		t:        t,
		conn:     conn,
		requests: make(chan wsFrame, 8),
		reply:    reply,
	}

	welcome := c.readFrame()
	if welcome["type"] != "connection_established" {
		t.Fatalf("first frame type = %v, want connection_established", welcome["type"])
	}
	c.clientID, _ = welcome["client_id"].(string)

	go c.loop()
	return c
}

func (c *fakeClient) readFrame() wsFrame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("ws read: %v", err)
	}
	var f wsFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("ws frame decode: %v", err)
	}
	return f
}

// loop answers heartbeats and completion requests until the socket closes.
func (c *fakeClient) loop() {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsFrame
		if json.Unmarshal(data, &f) != nil {
			continue
		}

		switch f["type"] {
		case "heartbeat":
			_ = c.conn.WriteJSON(wsFrame{"type": "heartbeat_response"})
		case "completion_request":
			select {
			case c.requests <- f:
			default:
			}
			if c.reply != nil {
				_ = c.conn.WriteJSON(c.reply(f))
			}
		}
	}
}

// echoReply answers every request with a fixed envelope reply.
func echoReply(content string) func(req wsFrame) wsFrame {
	return func(req wsFrame) wsFrame {
		return wsFrame{
			"type":       "completion_response",
			"request_id": req["request_id"],
			"content":    "<content>" + content + "</content>\n<response_done>",
		}
	}
}

func postChat(t *testing.T, client *http.Client, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://gateway/v1/chat/completions",
		bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
}

// --- tests ------------------------------------------------------------------

func TestChatCompletionRoundTrip(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})
	attachClient(t, srv, echoReply("hello from the browser"))

	resp := postChat(t, client, `{
		"model": "gpt-4",
		"messages": [{"role": "user", "content": "say hello"}]
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body completionResponse
	decodeBody(t, resp, &body)

	if !strings.HasPrefix(body.ID, "chatcmpl-req_") {
		t.Fatalf("id = %q", body.ID)
	}
	if body.Object != "chat.completion" || body.Model != "gpt-4" {
		t.Fatalf("header = %+v", body)
	}
	if len(body.Choices) != 1 {
		t.Fatalf("choices = %d", len(body.Choices))
	}
	choice := body.Choices[0]
	if choice.Message.Content != "hello from the browser" || choice.FinishReason != "stop" {
		t.Fatalf("choice = %+v", choice)
	}
	if body.Usage.PromptTokens < 1 || body.Usage.CompletionTokens < 1 ||
		body.Usage.TotalTokens != body.Usage.PromptTokens+body.Usage.CompletionTokens {
		t.Fatalf("usage = %+v", body.Usage)
	}
}

func TestChatNoClientAvailable(t *testing.T) {
	client, _ := serveGateway(t, GatewayOptions{})

	resp := postChat(t, client, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	var body struct {
		Error struct {
			Type string `json:"type"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error.Type != "service_unavailable" || body.Error.Code != 503 {
		t.Fatalf("error = %+v", body.Error)
	}
}

func TestChatValidation(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})
	attachClient(t, srv, echoReply("never reached"))

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{broken`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"gpt-4","messages":[]}`},
		{"temperature out of range", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"temperature":3}`},
		{"negative top_p", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"top_p":-0.1}`},
		{"bad max_tokens", `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"max_tokens":0}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postChat(t, client, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			decodeBody(t, resp, &body)
			if body.Error.Type != "validation_error" {
				t.Fatalf("error type = %q", body.Error.Type)
			}
		})
	}
}

// top_p is valid across the whole closed range, including both endpoints.
func TestTopPBoundariesAccepted(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})
	attachClient(t, srv, echoReply("ok"))

	for _, topP := range []string{"0", "1"} {
		resp := postChat(t, client,
			`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"top_p":`+topP+`}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("top_p=%s status = %d, want 200", topP, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

// Two requests on the same session: the system prompt travels once.
func TestSystemPromptElidedOnRepeat(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})
	c := attachClient(t, srv, echoReply("ok"))

	body := `{
		"model": "gpt-4",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"}
		]
	}`

	for i := 0; i < 2; i++ {
		resp := postChat(t, client, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}

	countSystem := func(f wsFrame) int {
		msgs, _ := f["messages"].([]any)
		n := 0
		for _, m := range msgs {
			if mm, ok := m.(map[string]any); ok && mm["role"] == "system" {
				n++
			}
		}
		return n
	}

	first := <-c.requests
	second := <-c.requests
	if countSystem(first) != 1 {
		t.Fatalf("first request carried %d system messages, want 1", countSystem(first))
	}
	if countSystem(second) != 0 {
		t.Fatalf("repeat request carried %d system messages, want 0", countSystem(second))
	}
}

func TestToolCallReply(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})
	attachClient(t, srv, func(req wsFrame) wsFrame {
		return wsFrame{
			"type":       "completion_response",
			"request_id": req["request_id"],
			"content": `<content></content>
<tool_calls>[{"name":"get_weather","arguments":{"city":"Oslo"}}]</tool_calls>
<response_done>`,
		}
	})

	resp := postChat(t, client, `{"model":"gpt-4","messages":[{"role":"user","content":"weather?"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body completionResponse
	decodeBody(t, resp, &body)

	choice := body.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("finish_reason = %q, want tool_calls", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("tool_calls = %+v", choice.Message.ToolCalls)
	}
	tc := choice.Message.ToolCalls[0]
	if !strings.HasPrefix(tc.ID, "call_") || tc.Type != "function" || tc.Function.Name != "get_weather" {
		t.Fatalf("tool call = %+v", tc)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args["city"] != "Oslo" {
		t.Fatalf("arguments = %q", tc.Function.Arguments)
	}
}

func TestClientErrorReply(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})
	attachClient(t, srv, func(req wsFrame) wsFrame {
		return wsFrame{
			"type":       "completion_response",
			"request_id": req["request_id"],
			"error":      wsFrame{"message": "tab crashed", "type": "client_error", "code": 500},
		}
	})

	resp := postChat(t, client, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error.Type != "client_error" || body.Error.Message != "tab crashed" {
		t.Fatalf("error = %+v", body.Error)
	}
}

func TestRequestTimeout(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{RequestTimeout: 100 * time.Millisecond})
	attachClient(t, srv, nil) // never answers

	resp := postChat(t, client, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	resp.Body.Close()

	// The session is released, so a second request gets dispatched (and times
	// out again) rather than failing with 503.
	resp = postChat(t, client, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("second status = %d, want 504", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStreamingSynthesis(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})
	attachClient(t, srv, echoReply("this reply is long enough to need several chunks"))

	resp := postChat(t, client, `{
		"model": "gpt-4",
		"stream": true,
		"messages": [{"role": "user", "content": "go"}]
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	var (
		sawRole    bool
		sawDone    bool
		finish     string
		assembled  strings.Builder
		chunkCount int
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("chunk decode %q: %v", payload, err)
		}
		if !strings.HasPrefix(chunk.ID, "chatcmpl-req_") || chunk.Object != "chat.completion.chunk" {
			t.Fatalf("chunk header = %+v", chunk)
		}
		delta := chunk.Choices[0].Delta
		if delta.Role == "assistant" {
			sawRole = true
		}
		if delta.Content != "" {
			assembled.WriteString(delta.Content)
			if len([]rune(delta.Content)) > contentChunkSize {
				t.Fatalf("content delta longer than %d chars: %q", contentChunkSize, delta.Content)
			}
			chunkCount++
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			finish = *fr
		}
	}

	if !sawRole || !sawDone {
		t.Fatalf("stream shape: role=%v done=%v", sawRole, sawDone)
	}
	if finish != "stop" {
		t.Fatalf("finish_reason = %q, want stop", finish)
	}
	if got := assembled.String(); got != "this reply is long enough to need several chunks" {
		t.Fatalf("reassembled content = %q", got)
	}
	if chunkCount < 2 {
		t.Fatalf("content chunks = %d, want several", chunkCount)
	}
}

func TestStatusEndpoints(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})

	get := func(path string) (*http.Response, map[string]any) {
		t.Helper()
		resp, err := client.Get("http://gateway" + path)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]any
		decodeBody(t, resp, &body)
		return resp, body
	}

	// No clients attached: degraded.
	_, health := get("/health")
	if health["status"] != "degraded" {
		t.Fatalf("health = %+v, want degraded with no clients", health)
	}

	attachClient(t, srv, nil)

	_, health = get("/health")
	if health["status"] != "healthy" || health["active_connections"] != float64(1) ||
		health["idle_connections"] != float64(1) {
		t.Fatalf("health = %+v", health)
	}

	// The root endpoint embeds the full connection snapshot.
	_, root := get("/")
	if root["status"] != "online" {
		t.Fatalf("root = %+v", root)
	}
	conns, ok := root["connections"].(map[string]any)
	if !ok || conns["total_connections"] != float64(1) || conns["idle_connections"] != float64(1) {
		t.Fatalf("root connections = %+v, want a stats object", root["connections"])
	}

	_, stats := get("/stats")
	if stats["total_connections"] != float64(1) || stats["idle_connections"] != float64(1) {
		t.Fatalf("stats = %+v", stats)
	}

	_, models := get("/v1/models")
	data, _ := models["data"].([]any)
	if models["object"] != "list" || len(data) == 0 {
		t.Fatalf("models = %+v", models)
	}
}

func TestClientDisconnectMidRequest(t *testing.T) {
	client, srv := serveGateway(t, GatewayOptions{})

	c := attachClient(t, srv, nil)
	go func() {
		// Wait for the request to arrive, then vanish.
		<-c.requests
		_ = c.conn.Close()
	}()

	resp := postChat(t, client, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error.Type != "internal_error" {
		t.Fatalf("error type = %q", body.Error.Type)
	}
}
