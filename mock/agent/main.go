// Command agent runs a mock browser/agent client against a local gateway.
// It attaches over WebSocket and answers every completion request with a
// canned reply, so the HTTP API can be exercised E2E without a real browser
// extension.
//
// Environment overrides:
//
//	GATEWAY_URL       — WebSocket attach URL (default ws://localhost:8080/ws)
//	MOCK_LATENCY_MS   — artificial latency added before every reply (default 0)
//	MOCK_CLIENTS      — number of concurrent clients to attach (default 1)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

func main() {
	url := envStr("GATEWAY_URL", "ws://localhost:8080/ws")
	latency := time.Duration(envInt("MOCK_LATENCY_MS", 0)) * time.Millisecond
	clients := envInt("MOCK_CLIENTS", 1)

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runClient(n, url, latency); err != nil {
				log.Printf("client %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
}

// frame is the loosely-typed wire frame; only the fields the mock needs.
type frame map[string]any

func runClient(n int, url string, latency time.Duration) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f["type"] {
		case "connection_established":
			log.Printf("client %d attached as %v", n, f["client_id"])

		case "heartbeat":
			if err := conn.WriteJSON(frame{"type": "heartbeat_response"}); err != nil {
				return fmt.Errorf("heartbeat reply: %w", err)
			}

		case "completion_request":
			if latency > 0 {
				time.Sleep(latency)
			}
			if err := conn.WriteJSON(buildReply(f)); err != nil {
				return fmt.Errorf("completion reply: %w", err)
			}

		case "error":
			log.Printf("client %d server error: %v", n, f["message"])
		}
	}
}

// buildReply echoes the last user message back inside the reply envelope.
func buildReply(req frame) frame {
	prompt := "(no user message)"
	if msgs, ok := req["messages"].([]any); ok {
		for _, m := range msgs {
			if mm, ok := m.(map[string]any); ok && mm["role"] == "user" {
				if c, ok := mm["content"].(string); ok {
					prompt = c
				}
			}
		}
	}

	content := fmt.Sprintf("<content>\nMock reply to: %s\n</content>\n<response_done>", prompt)
	return frame{
		"type":       "completion_response",
		"request_id": req["request_id"],
		"content":    content,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
