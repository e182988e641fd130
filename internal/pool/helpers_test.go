package pool

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSocket is an in-memory Socket double. Inbound frames are fed through a
// channel; outbound frames are recorded for assertions.
type fakeSocket struct {
	in   chan []byte
	done chan struct{}

	mu         sync.Mutex
	written    [][]byte
	failWrites bool
	closed     bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:   make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, io.EOF
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites || f.closed {
		return errors.New("write on closed socket")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeSocket) breakWrites() {
	f.mu.Lock()
	f.failWrites = true
	f.mu.Unlock()
}

// feed injects one inbound frame, marshalling v when it is not raw bytes.
func (f *fakeSocket) feed(t *testing.T, v any) {
	t.Helper()
	data, ok := v.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
	}
	select {
	case f.in <- data:
	case <-time.After(time.Second):
		t.Fatal("fake socket inbound buffer full")
	}
}

// framesOfType returns the decoded outbound frames carrying the given type tag.
func (f *fakeSocket) framesOfType(t *testing.T, frameType string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for _, raw := range f.written {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("outbound frame is not JSON: %v", err)
		}
		if m["type"] == frameType {
			out = append(out, m)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
