package pool

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// writeWait bounds a single socket write so one stalled client cannot block
// the heartbeat sweep or an in-flight dispatch forever.
const writeWait = 10 * time.Second

// State is the lifecycle state of a client session.
type State int32

const (
	// StateIdle means the session is attached and ready for a request.
	StateIdle State = iota
	// StateBusy means exactly one request is in flight on this session.
	StateBusy
	// StateDead means a send failed; the session is awaiting detach.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Socket is the bidirectional text-frame transport a session runs over.
// *websocket.Conn satisfies it; tests substitute in-memory fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

// Session is one attached client. The state fields (state, currentRequestID,
// lastSeen, fingerprints) are guarded by the owning Registry's mutex; the
// socket itself is guarded by the per-session write mutex so frame writes are
// serialized without holding the registry lock.
type Session struct {
	id        string
	sock      Socket
	createdAt time.Time

	writeMu sync.Mutex

	// Guarded by Registry.mu.
	state            State
	currentRequestID string
	lastSeen         time.Time

	// Dedup fingerprints of the last system-prompt bundle and tool catalog
	// actually transmitted on this session. Empty means never sent.
	// Guarded by Registry.mu.
	systemFP string
	toolsFP  string
}

// ID returns the session's opaque client id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the attach time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// send marshals v and writes it as a single text frame. Writes are serialized
// per session; callers must not hold the registry mutex.
func (s *Session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.sock.SetWriteDeadline(time.Now().Add(writeWait))
	return s.sock.WriteMessage(websocket.TextMessage, data)
}
