package pool

import "errors"

// Sentinel errors surfaced by the pool. The HTTP front maps these onto the
// OpenAI-style error envelope.
var (
	// ErrNoClientAvailable is returned by Acquire when no healthy idle
	// session exists. Requests are never queued — callers fail fast.
	ErrNoClientAvailable = errors.New("pool: no idle client available")

	// ErrTimeout is returned by Await when the request deadline elapses
	// before the client replies.
	ErrTimeout = errors.New("pool: request timed out")

	// ErrClientGone is the resolution error for pending requests whose
	// owning client disconnected or whose socket write failed.
	ErrClientGone = errors.New("pool: client connection gone")

	// ErrDuplicateRequest is returned by Register when the request id is
	// already pending.
	ErrDuplicateRequest = errors.New("pool: duplicate request id")
)
