package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the authoritative set of live client sessions. Every mutation
// of any session's state fields crosses the registry mutex; the mutex is
// never held across a socket write.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	connTimeout time.Duration
	log         *slog.Logger
}

// Stats is the aggregate connection snapshot exposed by GET /stats.
type Stats struct {
	Total     int    `json:"total_connections"`
	Idle      int    `json:"idle_connections"`
	Busy      int    `json:"busy_connections"`
	Pending   int    `json:"pending_requests"`
	Timestamp string `json:"timestamp"`
}

// NewRegistry creates an empty registry. connTimeout is the liveness window
// used by the dispatcher and the heartbeat reaper.
func NewRegistry(connTimeout time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		connTimeout: connTimeout,
		log:         log,
	}
}

// add creates an Idle session for sock and stores it under a fresh client id.
func (r *Registry) add(sock Socket) *Session {
	now := time.Now()
	s := &Session{
		id:        "client_" + uuid.New().String()[:8],
		sock:      sock,
		state:     StateIdle,
		lastSeen:  now,
		createdAt: now,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	return s
}

// remove deletes the session and clears its fingerprints. Returns nil when
// the id is already gone, which makes detach idempotent.
func (r *Registry) remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.state = StateDead
	s.currentRequestID = ""
	s.systemFP = ""
	s.toolsFP = ""
	delete(r.sessions, id)
	return s
}

// touch advances lastSeen to now. lastSeen is monotonically non-decreasing
// within a session.
func (r *Registry) touch(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		if now := time.Now(); now.After(s.lastSeen) {
			s.lastSeen = now
		}
	}
	r.mu.Unlock()
}

// acquire implements the dispatcher policy: among Idle sessions whose
// lastSeen is within the liveness window, pick the freshest (ties broken by
// lexicographic id) and atomically mark it Busy for requestID. Stale Idle
// sessions encountered during the scan are evicted as a side effect and
// returned so the caller can close their sockets outside the lock.
func (r *Registry) acquire(requestID string) (chosen *Session, evicted []*Session, err error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if s.state != StateIdle {
			continue
		}
		if now.Sub(s.lastSeen) >= r.connTimeout {
			delete(r.sessions, id)
			s.state = StateDead
			s.systemFP = ""
			s.toolsFP = ""
			evicted = append(evicted, s)
			continue
		}
		if chosen == nil ||
			s.lastSeen.After(chosen.lastSeen) ||
			(s.lastSeen.Equal(chosen.lastSeen) && s.id < chosen.id) {
			chosen = s
		}
	}

	if chosen == nil {
		return nil, evicted, ErrNoClientAvailable
	}

	chosen.state = StateBusy
	chosen.currentRequestID = requestID
	return chosen, evicted, nil
}

// releaseIfOwner transitions the session Busy→Idle iff it still references
// requestID. This is the single rule that keeps reply, timeout and
// client_gone resolution from stomping on a later dispatch.
func (r *Registry) releaseIfOwner(id, requestID string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok && s.state == StateBusy && s.currentRequestID == requestID {
		s.state = StateIdle
		s.currentRequestID = ""
	}
	r.mu.Unlock()
}

// markIdleIfReady handles a client_ready frame. A ready notice arriving while
// a request is still in flight is ignored so a new dispatch cannot race the
// outstanding reply.
func (r *Registry) markIdleIfReady(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.state != StateIdle {
		return false
	}
	// Idempotent: already idle, just confirm.
	s.currentRequestID = ""
	return true
}

// markDead flags the session after a failed write so the dispatcher skips it
// until the detach lands.
func (r *Registry) markDead(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.state = StateDead
		s.currentRequestID = ""
	}
	r.mu.Unlock()
}

// fingerprints returns the dedup fingerprints last transmitted on the session.
func (r *Registry) fingerprints(id string) (systemFP, toolsFP string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.sessions[id]
	if !found {
		return "", "", false
	}
	return s.systemFP, s.toolsFP, true
}

// commitFingerprints records the fingerprints of payloads that were actually
// written to the session. Fields that were elided keep their previous value.
func (r *Registry) commitFingerprints(id, systemFP, toolsFP string, sentSystem, sentTools bool) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		if sentSystem {
			s.systemFP = systemFP
		}
		if sentTools {
			s.toolsFP = toolsFP
		}
	}
	r.mu.Unlock()
}

// snapshot returns the aggregate connection counts. Pending is filled in by
// the hub from the correlator.
func (r *Registry) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Total: len(r.sessions)}
	for _, s := range r.sessions {
		switch s.state {
		case StateIdle:
			st.Idle++
		case StateBusy:
			st.Busy++
		}
	}
	st.Timestamp = wireTimestamp()
	return st
}

// stale returns the sessions whose lastSeen fell outside the liveness window,
// plus a stable list of all live sessions for the heartbeat sweep.
func (r *Registry) sweepLists(now time.Time) (alive, stale []*Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if now.Sub(s.lastSeen) > r.connTimeout {
			stale = append(stale, s)
			continue
		}
		alive = append(alive, s)
	}
	return alive, stale
}

// requestOwner reports whether the session exists and is Busy with requestID.
// Used by invariant checks in tests.
func (r *Registry) requestOwner(id string) (requestID string, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.state != StateBusy {
		return "", false
	}
	return s.currentRequestID, true
}
