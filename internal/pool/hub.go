// Package pool is the core of the gateway: it tracks attached browser/agent
// clients, picks an idle one per inbound request, forwards the request over
// its socket, and correlates the eventual reply with the waiting HTTP
// handler.
//
// Concurrency discipline:
//   - All session state crosses the registry mutex; socket writes happen with
//     a stable reference obtained under the lock, never while holding it.
//   - The correlator mutex is never nested with the registry mutex.
//   - Each socket has one reader (the mux goroutine) and serialized writers
//     (the per-session write mutex).
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/agent-gateway/internal/logsink"
	"github.com/nulpointcorp/agent-gateway/internal/metrics"
)

// Default intervals, matching the browser clients' expectations.
const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultConnectionTimeout = 30 * time.Second
	DefaultRequestTimeout    = 120 * time.Second
)

// HubOptions configures a Hub. Zero values fall back to the defaults above;
// Metrics and Sink are optional and nil-safe.
type HubOptions struct {
	Logger            *slog.Logger
	Metrics           *metrics.Registry
	Sink              logsink.Sink
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

// Hub owns the session registry, the correlator and the heartbeat loop, and
// runs the per-socket inbound mux. The HTTP front talks to the pool
// exclusively through it.
type Hub struct {
	reg  *Registry
	corr *Correlator

	heartbeatInterval time.Duration

	log     *slog.Logger
	metrics *metrics.Registry
	sink    logsink.Sink
}

// NewHub creates a Hub with an empty registry and correlator.
func NewHub(opts HubOptions) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	ct := opts.ConnectionTimeout
	if ct <= 0 {
		ct = DefaultConnectionTimeout
	}

	return &Hub{
		reg:               NewRegistry(ct, log),
		corr:              NewCorrelator(log),
		heartbeatInterval: hb,
		log:               log,
		metrics:           opts.Metrics,
		sink:              opts.Sink,
	}
}

// ServeConn attaches sock as a new client session and blocks running its
// inbound mux until the socket closes. Intended to be called from the /ws
// upgrade handler.
func (h *Hub) ServeConn(sock Socket) {
	s, err := h.Attach(sock)
	if err != nil {
		return
	}
	h.readLoop(s)
}

// Attach registers sock as a new Idle session, confirms the attachment to the
// client with a connection_established frame, and returns the session.
func (h *Hub) Attach(sock Socket) (*Session, error) {
	s := h.reg.add(sock)

	welcome := connectionEstablishedFrame{
		Type:      FrameConnectionEstablished,
		ClientID:  s.ID(),
		Timestamp: wireTimestamp(),
		Message:   "connection established, ready for requests",
	}
	if err := s.send(welcome); err != nil {
		h.reg.remove(s.ID())
		_ = sock.Close()
		return nil, fmt.Errorf("pool: attach handshake: %w", err)
	}
	h.metrics.IncFrameOut(FrameConnectionEstablished)

	h.log.Info("client_attached", slog.String("client_id", s.ID()))
	h.syncGauges()
	return s, nil
}

// Detach removes the session, closes its socket best-effort, and resolves
// every pending request it owns with a client_gone error. Idempotent.
func (h *Hub) Detach(id, reason string) {
	s := h.reg.remove(id)
	if s == nil {
		return
	}
	_ = s.sock.Close()

	failed := h.corr.FailAllForClient(id, ErrClientGone)
	if len(failed) > 0 {
		h.log.Warn("pending_failed_on_detach",
			slog.String("client_id", id),
			slog.Int("count", len(failed)),
		)
	}

	h.metrics.IncDetach(reason)
	h.log.Info("client_detached",
		slog.String("client_id", id),
		slog.String("reason", reason),
	)
	h.syncGauges()
}

// Acquire picks a healthy idle session (freshest lastSeen, ties by id) and
// atomically marks it Busy for requestID. Stale idle sessions found during
// the scan are evicted. Returns ErrNoClientAvailable when the pool is empty.
func (h *Hub) Acquire(requestID string) (*Session, error) {
	chosen, evicted, err := h.reg.acquire(requestID)

	for _, dead := range evicted {
		_ = dead.sock.Close()
		h.metrics.IncDetach("stale_evicted")
		h.log.Info("client_evicted", slog.String("client_id", dead.ID()))
	}
	if len(evicted) > 0 || err == nil {
		h.syncGauges()
	}

	if err != nil {
		h.metrics.IncDispatch("no_client")
		return nil, err
	}
	return chosen, nil
}

// Release transitions the session back to Idle iff it is still Busy with
// requestID. Safe to call after any resolution path.
func (h *Hub) Release(clientID, requestID string) {
	h.reg.releaseIfOwner(clientID, requestID)
	h.syncGauges()
}

// Fingerprints returns the dedup fingerprints last transmitted on the session.
func (h *Hub) Fingerprints(clientID string) (systemFP, toolsFP string, ok bool) {
	return h.reg.fingerprints(clientID)
}

// Forward registers a waiter for requestID, writes frame to the session and
// blocks until the client replies, the deadline elapses, or the client goes
// away. The waiter is registered before the write so a reply can never arrive
// unmatched. On success the session's fingerprints are updated for the
// payloads actually sent.
func (h *Hub) Forward(
	ctx context.Context,
	s *Session,
	requestID string,
	frame any,
	systemFP, toolsFP string,
	sentSystem, sentTools bool,
	timeout time.Duration,
) (Reply, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	w, err := h.corr.Register(requestID, s.ID(), time.Now().Add(timeout))
	if err != nil {
		h.Release(s.ID(), requestID)
		return Reply{}, err
	}
	h.syncGauges()

	if err := s.send(frame); err != nil {
		h.corr.cancel(requestID)
		h.reg.markDead(s.ID())
		h.metrics.IncDispatch("send_failed")
		h.Detach(s.ID(), "send_failed")
		return Reply{}, fmt.Errorf("%w: write: %v", ErrClientGone, err)
	}
	h.metrics.IncFrameOut(FrameCompletionRequest)
	h.reg.commitFingerprints(s.ID(), systemFP, toolsFP, sentSystem, sentTools)
	h.metrics.IncDispatch("dispatched")

	reply, err := h.corr.Await(ctx, w)
	if err != nil {
		// Timeout or cancellation: free the session for the next request.
		// A late reply will no longer match a pending id and is dropped.
		if err == ErrTimeout {
			h.metrics.IncDispatch("timeout")
		}
		h.Release(s.ID(), requestID)
		return Reply{}, err
	}

	h.syncGauges()
	return reply, nil
}

// Snapshot returns the aggregate connection and pending counts.
func (h *Hub) Snapshot() Stats {
	st := h.reg.snapshot()
	st.Pending = h.corr.Len()
	return st
}

// RunHeartbeat probes every session each heartbeatInterval and reaps sessions
// whose lastSeen fell outside the connection timeout. Blocks until ctx is
// cancelled; the caller joins it during shutdown.
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.sweep(time.Now())
		}
	}
}

// sweep sends one heartbeat frame per live session and detaches stale or
// unwritable ones. Writes happen outside the registry lock.
func (h *Hub) sweep(now time.Time) {
	alive, stale := h.reg.sweepLists(now)

	for _, s := range stale {
		h.Detach(s.ID(), "heartbeat_timeout")
	}

	probe := heartbeatFrame{Type: FrameHeartbeat, Timestamp: wireTimestamp()}
	for _, s := range alive {
		if err := s.send(probe); err != nil {
			h.reg.markDead(s.ID())
			h.Detach(s.ID(), "heartbeat_send_failed")
			continue
		}
		h.metrics.IncFrameOut(FrameHeartbeat)
	}
}

// Shutdown detaches every session, failing their pending requests with
// client_gone. Called after the HTTP server stopped accepting requests.
func (h *Hub) Shutdown() {
	for _, s := range h.sessions() {
		h.Detach(s.ID(), "shutdown")
	}
}

func (h *Hub) sessions() []*Session {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	out := make([]*Session, 0, len(h.reg.sessions))
	for _, s := range h.reg.sessions {
		out = append(out, s)
	}
	return out
}

// ── Inbound mux ──────────────────────────────────────────────────────────────

// readLoop consumes text frames from the session's socket until EOF or a read
// error, then detaches the session. Frame-level failures (bad JSON, unknown
// type) are answered on the socket and never tear the session down.
func (h *Hub) readLoop(s *Session) {
	defer h.Detach(s.ID(), "disconnect")

	for {
		_, data, err := s.sock.ReadMessage()
		if err != nil {
			return
		}

		// Any inbound frame counts as liveness.
		h.reg.touch(s.ID())
		h.handleFrame(s, data)
	}
}

// handleFrame classifies one inbound frame and routes it.
func (h *Hub) handleFrame(s *Session, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		h.log.Warn("malformed_frame",
			slog.String("client_id", s.ID()),
			slog.String("error", err.Error()),
		)
		h.sendError(s, "invalid JSON")
		return
	}

	h.metrics.IncFrameIn(f.Type)

	switch f.Type {
	case FrameHeartbeatResponse:
		// lastSeen already advanced above.

	case FrameClientReady:
		if h.reg.markIdleIfReady(s.ID()) {
			h.syncGauges()
		} else {
			h.log.Debug("client_ready_ignored_while_busy", slog.String("client_id", s.ID()))
		}

	case FrameRegister:
		h.log.Info("client_registered", slog.String("client_id", s.ID()))

	case FrameCompletionResponse:
		h.handleCompletionResponse(s, f)

	case FrameClientLog:
		h.forwardClientLog(s, f)

	default:
		h.log.Warn("unknown_frame_type",
			slog.String("client_id", s.ID()),
			slog.String("type", f.Type),
		)
		h.sendError(s, "unknown type: "+f.Type)
	}
}

// handleCompletionResponse resolves the waiter for the frame's request id and
// releases the owning session. Resolution happens before the Busy→Idle
// transition so a freed session can never race its own reply.
func (h *Hub) handleCompletionResponse(s *Session, f inboundFrame) {
	if f.RequestID == "" {
		h.log.Warn("completion_response_without_request_id", slog.String("client_id", s.ID()))
		return
	}

	reply := Reply{
		RequestID:    f.RequestID,
		Content:      f.Content,
		ToolCalls:    f.ToolCalls,
		FinishReason: f.FinishReason,
		Err:          f.Error,
	}

	clientID, ok := h.corr.Resolve(f.RequestID, reply)
	if !ok {
		return
	}
	h.Release(clientID, f.RequestID)

	h.log.Info("reply_correlated",
		slog.String("client_id", s.ID()),
		slog.String("request_id", f.RequestID),
	)
}

// forwardClientLog hands a client_log frame to the configured sink.
func (h *Hub) forwardClientLog(s *Session, f inboundFrame) {
	if h.sink == nil {
		return
	}
	_ = h.sink.Append(context.Background(), logsink.Entry{
		ClientID: s.ID(),
		Level:    f.Level,
		Message:  f.Message,
		At:       time.Now().UTC(),
	})
}

// sendError replies with an error frame on the same socket, best-effort.
func (h *Hub) sendError(s *Session, msg string) {
	if err := s.send(newErrorFrame(msg)); err != nil {
		return
	}
	h.metrics.IncFrameOut(FrameError)
}

// syncGauges refreshes the connection and pending gauges.
func (h *Hub) syncGauges() {
	if h.metrics == nil {
		return
	}
	st := h.reg.snapshot()
	h.metrics.SetConnections(st.Idle, st.Busy)
	h.metrics.SetPending(h.corr.Len())
}
