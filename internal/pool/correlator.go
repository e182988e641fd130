package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Correlator matches in-flight request ids to one-shot waiters. Its mutex is
// smaller in scope than the registry mutex and the two are never nested.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Waiter

	log *slog.Logger
}

// Waiter is the one-shot completion primitive for a single pending request.
// Exactly one of reply, timeout or client_gone wins; the buffered channel
// makes delivery non-blocking for the resolver.
type Waiter struct {
	requestID string
	clientID  string
	deadline  time.Time
	ch        chan outcome
}

type outcome struct {
	reply Reply
	err   error
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(log *slog.Logger) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	return &Correlator{
		pending: make(map[string]*Waiter),
		log:     log,
	}
}

// Register inserts a waiter for requestID owned by clientID. It must be
// called before the request frame is written so a fast reply always finds
// its waiter. Fails on duplicate ids.
func (c *Correlator) Register(requestID, clientID string, deadline time.Time) (*Waiter, error) {
	w := &Waiter{
		requestID: requestID,
		clientID:  clientID,
		deadline:  deadline,
		ch:        make(chan outcome, 1),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[requestID]; exists {
		return nil, ErrDuplicateRequest
	}
	c.pending[requestID] = w
	return w, nil
}

// Resolve delivers a client reply to the waiter for requestID and removes the
// entry. Late or unknown ids are logged and dropped; the returned ok is false
// in that case. clientID is the owner recorded at Register time, so callers
// can release the owning session after resolution.
func (c *Correlator) Resolve(requestID string, reply Reply) (clientID string, ok bool) {
	c.mu.Lock()
	w, found := c.pending[requestID]
	if found {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !found {
		c.log.Warn("late_or_unknown_reply", slog.String("request_id", requestID))
		return "", false
	}

	w.ch <- outcome{reply: reply}
	return w.clientID, true
}

// Fail resolves the waiter for requestID with an error. Same single-shot
// semantics as Resolve.
func (c *Correlator) Fail(requestID string, err error) (clientID string, ok bool) {
	c.mu.Lock()
	w, found := c.pending[requestID]
	if found {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !found {
		return "", false
	}

	w.ch <- outcome{err: err}
	return w.clientID, true
}

// FailAllForClient resolves every pending request owned by clientID with err
// and returns the affected request ids. Called on detach.
func (c *Correlator) FailAllForClient(clientID string, err error) []string {
	c.mu.Lock()
	var owned []*Waiter
	for id, w := range c.pending {
		if w.clientID == clientID {
			owned = append(owned, w)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	ids := make([]string, 0, len(owned))
	for _, w := range owned {
		w.ch <- outcome{err: err}
		ids = append(ids, w.requestID)
	}
	return ids
}

// cancel removes the pending entry without signalling. Returns false when the
// entry was already resolved.
func (c *Correlator) cancel(requestID string) bool {
	c.mu.Lock()
	_, found := c.pending[requestID]
	if found {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	return found
}

// Await blocks until the waiter is signalled, its deadline elapses, or ctx is
// cancelled. On timeout the pending entry is removed; a reply that raced the
// timer and won resolution is still honoured so a request never reports both
// a timeout and a result.
func (c *Correlator) Await(ctx context.Context, w *Waiter) (Reply, error) {
	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case out := <-w.ch:
		return out.reply, out.err

	case <-timer.C:
		if c.cancel(w.requestID) {
			return Reply{}, ErrTimeout
		}
		// Resolved between timer fire and cancel — take the result.
		out := <-w.ch
		return out.reply, out.err

	case <-ctx.Done():
		if c.cancel(w.requestID) {
			return Reply{}, ctx.Err()
		}
		out := <-w.ch
		return out.reply, out.err
	}
}

// Len returns the number of currently pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether requestID is currently registered.
func (c *Correlator) IsPending(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[requestID]
	return ok
}
