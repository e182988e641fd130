package logsink

import (
	"context"
	"sync"
)

// MemorySink keeps the most recent entries in a fixed-capacity ring.
// Use it for single-instance deployments and tests; entries are lost on
// restart.
type MemorySink struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
}

// NewMemorySink creates a ring holding up to capacity entries.
// A non-positive capacity defaults to 1000.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemorySink{buf: make([]Entry, capacity)}
}

// Append stores e, overwriting the oldest entry once the ring is full.
func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.buf[s.next] = e
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

// Recent returns up to n entries, newest first.
func (s *MemorySink) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.full {
		size = len(s.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out
}

// Len returns the number of stored entries.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.buf)
	}
	return s.next
}
