package pool

import (
	"errors"
	"testing"
	"time"
)

func newTestRegistry(timeout time.Duration) *Registry {
	return NewRegistry(timeout, discardLogger())
}

func TestAcquireEmptyRegistry(t *testing.T) {
	r := newTestRegistry(30 * time.Second)

	_, _, err := r.acquire("req_1")
	if !errors.Is(err, ErrNoClientAvailable) {
		t.Fatalf("err = %v, want ErrNoClientAvailable", err)
	}
}

func TestAcquirePicksFreshestIdle(t *testing.T) {
	r := newTestRegistry(30 * time.Second)

	old := r.add(newFakeSocket())
	fresh := r.add(newFakeSocket())

	now := time.Now()
	r.mu.Lock()
	old.lastSeen = now.Add(-10 * time.Second)
	fresh.lastSeen = now.Add(-1 * time.Second)
	r.mu.Unlock()

	chosen, _, err := r.acquire("req_1")
	if err != nil {
		t.Fatal(err)
	}
	if chosen.ID() != fresh.ID() {
		t.Fatalf("chose %s, want freshest %s", chosen.ID(), fresh.ID())
	}
	if chosen.state != StateBusy || chosen.currentRequestID != "req_1" {
		t.Fatalf("chosen not marked busy for the request: state=%v id=%q",
			chosen.state, chosen.currentRequestID)
	}
}

func TestAcquireTieBreaksByID(t *testing.T) {
	r := newTestRegistry(30 * time.Second)

	a := r.add(newFakeSocket())
	b := r.add(newFakeSocket())

	seen := time.Now().Add(-time.Second)
	r.mu.Lock()
	a.lastSeen = seen
	b.lastSeen = seen
	r.mu.Unlock()

	want := a.ID()
	if b.ID() < want {
		want = b.ID()
	}

	chosen, _, err := r.acquire("req_1")
	if err != nil {
		t.Fatal(err)
	}
	if chosen.ID() != want {
		t.Fatalf("chose %s, want lexicographically smaller %s", chosen.ID(), want)
	}
}

func TestAcquireSkipsBusySessions(t *testing.T) {
	r := newTestRegistry(30 * time.Second)

	only := r.add(newFakeSocket())
	if _, _, err := r.acquire("req_1"); err != nil {
		t.Fatal(err)
	}

	// The only session is now busy; a second acquire must fail.
	_, _, err := r.acquire("req_2")
	if !errors.Is(err, ErrNoClientAvailable) {
		t.Fatalf("err = %v, want ErrNoClientAvailable", err)
	}
	if reqID, busy := r.requestOwner(only.ID()); !busy || reqID != "req_1" {
		t.Fatalf("session owner = (%q, %v), want (req_1, true)", reqID, busy)
	}
}

func TestAcquireEvictsStaleIdle(t *testing.T) {
	r := newTestRegistry(30 * time.Second)

	stale := r.add(newFakeSocket())
	r.mu.Lock()
	stale.lastSeen = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	_, evicted, err := r.acquire("req_1")
	if !errors.Is(err, ErrNoClientAvailable) {
		t.Fatalf("err = %v, want ErrNoClientAvailable", err)
	}
	if len(evicted) != 1 || evicted[0].ID() != stale.ID() {
		t.Fatalf("evicted = %v, want exactly the stale session", evicted)
	}
	if st := r.snapshot(); st.Total != 0 {
		t.Fatalf("total = %d after eviction, want 0", st.Total)
	}
}

func TestReleaseIfOwner(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	s := r.add(newFakeSocket())

	if _, _, err := r.acquire("req_1"); err != nil {
		t.Fatal(err)
	}

	// Wrong request id: still busy.
	r.releaseIfOwner(s.ID(), "req_other")
	if _, busy := r.requestOwner(s.ID()); !busy {
		t.Fatal("session released by a non-owner")
	}

	r.releaseIfOwner(s.ID(), "req_1")
	if _, busy := r.requestOwner(s.ID()); busy {
		t.Fatal("session still busy after owner release")
	}

	// A released session is immediately dispatchable again.
	if _, _, err := r.acquire("req_2"); err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
}

func TestMarkIdleIfReadyIgnoredWhileBusy(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	s := r.add(newFakeSocket())

	if ok := r.markIdleIfReady(s.ID()); !ok {
		t.Fatal("ready notice on an idle session should be accepted")
	}

	if _, _, err := r.acquire("req_1"); err != nil {
		t.Fatal(err)
	}
	if ok := r.markIdleIfReady(s.ID()); ok {
		t.Fatal("ready notice while busy must be ignored")
	}
	if reqID, busy := r.requestOwner(s.ID()); !busy || reqID != "req_1" {
		t.Fatal("busy session was disturbed by a ready notice")
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	s := r.add(newFakeSocket())

	before := s.lastSeen
	time.Sleep(2 * time.Millisecond)
	r.touch(s.ID())

	r.mu.Lock()
	after := s.lastSeen
	r.mu.Unlock()

	if !after.After(before) {
		t.Fatalf("lastSeen did not advance: %v -> %v", before, after)
	}
}

func TestRemoveClearsFingerprints(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	s := r.add(newFakeSocket())

	r.commitFingerprints(s.ID(), "sysfp", "toolsfp", true, true)
	if sys, tools, ok := r.fingerprints(s.ID()); !ok || sys != "sysfp" || tools != "toolsfp" {
		t.Fatalf("fingerprints = (%q, %q, %v)", sys, tools, ok)
	}

	removed := r.remove(s.ID())
	if removed == nil || removed.systemFP != "" || removed.toolsFP != "" {
		t.Fatal("remove did not clear fingerprints")
	}
	if r.remove(s.ID()) != nil {
		t.Fatal("second remove should be a no-op")
	}
}

func TestCommitFingerprintsPartial(t *testing.T) {
	r := newTestRegistry(30 * time.Second)
	s := r.add(newFakeSocket())

	r.commitFingerprints(s.ID(), "sys1", "tools1", true, true)
	// Only system re-sent; tools elided keeps its previous value.
	r.commitFingerprints(s.ID(), "sys2", "", true, false)

	sys, tools, _ := r.fingerprints(s.ID())
	if sys != "sys2" || tools != "tools1" {
		t.Fatalf("fingerprints = (%q, %q), want (sys2, tools1)", sys, tools)
	}
}

func TestSnapshotCounts(t *testing.T) {
	r := newTestRegistry(30 * time.Second)

	r.add(newFakeSocket())
	r.add(newFakeSocket())
	if _, _, err := r.acquire("req_1"); err != nil {
		t.Fatal(err)
	}

	st := r.snapshot()
	if st.Total != 2 || st.Idle != 1 || st.Busy != 1 {
		t.Fatalf("snapshot = %+v, want total=2 idle=1 busy=1", st)
	}
	if st.Timestamp == "" {
		t.Fatal("snapshot timestamp empty")
	}
}
