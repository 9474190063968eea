package coordinator

import (
	"testing"
	"time"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func memberVersion(h *testHarness, id protocol.ServerId) uint64 {
	h.csl.mu.Lock()
	defer h.csl.mu.Unlock()
	entry, err := h.csl.getEntryLocked(id)
	if err != nil {
		return 0
	}
	return entry.listVersion
}

func TestUpdaterDrivesMemberToCurrentVersion(t *testing.T) {
	h := newHarness(t)

	member := h.enlist(t, protocol.MasterService|protocol.MembershipService, 0, "tcp:m")
	h.csl.Sync()

	if got := memberVersion(h, member); got != 1 {
		t.Fatalf("member version = %d, want 1", got)
	}

	// A member that has never been updated gets a full list first.
	sent := h.transport.sentTo(member)
	if len(sent) == 0 {
		t.Fatal("no updates sent")
	}
	if sent[0].typ != protocol.FullList {
		t.Fatalf("first payload type = %d, want FULL_LIST", sent[0].typ)
	}
}

func TestUpdaterDeliversVersionsInOrder(t *testing.T) {
	h := newHarness(t)

	member := h.enlist(t, protocol.MasterService|protocol.MembershipService, 0, "tcp:m")
	h.csl.Sync()

	// Subsequent commits flow as in-order deltas.
	h.enlist(t, protocol.MasterService, 0, "tcp:2")
	h.enlist(t, protocol.BackupService, 50, "tcp:3")
	h.csl.Sync()

	if got := memberVersion(h, member); got != 3 {
		t.Fatalf("member version = %d, want 3", got)
	}

	sent := h.transport.sentTo(member)
	if sent[0].typ != protocol.FullList || sent[0].version != 1 {
		t.Fatalf("first payload = %+v, want full list at version 1", sent[0])
	}
	last := uint64(1)
	for _, s := range sent[1:] {
		if s.typ != protocol.Update {
			t.Fatalf("later payload type = %d, want UPDATE", s.typ)
		}
		if s.version != last+1 {
			t.Fatalf("delta version %d after %d", s.version, last)
		}
		last = s.version
	}
	if last != 3 {
		t.Fatalf("final delivered version = %d, want 3", last)
	}
}

func TestUpdaterRetriesAfterTimeout(t *testing.T) {
	h := newHarness(t)
	h.csl.mu.Lock()
	h.csl.rpcTimeout = 5 * time.Millisecond
	h.csl.mu.Unlock()

	// First call hangs forever; subsequent calls complete normally.
	stuck := &fakeCall{}
	first := true
	h.transport.mu.Lock()
	h.transport.sendHook = func(list *protocol.ServerList) UpdateCall {
		if first {
			first = false
			return stuck
		}
		return nil
	}
	h.transport.mu.Unlock()

	member := h.enlist(t, protocol.MasterService|protocol.MembershipService, 0, "tcp:m")
	h.csl.Sync()

	if got := memberVersion(h, member); got != 1 {
		t.Fatalf("member version = %d, want 1", got)
	}
	stuck.mu.Lock()
	canceled := stuck.canceled
	stuck.mu.Unlock()
	if !canceled {
		t.Fatal("hung call was not cancelled")
	}
	if sent := h.transport.sentTo(member); len(sent) < 2 {
		t.Fatalf("sent = %d calls, want a retry after the timeout", len(sent))
	}
}

func TestUpdaterKeepsVersionOnServerNotUp(t *testing.T) {
	h := newHarness(t)

	h.transport.mu.Lock()
	h.transport.sendHook = func(list *protocol.ServerList) UpdateCall {
		return &fakeCall{ready: true, err: ErrServerNotUp}
	}
	h.transport.mu.Unlock()

	member := h.enlist(t, protocol.MasterService|protocol.MembershipService, 0, "tcp:m")

	waitFor(t, time.Second, func() bool {
		return len(h.transport.sentTo(member)) >= 1
	}, "update attempt")

	// The member's version is restored to its original, so it remains a
	// candidate rather than being marked current.
	if got := memberVersion(h, member); got != 0 {
		t.Fatalf("member version = %d, want 0", got)
	}
}

func TestUpdaterHaltCancelsInFlight(t *testing.T) {
	h := newHarness(t)

	stuck := &fakeCall{}
	h.transport.mu.Lock()
	h.transport.sendHook = func(list *protocol.ServerList) UpdateCall {
		return stuck
	}
	h.transport.mu.Unlock()

	member := h.enlist(t, protocol.MasterService|protocol.MembershipService, 0, "tcp:m")
	waitFor(t, time.Second, func() bool {
		return len(h.transport.sentTo(member)) >= 1
	}, "update attempt")

	h.csl.HaltUpdater()

	stuck.mu.Lock()
	canceled := stuck.canceled
	stuck.mu.Unlock()
	if !canceled {
		t.Fatal("in-flight call survived HaltUpdater")
	}
	if got := memberVersion(h, member); got != 0 {
		t.Fatalf("member version after halt = %d, want 0", got)
	}

	// The updater can be restarted and finishes the job.
	h.transport.mu.Lock()
	h.transport.sendHook = nil
	h.transport.mu.Unlock()
	h.csl.StartUpdater()
	h.csl.Sync()
	if got := memberVersion(h, member); got != 1 {
		t.Fatalf("member version after restart = %d, want 1", got)
	}
}

func TestSyncReturnsImmediatelyWithoutMembers(t *testing.T) {
	h := newHarness(t)
	h.enlist(t, protocol.MasterService, 0, "tcp:1")

	done := make(chan struct{})
	go func() {
		h.csl.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sync blocked with no membership-bearing members")
	}
}

func TestHasUpdatesPrunesAtWrapAround(t *testing.T) {
	h := newHarness(t)
	h.csl.HaltUpdater()

	m1 := h.enlist(t, protocol.MasterService|protocol.MembershipService, 0, "tcp:1")
	m2 := h.enlist(t, protocol.MasterService|protocol.MembershipService, 0, "tcp:2")

	h.csl.mu.Lock()
	defer h.csl.mu.Unlock()

	// Fabricate a history: five committed versions, both members behind
	// and mid-update so neither is a candidate.
	h.csl.updates = nil
	for v := uint64(1); v <= 5; v++ {
		h.csl.updates = append(h.csl.updates, protocol.ServerList{Version: v, Type: protocol.Update})
	}
	h.csl.version = 5
	e1, _ := h.csl.getEntryLocked(m1)
	e1.listVersion, e1.beingUpdated = 2, 3
	e2, _ := h.csl.getEntryLocked(m2)
	e2.listVersion, e2.beingUpdated = 4, 5
	h.csl.lastScan = scanState{}

	// First sweep finds no candidate and records minVersion = 2.
	if h.csl.hasUpdatesLocked() {
		t.Fatal("found candidate while both members are mid-update")
	}
	// A commit resets the negative cache; the next sweep's wrap-around
	// prunes versions no member needs anymore, keeping version 3 for m1.
	h.csl.lastScan.noUpdatesFound = false
	if h.csl.hasUpdatesLocked() {
		t.Fatal("found candidate while both members are mid-update")
	}
	if len(h.csl.updates) != 3 || h.csl.updates[0].Version != 3 {
		t.Fatalf("updates after wrap prune = %+v", h.csl.updates)
	}
}
