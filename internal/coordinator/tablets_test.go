package coordinator

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

func TestTabletDirectoryTracksMasters(t *testing.T) {
	h := newHarness(t)
	dir := NewTabletDirectory(zerolog.Nop())
	h.csl.AddTracker(dir)

	if _, err := dir.Locate(1); err == nil {
		t.Fatal("Locate succeeded with no masters")
	}

	m1 := h.enlist(t, protocol.MasterService, 0, "tcp:1")
	m2 := h.enlist(t, protocol.MasterService, 0, "tcp:2")
	h.enlist(t, protocol.BackupService, 50, "tcp:3")

	if dir.Masters() != 2 {
		t.Fatalf("Masters = %d, want 2", dir.Masters())
	}

	owners := make(map[protocol.ServerId]bool)
	for tableID := uint64(0); tableID < 64; tableID++ {
		owner, err := dir.Locate(tableID)
		if err != nil {
			t.Fatalf("Locate(%d): %v", tableID, err)
		}
		if owner != m1 && owner != m2 {
			t.Fatalf("Locate(%d) = %s, not an enlisted master", tableID, owner)
		}
		owners[owner] = true

		again, _ := dir.Locate(tableID)
		if again != owner {
			t.Fatalf("Locate(%d) unstable: %s then %s", tableID, owner, again)
		}
	}

	// Crashing a master evicts it from the ring and placement fails over.
	if _, err := h.csl.HintServerDown(m1); err != nil {
		t.Fatalf("HintServerDown: %v", err)
	}
	if dir.Masters() != 1 {
		t.Fatalf("Masters after crash = %d, want 1", dir.Masters())
	}
	for tableID := uint64(0); tableID < 64; tableID++ {
		owner, err := dir.Locate(tableID)
		if err != nil {
			t.Fatalf("Locate(%d) after crash: %v", tableID, err)
		}
		if owner != m2 {
			t.Fatalf("Locate(%d) = %s after crash, want %s", tableID, owner, m2)
		}
	}
}

func TestTabletDirectoryIgnoresNonMasters(t *testing.T) {
	h := newHarness(t)
	dir := NewTabletDirectory(zerolog.Nop())
	h.csl.AddTracker(dir)

	h.enlist(t, protocol.BackupService, 50, "tcp:1")
	h.enlist(t, protocol.MembershipService, 0, "tcp:2")

	if dir.Masters() != 0 {
		t.Fatalf("Masters = %d, want 0", dir.Masters())
	}
}
