package node

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

func entry(id protocol.ServerId, status protocol.ServerStatus) protocol.ServerListEntry {
	return protocol.ServerListEntry{
		Services: (protocol.MasterService | protocol.BackupService).Serialize(),
		ServerID: id,
		Status:   status,
	}
}

func TestApplyFullListThenUpdates(t *testing.T) {
	m := NewMembershipList(zerolog.Nop())

	s1 := protocol.NewServerId(1, 1)
	s2 := protocol.NewServerId(2, 1)

	version, err := m.Apply(&protocol.ServerList{
		Version: 3,
		Type:    protocol.FullList,
		Servers: []protocol.ServerListEntry{entry(s1, protocol.StatusUp), entry(s2, protocol.StatusUp)},
	})
	if err != nil || version != 3 {
		t.Fatalf("Apply full = (%d, %v), want (3, nil)", version, err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}

	version, err = m.Apply(&protocol.ServerList{
		Version: 4,
		Type:    protocol.Update,
		Servers: []protocol.ServerListEntry{entry(s1, protocol.StatusCrashed)},
	})
	if err != nil || version != 4 {
		t.Fatalf("Apply update = (%d, %v), want (4, nil)", version, err)
	}
	got, ok := m.Get(s1)
	if !ok || got.Status != protocol.StatusCrashed {
		t.Fatalf("Get(s1) = (%+v, %v)", got, ok)
	}
}

func TestApplyRemovalBeforeReAddition(t *testing.T) {
	m := NewMembershipList(zerolog.Nop())

	old := protocol.NewServerId(1, 1)
	replacement := protocol.NewServerId(1, 2)

	m.Apply(&protocol.ServerList{
		Version: 1,
		Type:    protocol.FullList,
		Servers: []protocol.ServerListEntry{entry(old, protocol.StatusUp)},
	})

	// A replacement delta carries the removal before the addition.
	version, err := m.Apply(&protocol.ServerList{
		Version: 2,
		Type:    protocol.Update,
		Servers: []protocol.ServerListEntry{
			entry(old, protocol.StatusCrashed),
			entry(old, protocol.StatusDown),
			entry(replacement, protocol.StatusUp),
		},
	})
	if err != nil || version != 2 {
		t.Fatalf("Apply = (%d, %v)", version, err)
	}

	if _, ok := m.Get(old); ok {
		t.Fatal("removed id still present")
	}
	got, ok := m.Get(replacement)
	if !ok || got.Status != protocol.StatusUp {
		t.Fatalf("replacement = (%+v, %v)", got, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestApplyOutOfOrderUpdate(t *testing.T) {
	m := NewMembershipList(zerolog.Nop())

	m.Apply(&protocol.ServerList{Version: 1, Type: protocol.FullList})

	version, err := m.Apply(&protocol.ServerList{Version: 5, Type: protocol.Update})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
	if version != 1 || m.Version() != 1 {
		t.Fatalf("version = %d / %d, want 1", version, m.Version())
	}
}

func TestShutdownRejectsUpdates(t *testing.T) {
	m := NewMembershipList(zerolog.Nop())
	m.Shutdown()

	_, err := m.Apply(&protocol.ServerList{Version: 1, Type: protocol.FullList})
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
}

func TestReplicationGroup(t *testing.T) {
	m := NewMembershipList(zerolog.Nop())

	mk := func(id protocol.ServerId, rid uint64, status protocol.ServerStatus) protocol.ServerListEntry {
		e := entry(id, status)
		e.ReplicationID = rid
		return e
	}
	b1 := protocol.NewServerId(1, 1)
	b2 := protocol.NewServerId(2, 1)
	b3 := protocol.NewServerId(3, 1)
	b4 := protocol.NewServerId(4, 1)

	m.Apply(&protocol.ServerList{
		Version: 1,
		Type:    protocol.FullList,
		Servers: []protocol.ServerListEntry{
			mk(b1, 1, protocol.StatusUp),
			mk(b2, 1, protocol.StatusUp),
			mk(b3, 1, protocol.StatusCrashed),
			mk(b4, 2, protocol.StatusUp),
		},
	})

	group := m.ReplicationGroup(1)
	if len(group) != 2 {
		t.Fatalf("group = %v, want the two UP members", group)
	}
	for _, id := range group {
		if id != b1 && id != b2 {
			t.Fatalf("unexpected group member %s", id)
		}
	}
	if m.ReplicationGroup(0) != nil {
		t.Fatal("group 0 is not a real group")
	}
}
