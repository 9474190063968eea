package protocol

import (
	"encoding/json"
	"testing"
)

func TestServerIdFields(t *testing.T) {
	tests := []struct {
		index      uint32
		generation uint32
	}{
		{1, 1},
		{1, 2},
		{42, 7},
		{0xffffffff, 0xffffffff},
	}

	for _, tt := range tests {
		id := NewServerId(tt.index, tt.generation)
		if id.Index() != tt.index {
			t.Fatalf("Index() = %d, want %d", id.Index(), tt.index)
		}
		if id.Generation() != tt.generation {
			t.Fatalf("Generation() = %d, want %d", id.Generation(), tt.generation)
		}
		if !id.IsValid() {
			t.Fatalf("NewServerId(%d, %d) not valid", tt.index, tt.generation)
		}
	}
}

func TestServerIdInvalid(t *testing.T) {
	if InvalidServerId.IsValid() {
		t.Fatal("zero id reported valid")
	}
	if got := InvalidServerId.String(); got != "invalid" {
		t.Fatalf("String() = %q, want invalid", got)
	}
	if got := NewServerId(1, 1).String(); got != "1.1" {
		t.Fatalf("String() = %q, want 1.1", got)
	}
}

func TestServiceMask(t *testing.T) {
	m := MasterService | BackupService
	if !m.Has(MasterService) || !m.Has(BackupService) {
		t.Fatal("mask missing set bits")
	}
	if m.Has(MembershipService) {
		t.Fatal("mask has unset bit")
	}
	if !m.Intersects(BackupService | PingService) {
		t.Fatal("Intersects missed overlap")
	}
	if m.Intersects(PingService | AdminService) {
		t.Fatal("Intersects reported false overlap")
	}

	round := DeserializeServiceMask(m.Serialize())
	if round != m {
		t.Fatalf("serialize round trip = %v, want %v", round, m)
	}

	if got := m.String(); got != "MASTER|BACKUP" {
		t.Fatalf("String() = %q", got)
	}
	if got := ServiceMask(0).String(); got != "NONE" {
		t.Fatalf("String() = %q", got)
	}
}

func TestParseServiceMask(t *testing.T) {
	tests := []struct {
		in      string
		want    ServiceMask
		wantErr bool
	}{
		{"master", MasterService, false},
		{"master,backup", MasterService | BackupService, false},
		{"MASTER, backup ,membership", MasterService | BackupService | MembershipService, false},
		{"ping,admin", PingService | AdminService, false},
		{"", 0, true},
		{"master,unknown", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseServiceMask(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseServiceMask(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseServiceMask(%q) = (%v, %v), want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestParseServerId(t *testing.T) {
	id, err := ParseServerId("3.7")
	if err != nil || id != NewServerId(3, 7) {
		t.Fatalf("ParseServerId(3.7) = (%s, %v)", id, err)
	}
	for _, bad := range []string{"", "3", "3.", "x.1", "1.x", "1.0"} {
		if _, err := ParseServerId(bad); err == nil {
			t.Fatalf("ParseServerId(%q) succeeded, want error", bad)
		}
	}
}

func TestServerListRoundTrip(t *testing.T) {
	list := ServerList{
		Version: 3,
		Type:    Update,
		Servers: []ServerListEntry{
			{Services: uint32(MasterService), ServerID: NewServerId(1, 1), Status: StatusCrashed},
			{Services: uint32(MasterService), ServerID: NewServerId(1, 1), Status: StatusDown},
			{Services: uint32(MasterService), ServerID: NewServerId(1, 2), Status: StatusUp, ServiceLocator: "tcp:2"},
		},
	}

	data, err := json.Marshal(&list)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ServerList
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Version != list.Version || got.Type != list.Type {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.Servers) != len(list.Servers) {
		t.Fatalf("len = %d, want %d", len(got.Servers), len(list.Servers))
	}
	for i := range got.Servers {
		if got.Servers[i] != list.Servers[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got.Servers[i], list.Servers[i])
		}
	}
}
