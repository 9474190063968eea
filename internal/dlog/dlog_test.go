package dlog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

func openTestLog(t *testing.T) *BoltLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordinator-log.db")
	l, err := OpenBoltLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenBoltLog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestBoltLogAppendRead(t *testing.T) {
	l := openTestLog(t)

	rec := &Record{
		EntryType:      EntryServerEnlisting,
		ServerID:       protocol.NewServerId(1, 1),
		ServiceMask:    protocol.MasterService.Serialize(),
		ReadSpeed:      100,
		ServiceLocator: "tcp:host1",
	}

	id, err := l.Append(0, rec, nil)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 1 {
		t.Fatalf("first entry id = %d, want 1", id)
	}

	got, err := l.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.EntryType != rec.EntryType || got.ServerID != rec.ServerID ||
		got.ServiceMask != rec.ServiceMask || got.ServiceLocator != rec.ServiceLocator {
		t.Fatalf("Read = %+v, want %+v", got, rec)
	}
}

func TestBoltLogExpectedID(t *testing.T) {
	l := openTestLog(t)

	if _, err := l.Append(1, &Record{EntryType: EntryForceServerDown}, nil); err != nil {
		t.Fatalf("Append with matching expected id: %v", err)
	}
	_, err := l.Append(1, &Record{EntryType: EntryForceServerDown}, nil)
	if !errors.Is(err, ErrWrongExpected) {
		t.Fatalf("Append with stale expected id: err = %v, want ErrWrongExpected", err)
	}
}

func TestBoltLogInvalidate(t *testing.T) {
	l := openTestLog(t)

	id1, _ := l.Append(0, &Record{EntryType: EntryServerEnlisting}, nil)
	id2, err := l.Append(0, &Record{EntryType: EntryServerEnlisted}, []uint64{id1})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := l.Read(id1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(superseded): err = %v, want ErrNotFound", err)
	}
	if _, err := l.Read(id2); err != nil {
		t.Fatalf("Read(live): %v", err)
	}

	if err := l.Invalidate(0, []uint64{id2}); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := l.Read(id2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(invalidated): err = %v, want ErrNotFound", err)
	}
}

func TestBoltLogReopenKeepsTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator-log.db")
	l, err := OpenBoltLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenBoltLog: %v", err)
	}

	id1, _ := l.Append(0, &Record{EntryType: EntryServerEnlisting}, nil)
	id2, _ := l.Append(0, &Record{EntryType: EntryServerEnlisted}, []uint64{id1})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l, err = OpenBoltLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l.Close()

	if _, err := l.Read(id1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(superseded) after reopen: err = %v, want ErrNotFound", err)
	}
	if _, err := l.Read(id2); err != nil {
		t.Fatalf("Read(live) after reopen: %v", err)
	}
	if next := l.NextID(); next != 3 {
		t.Fatalf("NextID after reopen = %d, want 3", next)
	}
}

func TestMockLogMatchesBoltBehavior(t *testing.T) {
	l := NewMockLog()

	id1, err := l.Append(1, &Record{EntryType: EntryServerEnlisting}, nil)
	if err != nil || id1 != 1 {
		t.Fatalf("Append = (%d, %v), want (1, nil)", id1, err)
	}
	if _, err := l.Append(1, &Record{}, nil); !errors.Is(err, ErrWrongExpected) {
		t.Fatalf("stale expected id: err = %v", err)
	}

	id2, _ := l.Append(0, &Record{EntryType: EntryServerEnlisted}, []uint64{id1})
	if _, err := l.Read(id1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read(superseded): err = %v", err)
	}
	if rec := l.Entry(id2); rec == nil || rec.EntryType != EntryServerEnlisted {
		t.Fatalf("Entry(%d) = %+v", id2, rec)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
}
