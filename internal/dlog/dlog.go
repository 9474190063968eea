package dlog

import (
	"errors"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

// Record entry types. Every record carries a tag so that coordinator
// recovery can dispatch a replay without knowing which operation wrote it.
const (
	EntryServerEnlisting = "ServerEnlisting"
	EntryServerEnlisted  = "ServerEnlisted"
	EntryForceServerDown = "ForceServerDown"
	EntryServerUpdate    = "ServerUpdate"
)

var (
	ErrNotFound       = errors.New("dlog: entry not found")
	ErrWrongExpected  = errors.New("dlog: expected entry id does not match log head")
	ErrLogUnavailable = errors.New("dlog: log unavailable")
)

// Record is the typed payload appended for coordinator mutations that must
// survive a coordinator crash.
type Record struct {
	EntryType          string            `json:"entry_type"`
	ServerID           protocol.ServerId `json:"server_id"`
	ServiceMask        uint32            `json:"service_mask,omitempty"`
	ReadSpeed          uint32            `json:"read_speed,omitempty"`
	ServiceLocator     string            `json:"service_locator,omitempty"`
	MasterRecoveryInfo []byte            `json:"master_recovery_info,omitempty"`
}

// Log is the durable log consumed by the coordinator. Appends are idempotent
// given an expected entry id: a caller that believes the log head is at
// expectedID-1 passes expectedID, and the append is refused if another writer
// got there first. expectedID == 0 skips the check.
//
// Invalidate marks entries as superseded; invalidated entries are no longer
// readable and are skipped during recovery replay.
type Log interface {
	Append(expectedID uint64, rec *Record, invalidates []uint64) (uint64, error)
	Read(id uint64) (*Record, error)
	Invalidate(expectedID uint64, ids []uint64) error

	// NextID reports the id the next successful append will be assigned,
	// for use as the expected-id token.
	NextID() uint64

	Close() error
}
