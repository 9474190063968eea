package coordinator

import (
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

// Entry is the authoritative record the coordinator keeps for one enlisted
// server. Identity fields are immutable for the lifetime of the entry;
// status only moves forward (UP -> CRASHED -> DOWN). The unexported fields
// are propagation and durability bookkeeping owned by the updater and the
// operation sagas.
type Entry struct {
	ServerID       protocol.ServerId
	ServiceLocator string
	Services       protocol.ServiceMask
	Status         protocol.ServerStatus

	// ExpectedReadMBs is the advertised storage read speed; nonzero only
	// for servers offering the backup service.
	ExpectedReadMBs uint32

	// ReplicationID is the backup's replication group; 0 means unassigned.
	ReplicationID uint64

	// MasterRecoveryInfo is an opaque blob the recovery routines need to
	// safely recover this master's log.
	MasterRecoveryInfo []byte

	// listVersion is the last cluster version the member acknowledged;
	// beingUpdated, when nonzero, is the version currently in flight to it.
	listVersion  uint64
	beingUpdated uint64

	// infoLogID and updateLogID are durable log entry ids of the latest
	// authoritative records for this server; 0 means none.
	infoLogID   uint64
	updateLogID uint64
}

func (e *Entry) IsMaster() bool {
	return e.Services.Has(protocol.MasterService)
}

func (e *Entry) IsBackup() bool {
	return e.Services.Has(protocol.BackupService)
}

// serialize produces the wire form of the entry. The read speed is reported
// as 0 for servers without the backup service.
func (e *Entry) serialize() protocol.ServerListEntry {
	out := protocol.ServerListEntry{
		Services:       e.Services.Serialize(),
		ServerID:       e.ServerID,
		ServiceLocator: e.ServiceLocator,
		Status:         e.Status,
		ReplicationID:  e.ReplicationID,
	}
	if e.IsBackup() {
		out.ExpectedReadMBs = e.ExpectedReadMBs
	}
	return out
}
