package coordinator

import (
	"errors"
	"fmt"

	"github.com/DeltaLaboratory/ramstore/internal/dlog"
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
	"github.com/DeltaLaboratory/ramstore/internal/telemetry"
)

// Operations that must survive a coordinator crash are shaped as two-phase
// sagas over the durable log: execute performs any preparation that must
// precede logging, appends a typed record, and hands the returned entry id
// to complete, which applies the authoritative in-memory mutation and
// invalidates superseded records. Coordinator recovery replays a logged
// record by calling complete directly with the observed entry id.

// EnlistServer assigns a fresh id to a server and adds it to the list. If
// replacesID is still present the old identity is forced down first, inside
// the same committed update, so members always apply the removal before the
// re-addition.
func (csl *ServerList) EnlistServer(replacesID protocol.ServerId,
	services protocol.ServiceMask, readSpeed uint32, locator string) (protocol.ServerId, error) {

	csl.mu.Lock()
	defer csl.mu.Unlock()

	if _, err := csl.getEntryLocked(replacesID); err == nil {
		csl.logger.Info().
			Str("locator", locator).
			Str("replaces_id", replacesID.String()).
			Msg("enlisting server claims to replace a live id, taking its word for it")
		op := &forceServerDownOp{csl: csl, serverID: replacesID}
		if err := op.execute(); err != nil {
			return protocol.InvalidServerId, err
		}
		// A crashed master normally lingers until recovery completes, but
		// the replacement claims its identity now: finish the removal so
		// members see the old id leave before the new one arrives and the
		// slot can be reissued.
		if _, err := csl.getEntryLocked(replacesID); err == nil {
			if err := csl.removeLocked(replacesID); err != nil {
				return protocol.InvalidServerId, err
			}
		}
	}

	op := &enlistServerOp{
		csl:       csl,
		services:  services,
		readSpeed: readSpeed,
		locator:   locator,
	}
	newServerID, err := op.execute()
	if err != nil {
		return protocol.InvalidServerId, err
	}

	if replacesID.IsValid() {
		csl.logger.Info().
			Str("server_id", newServerID.String()).
			Str("replaces_id", replacesID.String()).
			Msg("newly enlisted server replaces old id")
	}

	csl.commitUpdateLocked()
	telemetry.Enlistments.Inc()
	return newServerID, nil
}

// HintServerDown investigates a crash report. Unknown or non-UP ids are
// treated as already down. A verified failure forces the server down and
// propagates the change; a false positive leaves the list untouched.
func (csl *ServerList) HintServerDown(id protocol.ServerId) (bool, error) {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	entry, err := csl.getEntryLocked(id)
	if err != nil || entry.Status != protocol.StatusUp {
		csl.logger.Info().
			Str("server_id", id.String()).
			Msg("spurious crash report on unknown server id")
		return true, nil
	}

	csl.logger.Info().
		Str("server_id", id.String()).
		Str("locator", entry.ServiceLocator).
		Msg("checking suspected server")
	if !csl.verifyServerFailure(id, entry.ServiceLocator) {
		telemetry.FalsePositives.Inc()
		return false, nil
	}

	csl.logger.Info().
		Str("server_id", id.String()).
		Msg("verified server failure, notifying the cluster and starting recovery")
	telemetry.VerifiedFailures.Inc()

	op := &forceServerDownOp{csl: csl, serverID: id}
	if err := op.execute(); err != nil {
		return false, err
	}
	csl.commitUpdateLocked()
	return true, nil
}

// SetMasterRecoveryInfo replaces the opaque blob the recovery routines need
// for id. The blob is not part of the propagated list, so the cluster
// version is not bumped.
func (csl *ServerList) SetMasterRecoveryInfo(id protocol.ServerId, recoveryInfo []byte) error {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	entry, err := csl.getEntryLocked(id)
	if err != nil {
		return err
	}
	entry.MasterRecoveryInfo = recoveryInfo

	op := &setMasterRecoveryInfoOp{csl: csl, serverID: id, recoveryInfo: recoveryInfo}
	return op.execute()
}

// enlistServerOp is the Enlist saga.
type enlistServerOp struct {
	csl         *ServerList
	newServerID protocol.ServerId
	services    protocol.ServiceMask
	readSpeed   uint32
	locator     string
}

func (op *enlistServerOp) execute() (protocol.ServerId, error) {
	csl := op.csl
	op.newServerID = csl.generateUniqueIDLocked()

	entryID, err := csl.appendLocked(&dlog.Record{
		EntryType:      dlog.EntryServerEnlisting,
		ServerID:       op.newServerID,
		ServiceMask:    op.services.Serialize(),
		ReadSpeed:      op.readSpeed,
		ServiceLocator: op.locator,
	}, nil)
	if err != nil {
		// Release the reserved slot; the id was never made visible.
		csl.slots[op.newServerID.Index()].entry = nil
		return protocol.InvalidServerId, err
	}
	csl.logger.Debug().Uint64("entry_id", entryID).Msg("logged ServerEnlisting")

	return op.complete(entryID)
}

func (op *enlistServerOp) complete(entryID uint64) (protocol.ServerId, error) {
	csl := op.csl
	csl.addLocked(op.newServerID, op.locator, op.services, op.readSpeed)

	entry, err := csl.getEntryLocked(op.newServerID)
	if err != nil {
		return protocol.InvalidServerId, err
	}
	entry.infoLogID = entryID

	csl.logger.Info().
		Str("server_id", op.newServerID.String()).
		Str("locator", op.locator).
		Str("services", op.services.String()).
		Msg("enlisting new server")

	if entry.IsBackup() {
		csl.logger.Debug().
			Str("server_id", op.newServerID.String()).
			Uint32("read_mbs", op.readSpeed).
			Msg("backup read speed")
		csl.createReplicationGroupLocked()
	}

	newEntryID, err := csl.appendLocked(&dlog.Record{
		EntryType:      dlog.EntryServerEnlisted,
		ServerID:       op.newServerID,
		ServiceMask:    op.services.Serialize(),
		ReadSpeed:      op.readSpeed,
		ServiceLocator: op.locator,
	}, []uint64{entryID})
	if err != nil {
		return protocol.InvalidServerId, err
	}
	entry.infoLogID = newEntryID
	csl.logger.Debug().Uint64("entry_id", newEntryID).Msg("logged ServerEnlisted")

	return op.newServerID, nil
}

// forceServerDownOp is the ForceServerDown saga.
type forceServerDownOp struct {
	csl      *ServerList
	serverID protocol.ServerId
}

func (op *forceServerDownOp) execute() error {
	entryID, err := op.csl.appendLocked(&dlog.Record{
		EntryType: dlog.EntryForceServerDown,
		ServerID:  op.serverID,
	}, nil)
	if err != nil {
		return err
	}
	op.csl.logger.Debug().Uint64("entry_id", entryID).Msg("logged ForceServerDown")

	return op.complete(entryID)
}

func (op *forceServerDownOp) complete(entryID uint64) error {
	csl := op.csl

	// Read the log bookkeeping and snapshot the entry before any of it is
	// destroyed; the superseded records are invalidated at the end.
	entry, err := csl.getEntryLocked(op.serverID)
	if err != nil {
		return err
	}
	infoLogID := entry.infoLogID
	updateLogID := entry.updateLogID
	snapshot := *entry

	if err := csl.crashedLocked(op.serverID); err != nil {
		return err
	}
	// Without a master there will be no recovery to clean the entry up
	// later, so it transitions to removed now.
	if !snapshot.Services.Has(protocol.MasterService) {
		if err := csl.removeLocked(op.serverID); err != nil {
			return err
		}
	}

	csl.recovery.StartMasterRecovery(snapshot)

	csl.removeReplicationGroupLocked(snapshot.ReplicationID)
	csl.createReplicationGroupLocked()

	invalidates := []uint64{entryID}
	if infoLogID != 0 {
		invalidates = append(invalidates, infoLogID)
	}
	if updateLogID != 0 {
		invalidates = append(invalidates, updateLogID)
	}
	return csl.invalidateLocked(invalidates)
}

// setMasterRecoveryInfoOp is the SetMasterRecoveryInfo saga.
type setMasterRecoveryInfoOp struct {
	csl          *ServerList
	serverID     protocol.ServerId
	recoveryInfo []byte
}

func (op *setMasterRecoveryInfoOp) execute() error {
	csl := op.csl

	var oldEntryID uint64
	if entry, err := csl.getEntryLocked(op.serverID); err == nil {
		oldEntryID = entry.updateLogID
	}

	rec := &dlog.Record{
		EntryType: dlog.EntryServerUpdate,
		ServerID:  op.serverID,
	}
	var invalidates []uint64
	if oldEntryID != 0 {
		prior, err := csl.log.Read(oldEntryID)
		if err != nil {
			return fmt.Errorf("failed to read prior server update: %w", err)
		}
		rec = prior
		invalidates = append(invalidates, oldEntryID)
	}
	rec.MasterRecoveryInfo = op.recoveryInfo

	newEntryID, err := csl.appendLocked(rec, invalidates)
	if err != nil {
		return err
	}
	return op.complete(newEntryID)
}

func (op *setMasterRecoveryInfoOp) complete(entryID uint64) error {
	csl := op.csl

	entry, err := csl.getEntryLocked(op.serverID)
	if err != nil {
		csl.logger.Warn().
			Str("server_id", op.serverID.String()).
			Msg("recovery info update for a server that no longer exists")
		if invErr := csl.invalidateLocked([]uint64{entryID}); invErr != nil {
			csl.logger.Error().Err(invErr).Msg("failed to invalidate orphaned record")
		}
		return err
	}

	entry.updateLogID = entryID
	entry.MasterRecoveryInfo = op.recoveryInfo
	return nil
}

// Recovery entry points. A recovering coordinator replays the live records
// it finds in the durable log by fast-forwarding the matching saga to
// complete with the already-assigned entry id.

// EnlistServerRecover finishes an enlistment whose ServerEnlisting record
// was logged but whose ServerEnlisted record was not.
func (csl *ServerList) EnlistServerRecover(rec *dlog.Record, entryID uint64) (protocol.ServerId, error) {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	csl.logger.Debug().Str("server_id", rec.ServerID.String()).Msg("recovering enlistment")

	op := &enlistServerOp{
		csl:         csl,
		newServerID: rec.ServerID,
		services:    protocol.DeserializeServiceMask(rec.ServiceMask),
		readSpeed:   rec.ReadSpeed,
		locator:     rec.ServiceLocator,
	}
	id, err := op.complete(entryID)
	if err != nil {
		return protocol.InvalidServerId, err
	}
	csl.commitUpdateLocked()
	return id, nil
}

// EnlistedServerRecover re-installs a server that had fully enlisted before
// the previous coordinator failed. The cluster already saw this addition,
// so no new update is emitted for it.
func (csl *ServerList) EnlistedServerRecover(rec *dlog.Record, entryID uint64) error {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	csl.logger.Debug().Str("server_id", rec.ServerID.String()).Msg("recovering enlisted server")

	mark := len(csl.pending)
	csl.addLocked(rec.ServerID, rec.ServiceLocator,
		protocol.DeserializeServiceMask(rec.ServiceMask), rec.ReadSpeed)
	csl.pending = csl.pending[:mark]

	entry, err := csl.getEntryLocked(rec.ServerID)
	if err != nil {
		return err
	}
	entry.infoLogID = entryID
	return nil
}

// ForceServerDownRecover finishes a ForceServerDown whose record was logged
// but not completed.
func (csl *ServerList) ForceServerDownRecover(rec *dlog.Record, entryID uint64) error {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	csl.logger.Debug().Str("server_id", rec.ServerID.String()).Msg("recovering forced server down")

	op := &forceServerDownOp{csl: csl, serverID: rec.ServerID}
	return op.complete(entryID)
}

// SetMasterRecoveryInfoRecover re-applies a logged ServerUpdate record.
func (csl *ServerList) SetMasterRecoveryInfoRecover(rec *dlog.Record, entryID uint64) error {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	csl.logger.Debug().Str("server_id", rec.ServerID.String()).Msg("recovering master recovery info")

	op := &setMasterRecoveryInfoOp{
		csl:          csl,
		serverID:     rec.ServerID,
		recoveryInfo: rec.MasterRecoveryInfo,
	}
	return op.complete(entryID)
}

// IsUnknownServer reports whether err is an unknown-server failure,
// unwrapping any context added along the way.
func IsUnknownServer(err error) bool {
	return errors.Is(err, ErrUnknownServer)
}
