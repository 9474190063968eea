package coordinator

import (
	"errors"
	"time"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
	"github.com/DeltaLaboratory/ramstore/internal/telemetry"
)

// updatePollInterval paces the dispatch loop while RPCs are in flight;
// readiness checks themselves never block.
const updatePollInterval = time.Millisecond

// updateSlot carries one potential in-flight update RPC. The pool of slots
// grows and shrinks so that by the time a full pass over the in-use list
// completes, the RPCs sent on the previous pass are about done.
type updateSlot struct {
	call            UpdateCall
	serverID        protocol.ServerId
	locator         string
	list            protocol.ServerList
	originalVersion uint64
	started         time.Time
}

// StartUpdater launches the background propagation task if it is not
// already running, and nudges it regardless.
func (csl *ServerList) StartUpdater() {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	if !csl.updaterRunning {
		csl.stopUpdater = false
		csl.updaterRunning = true
		csl.updaterDone = make(chan struct{})
		go csl.updateLoop(csl.updaterDone)
	}
	csl.hasUpdatesOrStop.Signal()
}

// HaltUpdater stops the background task and joins it. Pending RPCs are
// cancelled and the cluster is left out of date; call Sync first to force a
// synchronization point.
func (csl *ServerList) HaltUpdater() {
	csl.mu.Lock()
	if !csl.updaterRunning {
		csl.mu.Unlock()
		return
	}
	done := csl.updaterDone
	csl.stopUpdater = true
	csl.hasUpdatesOrStop.Broadcast()
	csl.mu.Unlock()

	<-done

	csl.mu.Lock()
	csl.updaterRunning = false
	csl.mu.Unlock()
}

// Sync blocks until every UP membership-bearing member has acknowledged the
// current version.
func (csl *ServerList) Sync() {
	csl.StartUpdater()

	csl.mu.Lock()
	defer csl.mu.Unlock()
	for !csl.isClusterUpToDateLocked() {
		csl.listUpToDate.Wait()
	}
}

// updateLoop drives outdated members to the current version with a bounded,
// demand-sized pool of concurrent RPCs.
func (csl *ServerList) updateLoop(done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			csl.logger.Error().Interface("panic", r).Msg("fatal error in membership updater")
			panic(r)
		}
	}()

	var slots []*updateSlot
	var inUse, free []int

	csl.mu.Lock()
	poolSize := csl.concurrentRPCs
	csl.mu.Unlock()
	for i := 0; i < poolSize; i++ {
		slots = append(slots, &updateSlot{})
		inUse = append(inUse, i)
	}

	for {
		csl.mu.Lock()
		stop := csl.stopUpdater
		csl.mu.Unlock()
		if stop {
			break
		}

		lastFree := -1
		liveRPCs := 0
		for pos, idx := range inUse {
			if csl.dispatchRPC(slots[idx]) {
				liveRPCs++
			} else {
				lastFree = pos
			}
		}

		if len(inUse) == liveRPCs && lastFree == -1 {
			// Every slot is busy and none came free this pass: grow.
			if len(free) == 0 {
				slots = append(slots, &updateSlot{})
				free = append(free, len(slots)-1)
			}
			inUse = append(inUse, free[0])
			free = free[1:]
		} else if len(inUse)-liveRPCs > 1 && lastFree >= 0 {
			// Strictly more than one slot went idle this pass: shrink.
			free = append(free, inUse[lastFree])
			inUse = append(inUse[:lastFree], inUse[lastFree+1:]...)
		}

		csl.mu.Lock()
		csl.concurrentRPCs = len(inUse)
		csl.mu.Unlock()
		telemetry.ConcurrentUpdateRPCs.Set(float64(len(inUse)))

		if liveRPCs == 0 {
			csl.mu.Lock()
			for !csl.hasUpdatesLocked() && !csl.stopUpdater {
				csl.listUpToDate.Broadcast()
				csl.hasUpdatesOrStop.Wait()
			}
			csl.mu.Unlock()
		} else {
			time.Sleep(updatePollInterval)
		}
	}

	// Halting: cancel whatever is still in flight and restore each victim's
	// version so the next updater run retries it.
	for _, idx := range inUse {
		s := slots[idx]
		if s.call != nil {
			s.call.Cancel()
			s.call = nil
			csl.updateEntryVersion(s.serverID, s.originalVersion)
		}
	}
}

// dispatchRPC follows up on the slot's RPC (completion or timeout) and
// starts a new one when the slot is free and a member needs an update. It
// reports whether the slot holds a live RPC on return.
func (csl *ServerList) dispatchRPC(s *updateSlot) bool {
	if s.call != nil {
		if s.call.Ready() {
			ackedVersion, err := s.call.Wait()
			s.call = nil
			switch {
			case err == nil:
				telemetry.UpdatesSent.WithLabelValues("ok").Inc()
			case errors.Is(err, ErrServerNotUp):
				// The target was crashed or downed while the update was in
				// flight; keep its original version.
				ackedVersion = s.originalVersion
				telemetry.UpdatesSent.WithLabelValues("server_not_up").Inc()
				csl.logger.Info().
					Str("server_id", s.serverID.String()).
					Msg("update landed on a server leaving the cluster")
			default:
				ackedVersion = s.originalVersion
				telemetry.UpdatesSent.WithLabelValues("error").Inc()
				csl.logger.Warn().Err(err).
					Str("server_id", s.serverID.String()).
					Msg("membership update failed, will retry")
			}
			csl.updateEntryVersion(s.serverID, ackedVersion)
		} else if csl.rpcTimeout != 0 && time.Since(s.started) > csl.rpcTimeout {
			csl.logger.Info().
				Str("server_id", s.serverID.String()).
				Dur("elapsed", time.Since(s.started)).
				Msg("membership update timed out, trying again later")
			telemetry.UpdatesSent.WithLabelValues("timeout").Inc()
			s.call.Cancel()
			s.call = nil
			csl.updateEntryVersion(s.serverID, s.originalVersion)
		}
	}

	if s.call != nil {
		return true
	}

	if !csl.loadNextUpdate(s) {
		return false
	}

	call, err := csl.transport.SendUpdate(s.serverID, s.locator, &s.list)
	if err != nil {
		csl.logger.Warn().Err(err).
			Str("server_id", s.serverID.String()).
			Msg("failed to start membership update")
		csl.updateEntryVersion(s.serverID, s.originalVersion)
		return false
	}
	s.call = call
	s.started = time.Now()
	return true
}

// hasUpdatesLocked scans for a member that needs an update and has no RPC
// attached. The scan is round-robin from the last hit; completing a full
// wrap prunes deltas below the minimum version any member still needs and
// caches a negative result until the next commit.
func (csl *ServerList) hasUpdatesLocked() bool {
	if csl.lastScan.noUpdatesFound || len(csl.slots) == 0 {
		return false
	}

	if csl.lastScan.searchIndex >= len(csl.slots) {
		csl.lastScan.searchIndex = 0
	}
	i := csl.lastScan.searchIndex
	for {
		if i == 0 {
			csl.pruneUpdatesLocked(csl.lastScan.minVersion)
			csl.lastScan.minVersion = 0
		}

		if entry := csl.slots[i].entry; entry != nil {
			if entry.Services.Has(protocol.MembershipService) &&
				entry.Status == protocol.StatusUp {

				entryMinVersion := entry.listVersion
				if entryMinVersion == 0 {
					entryMinVersion = entry.beingUpdated
				}
				if csl.lastScan.minVersion == 0 ||
					(entryMinVersion > 0 && entryMinVersion < csl.lastScan.minVersion) {
					csl.lastScan.minVersion = entryMinVersion
				}

				if entry.listVersion != csl.version && entry.beingUpdated == 0 {
					csl.lastScan.searchIndex = i
					csl.lastScan.noUpdatesFound = false
					return true
				}
			}
		}

		i = (i + 1) % len(csl.slots)
		if i == csl.lastScan.searchIndex {
			break
		}
	}

	csl.lastScan.noUpdatesFound = true
	return false
}

// loadNextUpdate fills the slot with the next member needing an update: a
// full-list snapshot for a member that has never been updated, otherwise
// the queued delta for exactly listVersion+1. The selected entry is marked
// in flight; whoever holds the slot must call updateEntryVersion with the
// outcome, success or not.
func (csl *ServerList) loadNextUpdate(s *updateSlot) bool {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	if !csl.hasUpdatesLocked() {
		return false
	}

	// hasUpdatesLocked left searchIndex on the hit.
	entry := csl.slots[csl.lastScan.searchIndex].entry
	csl.lastScan.searchIndex = (csl.lastScan.searchIndex + 1) % len(csl.slots)

	s.serverID = entry.ServerID
	s.locator = entry.ServiceLocator
	s.originalVersion = entry.listVersion

	if entry.listVersion == 0 {
		s.list = csl.serializeLocked(protocol.MasterService | protocol.BackupService)
		entry.beingUpdated = csl.version
	} else {
		head := csl.updates[0].Version
		targetVersion := entry.listVersion + 1
		s.list = csl.updates[targetVersion-head]
		entry.beingUpdated = targetVersion
	}
	return true
}

// updateEntryVersion installs a member's acknowledged version and clears
// its in-flight mark. Ids that vanished while the RPC ran are ignored.
func (csl *ServerList) updateEntryVersion(id protocol.ServerId, version uint64) {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	entry, err := csl.getEntryLocked(id)
	if err != nil {
		return
	}

	csl.logger.Debug().
		Str("server_id", id.String()).
		Uint64("from", entry.listVersion).
		Uint64("to", version).
		Msg("member version updated")

	entry.listVersion = version
	entry.beingUpdated = 0

	if version < csl.version {
		csl.lastScan.noUpdatesFound = false
	}
}
