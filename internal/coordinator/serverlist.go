// Package coordinator implements the cluster membership core of the
// coordinator: a versioned directory of servers that issues identities,
// tracks lifecycle, forms backup replication groups, verifies suspected
// failures, and propagates incremental updates to every member.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/dlog"
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
	"github.com/DeltaLaboratory/ramstore/internal/telemetry"
)

// replicasPerGroup is the fixed size of a backup replication group.
const replicasPerGroup = 3

// initialConcurrentRPCs is the starting size of the updater's slot pool.
const initialConcurrentRPCs = 5

// UpdateCall is one in-flight membership update RPC. Ready never blocks;
// Wait must only be called once Ready reports true. Cancel abandons the
// call; its eventual result is discarded.
type UpdateCall interface {
	Ready() bool
	Wait() (uint64, error)
	Cancel()
}

// Transport is the RPC surface the membership core consumes: async update
// delivery for the updater and a bounded ping for the failure detector.
type Transport interface {
	SendUpdate(id protocol.ServerId, locator string, list *protocol.ServerList) (UpdateCall, error)
	Ping(id protocol.ServerId, locator string, timeout time.Duration) error
}

// RecoveryManager is notified when a crashed server needs master recovery.
type RecoveryManager interface {
	StartMasterRecovery(server Entry)
}

// slot is one row of the server list, keyed by ServerId index. The
// generation counter is monotonic per slot so ids are never reused.
type slot struct {
	nextGeneration uint32
	entry          *Entry
}

// scanState is the updater's cursor over the slot vector.
type scanState struct {
	searchIndex    int
	minVersion     uint64
	noUpdatesFound bool
}

// Config carries the collaborators of a ServerList.
type Config struct {
	Log       dlog.Log
	Transport Transport
	Recovery  RecoveryManager

	// RPCTimeout bounds a single update RPC; 0 means no timeout.
	RPCTimeout time.Duration

	Logger zerolog.Logger
}

// ServerList is the coordinator's authoritative membership directory.
//
// A single mutex guards every field, including the mutable fields of each
// entry; the background updater re-acquires it through the helpers it
// calls. Methods suffixed Locked require the caller to hold mu.
type ServerList struct {
	mu sync.Mutex

	log       dlog.Log
	transport Transport
	recovery  RecoveryManager
	logger    zerolog.Logger

	trackers []ServerTracker

	slots      []slot
	numMasters uint32
	numBackups uint32

	version uint64
	// pending accumulates per-server deltas since the last commit; updates
	// holds committed deltas, oldest first, until every membership-bearing
	// member has acknowledged them.
	pending []protocol.ServerListEntry
	updates []protocol.ServerList

	nextReplicationID uint64

	rpcTimeout       time.Duration
	concurrentRPCs   int
	stopUpdater      bool
	updaterRunning   bool
	updaterDone      chan struct{}
	hasUpdatesOrStop *sync.Cond
	listUpToDate     *sync.Cond
	lastScan         scanState

	// forceDownForTesting makes the failure detector skip the ping and
	// declare every suspect dead.
	forceDownForTesting bool
}

// New builds a ServerList and starts its background updater.
func New(cfg Config) *ServerList {
	csl := &ServerList{
		log:               cfg.Log,
		transport:         cfg.Transport,
		recovery:          cfg.Recovery,
		logger:            cfg.Logger.With().Str("layer", "coordinator").Logger(),
		nextReplicationID: 1,
		rpcTimeout:        cfg.RPCTimeout,
		concurrentRPCs:    initialConcurrentRPCs,
	}
	csl.hasUpdatesOrStop = sync.NewCond(&csl.mu)
	csl.listUpToDate = sync.NewCond(&csl.mu)
	csl.StartUpdater()
	return csl
}

// AddTracker registers a membership observer.
func (csl *ServerList) AddTracker(t ServerTracker) {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	csl.trackers = append(csl.trackers, t)
}

// Version returns the current cluster version.
func (csl *ServerList) Version() uint64 {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	return csl.version
}

// MasterCount returns the number of UP masters; crashed servers are not
// counted.
func (csl *ServerList) MasterCount() uint32 {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	return csl.numMasters
}

// BackupCount returns the number of UP backups; crashed servers are not
// counted.
func (csl *ServerList) BackupCount() uint32 {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	return csl.numBackups
}

// Get returns a copy of the entry for id.
func (csl *ServerList) Get(id protocol.ServerId) (Entry, error) {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	entry, err := csl.getEntryLocked(id)
	if err != nil {
		return Entry{}, err
	}
	return *entry, nil
}

// GetByIndex returns a copy of the entry at a slot position, or nil if the
// slot is unoccupied. Indexes beyond the slot vector fail with ErrOutOfRange.
func (csl *ServerList) GetByIndex(index uint32) (*Entry, error) {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	if int(index) >= len(csl.slots) {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if csl.slots[index].entry == nil {
		return nil, nil
	}
	cp := *csl.slots[index].entry
	return &cp, nil
}

// NextMasterIndex returns the position of the first master at or after
// startIndex, or -1.
func (csl *ServerList) NextMasterIndex(startIndex uint32) int {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	for i := int(startIndex); i < len(csl.slots); i++ {
		if csl.slots[i].entry != nil && csl.slots[i].entry.IsMaster() {
			return i
		}
	}
	return -1
}

// NextBackupIndex returns the position of the first backup at or after
// startIndex, or -1.
func (csl *ServerList) NextBackupIndex(startIndex uint32) int {
	csl.mu.Lock()
	defer csl.mu.Unlock()

	for i := int(startIndex); i < len(csl.slots); i++ {
		if csl.slots[i].entry != nil && csl.slots[i].entry.IsBackup() {
			return i
		}
	}
	return -1
}

// Serialize snapshots the list for servers whose services intersect the
// default mask (masters and backups; membership-only servers are excluded).
func (csl *ServerList) Serialize() protocol.ServerList {
	return csl.SerializeMask(protocol.MasterService | protocol.BackupService)
}

// SerializeMask snapshots the list for servers whose services intersect
// mask.
func (csl *ServerList) SerializeMask(mask protocol.ServiceMask) protocol.ServerList {
	csl.mu.Lock()
	defer csl.mu.Unlock()
	return csl.serializeLocked(mask)
}

func (csl *ServerList) serializeLocked(mask protocol.ServiceMask) protocol.ServerList {
	list := protocol.ServerList{
		Version: csl.version,
		Type:    protocol.FullList,
	}
	for i := range csl.slots {
		entry := csl.slots[i].entry
		if entry == nil || !entry.Services.Intersects(mask) {
			continue
		}
		list.Servers = append(list.Servers, entry.serialize())
	}
	return list
}

// generateUniqueIDLocked issues a fresh ServerId on the smallest unoccupied
// slot and installs a placeholder entry so the slot is reserved against
// concurrent generation. The reservation is released by the next addLocked
// for the id, or by removeLocked. Index 0 is never issued.
func (csl *ServerList) generateUniqueIDLocked() protocol.ServerId {
	index := csl.firstFreeIndexLocked()

	s := &csl.slots[index]
	if s.nextGeneration == 0 {
		s.nextGeneration = 1
	}
	id := protocol.NewServerId(index, s.nextGeneration)
	s.nextGeneration++
	s.entry = &Entry{
		ServerID: id,
		Status:   protocol.StatusUp,
	}
	return id
}

// firstFreeIndexLocked finds the first unoccupied slot at index >= 1,
// growing the vector when the list is full.
func (csl *ServerList) firstFreeIndexLocked() uint32 {
	index := 1
	for ; index < len(csl.slots); index++ {
		if csl.slots[index].entry == nil {
			break
		}
	}
	csl.growSlotsLocked(index)
	return uint32(index)
}

func (csl *ServerList) growSlotsLocked(index int) {
	for len(csl.slots) <= index {
		csl.slots = append(csl.slots, slot{})
	}
}

func (csl *ServerList) getEntryLocked(id protocol.ServerId) (*Entry, error) {
	index := int(id.Index())
	if index < len(csl.slots) && csl.slots[index].entry != nil &&
		csl.slots[index].entry.ServerID == id {
		return csl.slots[index].entry, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
}

// addLocked installs an UP entry for id, overwriting any reservation
// placeholder. The slot vector is grown when the index is beyond it, which
// happens during coordinator recovery where ids are already known.
func (csl *ServerList) addLocked(id protocol.ServerId, locator string,
	services protocol.ServiceMask, readSpeed uint32) {

	index := int(id.Index())
	csl.growSlotsLocked(index)

	s := &csl.slots[index]
	s.nextGeneration = id.Generation() + 1
	s.entry = &Entry{
		ServerID:       id,
		ServiceLocator: locator,
		Services:       services,
		Status:         protocol.StatusUp,
	}

	if services.Has(protocol.MasterService) {
		csl.numMasters++
	}
	if services.Has(protocol.BackupService) {
		csl.numBackups++
		s.entry.ExpectedReadMBs = readSpeed
	}

	csl.pending = append(csl.pending, s.entry.serialize())
	csl.notifyLocked(ServerAdded, *s.entry)
}

// crashedLocked transitions id from UP to CRASHED and releases its master
// and backup counts. A server that is already CRASHED is a no-op; a DOWN or
// stale id fails with ErrUnknownServer.
func (csl *ServerList) crashedLocked(id protocol.ServerId) error {
	entry, err := csl.getEntryLocked(id)
	if err != nil {
		return err
	}
	if entry.Status == protocol.StatusCrashed {
		return nil
	}
	if entry.Status == protocol.StatusDown {
		return fmt.Errorf("%w: %s already down", ErrUnknownServer, id)
	}

	if entry.IsMaster() {
		csl.numMasters--
	}
	if entry.IsBackup() {
		csl.numBackups--
	}
	entry.Status = protocol.StatusCrashed

	csl.pending = append(csl.pending, entry.serialize())
	csl.notifyLocked(ServerCrashed, *entry)
	return nil
}

// removeLocked takes id out of the list for good. The entry passes through
// CRASHED if it has not already, so both deltas land in the same batch; for
// a replacement enlist this guarantees members apply the removal before the
// re-addition.
func (csl *ServerList) removeLocked(id protocol.ServerId) error {
	entry, err := csl.getEntryLocked(id)
	if err != nil {
		return err
	}
	if err := csl.crashedLocked(id); err != nil {
		return err
	}

	// The entry is destroyed immediately below; setting the state first
	// makes the serialized delta carry DOWN.
	entry.Status = protocol.StatusDown
	csl.pending = append(csl.pending, entry.serialize())

	removed := *entry
	csl.slots[id.Index()].entry = nil

	csl.notifyLocked(ServerRemoved, removed)
	return nil
}

func (csl *ServerList) notifyLocked(event ServerChangeEvent, entry Entry) {
	for _, t := range csl.trackers {
		t.ServerChanged(ServerChange{Event: event, Server: entry})
	}
}

// commitUpdateLocked stamps the pending delta with the next cluster version
// and queues it for propagation. Empty deltas do not bump the version.
func (csl *ServerList) commitUpdateLocked() {
	if len(csl.pending) == 0 {
		return
	}

	csl.version++
	update := protocol.ServerList{
		Version: csl.version,
		Type:    protocol.Update,
		Servers: csl.pending,
	}
	csl.updates = append(csl.updates, update)
	csl.pending = nil
	csl.lastScan.noUpdatesFound = false

	telemetry.ClusterVersion.Set(float64(csl.version))
	csl.hasUpdatesOrStop.Signal()
}

// pruneUpdatesLocked drops committed deltas up to and including version;
// the caller guarantees no UP member still needs them. An empty queue means
// the cluster is up to date, which releases Sync waiters.
func (csl *ServerList) pruneUpdatesLocked(version uint64) {
	if version > csl.version {
		return
	}
	for len(csl.updates) > 0 && csl.updates[0].Version <= version {
		csl.updates = csl.updates[1:]
	}
	if len(csl.updates) == 0 {
		csl.listUpToDate.Broadcast()
	}
}

// isClusterUpToDateLocked reports whether every UP membership-bearing entry
// has acknowledged the current version with nothing in flight.
func (csl *ServerList) isClusterUpToDateLocked() bool {
	for i := range csl.slots {
		entry := csl.slots[i].entry
		if entry == nil {
			continue
		}
		if entry.Services.Has(protocol.MembershipService) &&
			entry.Status == protocol.StatusUp &&
			(entry.listVersion != csl.version || entry.beingUpdated > 0) {
			return false
		}
	}
	return true
}

// setReplicationIDLocked records a backup's group assignment and appends a
// delta so members learn of the change. Non-UP entries are left untouched.
func (csl *ServerList) setReplicationIDLocked(id protocol.ServerId, replicationID uint64) error {
	entry, err := csl.getEntryLocked(id)
	if err != nil {
		return err
	}
	if entry.Status != protocol.StatusUp {
		return nil
	}
	entry.ReplicationID = replicationID
	csl.pending = append(csl.pending, entry.serialize())
	return nil
}

// assignReplicationGroupLocked atomically assigns replicationID to every
// server in group: if any member is not retrievable the whole assignment is
// abandoned and false is returned.
func (csl *ServerList) assignReplicationGroupLocked(replicationID uint64,
	group []protocol.ServerId) bool {

	for _, id := range group {
		if _, err := csl.getEntryLocked(id); err != nil {
			return false
		}
	}
	for _, id := range group {
		if err := csl.setReplicationIDLocked(id, replicationID); err != nil {
			return false
		}
	}
	return true
}

// createReplicationGroupLocked partitions ungrouped UP backups into groups
// of replicasPerGroup, in list order, leaving any remainder ungrouped.
func (csl *ServerList) createReplicationGroupLocked() {
	var freeBackups []protocol.ServerId
	for i := range csl.slots {
		entry := csl.slots[i].entry
		if entry != nil && entry.IsBackup() &&
			entry.Status == protocol.StatusUp && entry.ReplicationID == 0 {
			freeBackups = append(freeBackups, entry.ServerID)
		}
	}

	for len(freeBackups) >= replicasPerGroup {
		group := freeBackups[:replicasPerGroup]
		freeBackups = freeBackups[replicasPerGroup:]
		if csl.assignReplicationGroupLocked(csl.nextReplicationID, group) {
			csl.logger.Debug().
				Uint64("replication_id", csl.nextReplicationID).
				Msg("formed replication group")
		}
		csl.nextReplicationID++
	}
}

// removeReplicationGroupLocked resets every UP backup in groupID back to
// unassigned. Group 0 is the unassigned pool and is never removed.
func (csl *ServerList) removeReplicationGroupLocked(groupID uint64) {
	if groupID == 0 {
		return
	}
	for i := range csl.slots {
		entry := csl.slots[i].entry
		if entry != nil && entry.IsBackup() && entry.ReplicationID == groupID {
			if err := csl.setReplicationIDLocked(entry.ServerID, 0); err != nil {
				csl.logger.Warn().Err(err).
					Str("server_id", entry.ServerID.String()).
					Msg("failed to reset replication group")
			}
		}
	}
}

// appendLocked writes a record to the durable log, passing the expected
// entry id so a write raced by another coordinator is refused rather than
// applied twice.
func (csl *ServerList) appendLocked(rec *dlog.Record, invalidates []uint64) (uint64, error) {
	id, err := csl.log.Append(csl.log.NextID(), rec, invalidates)
	if err != nil {
		return 0, fmt.Errorf("durable log append failed: %w", err)
	}
	return id, nil
}

func (csl *ServerList) invalidateLocked(ids []uint64) error {
	if err := csl.log.Invalidate(csl.log.NextID(), ids); err != nil {
		return fmt.Errorf("durable log invalidate failed: %w", err)
	}
	return nil
}
