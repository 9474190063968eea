package coordinator

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/buraksezer/consistent"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

// Hasher is the 64-bit FNV-1a hash used by the tablet placement ring.
type Hasher struct{}

func (h Hasher) Sum64(data []byte) uint64 {
	var hash uint64 = 14695981039346656037
	for _, b := range data {
		hash ^= uint64(b)
		hash *= 1099511628211
	}
	return hash
}

type ringMember string

func (m ringMember) String() string {
	return string(m)
}

// TabletDirectory places tables onto UP masters with a consistent-hash
// ring. It tracks membership by registering as a ServerTracker on the
// server list: additions of masters join the ring, crashes and removals
// leave it.
type TabletDirectory struct {
	mu      sync.RWMutex
	ring    *consistent.Consistent
	members map[string]protocol.ServerId

	logger zerolog.Logger
}

func NewTabletDirectory(logger zerolog.Logger) *TabletDirectory {
	cfg := consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            &Hasher{},
	}
	return &TabletDirectory{
		ring:    consistent.New(nil, cfg),
		members: make(map[string]protocol.ServerId),
		logger:  logger.With().Str("layer", "tablets").Logger(),
	}
}

// ServerChanged implements ServerTracker. It runs under the coordinator
// lock and only touches the directory's own state.
func (d *TabletDirectory) ServerChanged(change ServerChange) {
	if !change.Server.Services.Has(protocol.MasterService) {
		return
	}
	name := change.Server.ServerID.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	switch change.Event {
	case ServerAdded:
		d.ring.Add(ringMember(name))
		d.members[name] = change.Server.ServerID
		d.logger.Debug().Str("server_id", name).Msg("master joined placement ring")
	case ServerCrashed, ServerRemoved:
		if _, ok := d.members[name]; ok {
			d.ring.Remove(name)
			delete(d.members, name)
			d.logger.Debug().Str("server_id", name).Msg("master left placement ring")
		}
	}
}

// Locate returns the master that owns tableID.
func (d *TabletDirectory) Locate(tableID uint64) (protocol.ServerId, error) {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], tableID)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.members) == 0 {
		return protocol.InvalidServerId, fmt.Errorf("no masters in the cluster")
	}
	member := d.ring.LocateKey(key[:])
	if member == nil {
		return protocol.InvalidServerId, fmt.Errorf("no master found for table %d", tableID)
	}
	return d.members[member.String()], nil
}

// Masters returns the number of masters currently in the ring.
func (d *TabletDirectory) Masters() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}
