package node

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

// ErrOutOfOrder is returned when an incremental update does not follow the
// member's current version; the member keeps its state and the coordinator
// retries.
var ErrOutOfOrder = errors.New("node: update version out of order")

// ErrShuttingDown is reported while the node is leaving the cluster; the
// coordinator maps it to a server-not-up outcome.
var ErrShuttingDown = errors.New("node: shutting down")

// MembershipList is a member's view of the cluster, fed by the
// coordinator's updater. A full list replaces the view wholesale; an update
// applies entry by entry, in order, so the removal of a replaced id always
// lands before its replacement's addition.
type MembershipList struct {
	mu           sync.Mutex
	version      uint64
	servers      map[protocol.ServerId]protocol.ServerListEntry
	shuttingDown bool

	logger zerolog.Logger
}

func NewMembershipList(logger zerolog.Logger) *MembershipList {
	return &MembershipList{
		servers: make(map[protocol.ServerId]protocol.ServerListEntry),
		logger:  logger.With().Str("layer", "membership").Logger(),
	}
}

// Apply ingests a server list message and returns the member's resulting
// version.
func (m *MembershipList) Apply(list *protocol.ServerList) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		return m.version, ErrShuttingDown
	}

	switch list.Type {
	case protocol.FullList:
		m.servers = make(map[protocol.ServerId]protocol.ServerListEntry)
		for _, entry := range list.Servers {
			m.applyEntry(entry)
		}
		m.version = list.Version

	case protocol.Update:
		if list.Version != m.version+1 {
			m.logger.Warn().
				Uint64("have", m.version).
				Uint64("got", list.Version).
				Msg("membership update out of order")
			return m.version, fmt.Errorf("%w: have %d, got %d", ErrOutOfOrder, m.version, list.Version)
		}
		for _, entry := range list.Servers {
			m.applyEntry(entry)
		}
		m.version = list.Version

	default:
		return m.version, fmt.Errorf("unknown server list type %d", list.Type)
	}

	m.logger.Debug().Uint64("version", m.version).Msg("applied server list")
	return m.version, nil
}

func (m *MembershipList) applyEntry(entry protocol.ServerListEntry) {
	if entry.Status == protocol.StatusDown {
		delete(m.servers, entry.ServerID)
		return
	}
	m.servers[entry.ServerID] = entry
}

// Version returns the last applied cluster version.
func (m *MembershipList) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Get returns the member's view of id.
func (m *MembershipList) Get(id protocol.ServerId) (protocol.ServerListEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[id]
	return entry, ok
}

// Len returns how many servers the member currently knows of.
func (m *MembershipList) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servers)
}

// ReplicationGroup lists the UP backups sharing replicationID.
func (m *MembershipList) ReplicationGroup(replicationID uint64) []protocol.ServerId {
	m.mu.Lock()
	defer m.mu.Unlock()

	if replicationID == 0 {
		return nil
	}
	var group []protocol.ServerId
	for id, entry := range m.servers {
		if entry.ReplicationID == replicationID && entry.Status == protocol.StatusUp {
			group = append(group, id)
		}
	}
	return group
}

// Shutdown makes further updates report ErrShuttingDown.
func (m *MembershipList) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shuttingDown = true
}
