package dlog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// envelope is the on-disk frame around a Record. Invalidations are durable
// too: they are appended as tombstone envelopes naming the dead entry ids and
// replayed into deadIDs at open.
type envelope struct {
	Tombstone   bool     `json:"tombstone,omitempty"`
	Invalidates []uint64 `json:"invalidates,omitempty"`
	Record      *Record  `json:"record,omitempty"`
}

// BoltLog stores coordinator records as raft log entries in a bolt store.
type BoltLog struct {
	mu      sync.Mutex
	store   *raftboltdb.BoltStore
	nextID  uint64
	deadIDs map[uint64]bool

	logger zerolog.Logger
}

// OpenBoltLog opens (or creates) the durable log at path and replays
// tombstones so that invalidated entries stay unreadable across restarts.
func OpenBoltLog(path string, logger zerolog.Logger) (*BoltLog, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	l := &BoltLog{
		store:   store,
		nextID:  1,
		deadIDs: make(map[uint64]bool),
		logger:  logger.With().Str("layer", "dlog").Logger(),
	}

	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to read log head: %w", err)
	}
	if last > 0 {
		l.nextID = last + 1
		if err := l.replayTombstones(); err != nil {
			store.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *BoltLog) replayTombstones() error {
	first, err := l.store.FirstIndex()
	if err != nil {
		return fmt.Errorf("failed to read log tail: %w", err)
	}
	for id := first; id < l.nextID; id++ {
		var raftLog raft.Log
		if err := l.store.GetLog(id, &raftLog); err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(raftLog.Data, &env); err != nil {
			return fmt.Errorf("corrupt log entry %d: %w", id, err)
		}
		for _, dead := range env.Invalidates {
			l.deadIDs[dead] = true
		}
	}
	l.logger.Debug().Uint64("next_id", l.nextID).Int("dead", len(l.deadIDs)).Msg("replayed log")
	return nil
}

func (l *BoltLog) append(expectedID uint64, env *envelope) (uint64, error) {
	if expectedID != 0 && expectedID != l.nextID {
		return 0, fmt.Errorf("%w: expected %d, head at %d", ErrWrongExpected, expectedID, l.nextID)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	id := l.nextID
	err = l.store.StoreLog(&raft.Log{
		Index: id,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  data,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store record: %w", err)
	}

	l.nextID++
	for _, dead := range env.Invalidates {
		l.deadIDs[dead] = true
	}
	return id, nil
}

func (l *BoltLog) Append(expectedID uint64, rec *Record, invalidates []uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := l.append(expectedID, &envelope{Record: rec, Invalidates: invalidates})
	if err != nil {
		return 0, err
	}
	l.logger.Debug().Uint64("entry_id", id).Str("entry_type", rec.EntryType).Msg("appended record")
	return id, nil
}

func (l *BoltLog) Read(id uint64) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.deadIDs[id] {
		return nil, ErrNotFound
	}

	var raftLog raft.Log
	if err := l.store.GetLog(id, &raftLog); err != nil {
		return nil, ErrNotFound
	}

	var env envelope
	if err := json.Unmarshal(raftLog.Data, &env); err != nil {
		return nil, fmt.Errorf("corrupt log entry %d: %w", id, err)
	}
	if env.Tombstone || env.Record == nil {
		return nil, ErrNotFound
	}
	return env.Record, nil
}

func (l *BoltLog) Invalidate(expectedID uint64, ids []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.append(expectedID, &envelope{Tombstone: true, Invalidates: ids})
	return err
}

// NextID returns the id the next successful append will be assigned.
func (l *BoltLog) NextID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

func (l *BoltLog) Close() error {
	return l.store.Close()
}
