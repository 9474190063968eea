// Package backup persists segment replicas on servers offering the backup
// service. Replicas are keyed by the master that owns the segment, so a
// master's replicas can be enumerated for recovery and dropped wholesale
// once it has been recovered.
package backup

import (
	"encoding/binary"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

const replicaKeyLen = 1 + 8 + 8

type Store struct {
	db *pebble.DB

	logger zerolog.Logger
}

func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("layer", "backup").Logger(),
	}, nil
}

func replicaKey(masterID protocol.ServerId, segmentID uint64) []byte {
	key := make([]byte, replicaKeyLen)
	key[0] = 'r'
	binary.BigEndian.PutUint64(key[1:], uint64(masterID))
	binary.BigEndian.PutUint64(key[9:], segmentID)
	return key
}

// masterBounds returns the key range covering every replica of masterID.
func masterBounds(masterID protocol.ServerId) (start, end []byte) {
	start = replicaKey(masterID, 0)
	end = replicaKey(masterID, ^uint64(0))
	end = append(end, 0)
	return start, end
}

// PutSegment durably stores one segment replica, overwriting any previous
// replica of the same segment.
func (s *Store) PutSegment(masterID protocol.ServerId, segmentID uint64, data []byte) error {
	return s.db.Set(replicaKey(masterID, segmentID), data, pebble.Sync)
}

// GetSegment returns the stored replica, or nil if there is none.
func (s *Store) GetSegment(masterID protocol.ServerId, segmentID uint64) ([]byte, error) {
	value, closer, err := s.db.Get(replicaKey(masterID, segmentID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close pebble value")
		}
	}()

	// Copy the value since it is only valid until closer is closed.
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Segments lists the segment ids held for masterID in ascending order.
func (s *Store) Segments(masterID protocol.ServerId) ([]uint64, error) {
	start, end := masterBounds(masterID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var segments []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != replicaKeyLen {
			continue
		}
		segments = append(segments, binary.BigEndian.Uint64(key[9:]))
	}
	return segments, nil
}

// FreeMaster drops every replica held for masterID, returning how many were
// deleted. Called once the master has been recovered and its replicas are
// no longer needed.
func (s *Store) FreeMaster(masterID protocol.ServerId) (int, error) {
	segments, err := s.Segments(masterID)
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, segmentID := range segments {
		if err := batch.Delete(replicaKey(masterID, segmentID), pebble.Sync); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("master_id", masterID.String()).
		Int("segments", len(segments)).
		Msg("freed replicas")
	return len(segments), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
