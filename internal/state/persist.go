package state

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const (
	storeBucket = "mapboard"
	snapshotKey = "snapshot"
)

// Store persists document snapshots across restarts. Only the snapshot and pen
// preferences survive a reload; session role, connections, permission state and
// cursors always start from their defaults.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the snapshot database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(storeBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes the snapshot, replacing any previous one.
func (s *Store) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(storeBucket)).Put([]byte(snapshotKey), data)
	})
}

// Load reads the stored snapshot. The second return is false when none exists.
func (s *Store) Load() (Snapshot, bool, error) {
	var snap Snapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(storeBucket)).Get([]byte(snapshotKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, found, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
