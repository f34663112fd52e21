package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/cdcflow/pkg/changeevent"
	bolt "go.etcd.io/bbolt"
)

var bucketPositions = []byte("positions")

// BoltStore is a Store backed by a local bbolt database: one bucket, JSON
// values, upsert-by-put.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the checkpoint database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cdcflow-checkpoints.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPositions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create positions bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *BoltStore) Get(sourceID string) (SourcePosition, bool, error) {
	var pos SourcePosition
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPositions)
		data := b.Get([]byte(sourceID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &pos)
	})
	return pos, found, err
}

// Update implements Store.
func (s *BoltStore) Update(pos SourcePosition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPositions)
		data, err := json.Marshal(pos)
		if err != nil {
			return err
		}
		return b.Put([]byte(pos.SourceID), data)
	})
}

// Resume implements Store.
func (s *BoltStore) Resume(sourceID string) (changeevent.Position, error) {
	pos, found, err := s.Get(sourceID)
	if err != nil {
		return changeevent.Position{}, err
	}
	if !found {
		return changeevent.Position{}, nil
	}
	return pos.LastCommitted, nil
}
