package settings

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	// BoltDB bucket and key names
	bucketPrefs    = []byte("preferences")
	keyUseZuluTime = []byte("use_zulu_time")
)

// BoltStore is the BoltDB-backed preference store.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the preference store at dbPath.
func NewBoltStore(ctx context.Context, dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	// Инициализируем bucket
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPrefs); err != nil {
			return fmt.Errorf("failed to create preferences bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveUseZuluTime persists the time display mode
func (s *BoltStore) SaveUseZuluTime(ctx context.Context, useZulu bool) error {
	value := []byte{0}
	if useZulu {
		value = []byte{1}
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketPrefs)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return bucket.Put(keyUseZuluTime, value)
	})
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

// GetUseZuluTime retrieves the time display mode, false when unset
func (s *BoltStore) GetUseZuluTime(ctx context.Context) (bool, error) {
	var useZulu bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPrefs)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyUseZuluTime)
		useZulu = len(data) == 1 && data[0] == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read preference: %w", err)
	}
	return useZulu, nil
}
