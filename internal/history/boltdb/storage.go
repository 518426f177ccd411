// Package boltdb implements the companion-device history store on BoltDB.
// The companion keeps the cache local so completed legs stay browsable
// while the primary device is unreachable.
package boltdb

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

var (
	// BoltDB bucket names
	bucketLegs = []byte("completed_legs")
)

// Storage represents BoltDB history store implementation for the companion
type Storage struct {
	db *bbolt.DB

	mu         sync.Mutex
	dedupeDone bool // DedupeOnce выполняется не более одного раза за процесс
}

// New creates a new BoltDB history store instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	storage := &Storage{db: db}

	// Инициализируем buckets
	if err := storage.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLegs); err != nil {
			return fmt.Errorf("failed to create legs bucket: %w", err)
		}
		return nil
	})
}
