package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/iudanet/flightlink/internal/history"
	"github.com/iudanet/flightlink/internal/models"
)

// Archive stores a completed leg snapshot, keyed by stable id.
// Повторный вызов с тем же id — no-op; совпадение по tuple-ключу
// заменяет legacy запись новой (самовосстановление идентичности).
func (s *Storage) Archive(ctx context.Context, leg *models.CompletedLeg) (bool, error) {
	if s.db == nil {
		return false, history.ErrStorageClosed
	}

	data, err := json.Marshal(leg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal completed leg: %w", err)
	}

	archived := false

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketLegs)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}

		// Запись с тем же stable id уже есть — архивирование идемпотентно
		if bucket.Get([]byte(leg.ID)) != nil {
			return nil
		}

		// Ищем legacy запись с тем же tuple-ключом
		legacyKey, err := findTupleMatch(bucket, leg)
		if err != nil {
			return err
		}
		if legacyKey != nil {
			if err := bucket.Delete(legacyKey); err != nil {
				return fmt.Errorf("failed to delete legacy entry: %w", err)
			}
		}

		if err := bucket.Put([]byte(leg.ID), data); err != nil {
			return fmt.Errorf("failed to save completed leg: %w", err)
		}

		archived = true
		return nil
	})

	if err != nil {
		return false, fmt.Errorf("archive transaction failed: %w", err)
	}

	return archived, nil
}

// findTupleMatch возвращает ключ записи с тем же tuple-ключом, либо nil.
func findTupleMatch(bucket *bbolt.Bucket, leg *models.CompletedLeg) ([]byte, error) {
	tupleKey := leg.TupleKey()

	var found []byte
	err := bucket.ForEach(func(k, v []byte) error {
		var existing models.CompletedLeg
		if err := json.Unmarshal(v, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		if existing.TupleKey() == tupleKey {
			found = append([]byte(nil), k...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Get retrieves a completed leg by stable id
func (s *Storage) Get(ctx context.Context, id string) (*models.CompletedLeg, error) {
	if s.db == nil {
		return nil, history.ErrStorageClosed
	}

	var leg *models.CompletedLeg

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLegs)
		if bucket == nil {
			return history.ErrLegNotFound
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return history.ErrLegNotFound
		}

		leg = &models.CompletedLeg{}
		if err := json.Unmarshal(data, leg); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return leg, nil
}

// List returns all entries ordered by OUT time ascending
func (s *Storage) List(ctx context.Context) ([]*models.CompletedLeg, error) {
	if s.db == nil {
		return nil, history.ErrStorageClosed
	}

	var legs []*models.CompletedLeg

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLegs)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var leg models.CompletedLeg
			if err := json.Unmarshal(v, &leg); err != nil {
				return fmt.Errorf("failed to unmarshal entry: %w", err)
			}
			legs = append(legs, &leg)
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list completed legs: %w", err)
	}

	sort.Slice(legs, func(i, j int) bool {
		return legs[i].Out.Before(legs[j].Out)
	})

	return legs, nil
}

// DedupeOnce collapses entries sharing a tuple key, keeping the winner per
// history.Supersedes. Чистит записи, созданные до введения stable id.
// Выполняется не более одного раза за время жизни процесса.
func (s *Storage) DedupeOnce(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, history.ErrStorageClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedupeDone {
		return 0, nil
	}

	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLegs)
		if bucket == nil {
			return nil
		}

		// Группируем по tuple-ключу, выбираем победителя
		winners := make(map[string]*models.CompletedLeg)
		losers := make([][]byte, 0)

		if err := bucket.ForEach(func(k, v []byte) error {
			var leg models.CompletedLeg
			if err := json.Unmarshal(v, &leg); err != nil {
				return fmt.Errorf("failed to unmarshal entry: %w", err)
			}

			key := leg.TupleKey()
			existing, ok := winners[key]
			if !ok {
				winners[key] = &leg
				return nil
			}

			if history.Supersedes(&leg, existing) {
				losers = append(losers, []byte(existing.ID))
				winners[key] = &leg
			} else {
				losers = append(losers, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range losers {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete duplicate: %w", err)
			}
			removed++
		}
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("dedupe transaction failed: %w", err)
	}

	s.dedupeDone = true
	return removed, nil
}

// Clear removes all entries from the store
func (s *Storage) Clear(ctx context.Context) error {
	if s.db == nil {
		return history.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		// Удаляем bucket полностью
		if err := tx.DeleteBucket(bucketLegs); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}

		// Создаем заново пустой bucket
		if _, err := tx.CreateBucket(bucketLegs); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})

	if err != nil {
		return fmt.Errorf("clear transaction failed: %w", err)
	}

	return nil
}
