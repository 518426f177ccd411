package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/flightlink/internal/history"
	"github.com/iudanet/flightlink/internal/models"
)

// Archive stores a completed leg snapshot, keyed by stable id.
// Существующий stable id — идемпотентный no-op; совпадение по tuple-ключу
// заменяет legacy запись новой.
func (s *Storage) Archive(ctx context.Context, leg *models.CompletedLeg) (bool, error) {
	if s.isClosed() {
		return false, history.ErrStorageClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Запись с тем же stable id уже есть
	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM completed_legs WHERE id = ?", leg.ID).Scan(&exists)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check stable id: %w", err)
	}

	// Удаляем legacy запись с тем же tuple-ключом, если она есть
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM completed_legs
		 WHERE departure = ? AND arrival = ? AND out_time = ? AND in_time = ?`,
		leg.Departure, leg.Arrival, leg.Out.Unix(), leg.In.Unix()); err != nil {
		return false, fmt.Errorf("failed to delete legacy entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO completed_legs
		 (id, flight_number, departure, arrival, out_time, off_time, on_time, in_time, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		leg.ID, leg.FlightNumber, leg.Departure, leg.Arrival,
		leg.Out.Unix(), leg.Off.Unix(), leg.On.Unix(), leg.In.Unix(),
		leg.ArchivedAt.Unix()); err != nil {
		return false, fmt.Errorf("failed to insert completed leg: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return true, nil
}

// Get retrieves a completed leg by stable id
func (s *Storage) Get(ctx context.Context, id string) (*models.CompletedLeg, error) {
	if s.isClosed() {
		return nil, history.ErrStorageClosed
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, flight_number, departure, arrival, out_time, off_time, on_time, in_time, archived_at
		 FROM completed_legs WHERE id = ?`, id)

	leg, err := scanLeg(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, history.ErrLegNotFound
		}
		return nil, fmt.Errorf("failed to get completed leg: %w", err)
	}
	return leg, nil
}

// List returns all entries ordered by OUT time ascending
func (s *Storage) List(ctx context.Context) ([]*models.CompletedLeg, error) {
	if s.isClosed() {
		return nil, history.ErrStorageClosed
	}
	return s.listLegs(ctx)
}

// listLegs выполняет сам запрос; вызывается и из DedupeOnce под s.mu.
func (s *Storage) listLegs(ctx context.Context) ([]*models.CompletedLeg, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flight_number, departure, arrival, out_time, off_time, on_time, in_time, archived_at
		 FROM completed_legs ORDER BY out_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed legs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var legs []*models.CompletedLeg
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completed leg: %w", err)
		}
		legs = append(legs, leg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return legs, nil
}

// DedupeOnce collapses entries sharing a tuple key, keeping the winner per
// history.Supersedes. Выполняется не более одного раза за процесс.
func (s *Storage) DedupeOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, history.ErrStorageClosed
	}
	if s.dedupeDone {
		return 0, nil
	}

	legs, err := s.listLegs(ctx)
	if err != nil {
		return 0, err
	}

	// Группируем по tuple-ключу, выбираем победителя
	winners := make(map[string]*models.CompletedLeg)
	var losers []string

	for _, leg := range legs {
		key := leg.TupleKey()
		existing, ok := winners[key]
		if !ok {
			winners[key] = leg
			continue
		}
		if history.Supersedes(leg, existing) {
			losers = append(losers, existing.ID)
			winners[key] = leg
		} else {
			losers = append(losers, leg.ID)
		}
	}

	removed := 0
	for _, id := range losers {
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM completed_legs WHERE id = ?", id); err != nil {
			return removed, fmt.Errorf("failed to delete duplicate: %w", err)
		}
		removed++
	}

	s.dedupeDone = true
	return removed, nil
}

// Clear removes all entries from the store
func (s *Storage) Clear(ctx context.Context) error {
	if s.isClosed() {
		return history.ErrStorageClosed
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM completed_legs"); err != nil {
		return fmt.Errorf("failed to clear completed legs: %w", err)
	}
	return nil
}

// scanner покрывает и *sql.Row, и *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanLeg(row scanner) (*models.CompletedLeg, error) {
	var leg models.CompletedLeg
	var outT, offT, onT, inT, archivedAt int64

	if err := row.Scan(&leg.ID, &leg.FlightNumber, &leg.Departure, &leg.Arrival,
		&outT, &offT, &onT, &inT, &archivedAt); err != nil {
		return nil, err
	}

	leg.Out = time.Unix(outT, 0).UTC()
	leg.Off = time.Unix(offT, 0).UTC()
	leg.On = time.Unix(onT, 0).UTC()
	leg.In = time.Unix(inT, 0).UTC()
	leg.ArchivedAt = time.Unix(archivedAt, 0).UTC()

	return &leg, nil
}
