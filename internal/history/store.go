// Package history defines the append-only, deduplicated store of completed
// legs used for offline browsing. The engine archives into it on leg
// advance; nothing else mutates it.
package history

import (
	"context"

	"github.com/iudanet/flightlink/internal/models"
)

//go:generate moq -out store_mock.go . Store

// Store defines the Completed-Leg History Store. Identity rules:
// two entries with the same stable id, or with the same
// (departure, arrival, out, in) tuple, are the same real-world leg and
// must collapse to a single entry.
type Store interface {
	// Archive stores a completed leg snapshot. Returns (false, nil) when an
	// entry with the same stable id already exists (idempotent no-op).
	// A tuple match replaces the legacy entry with leg instead of
	// duplicating it (self-healing migration to stable ids).
	Archive(ctx context.Context, leg *models.CompletedLeg) (bool, error)

	// Get retrieves a completed leg by stable id.
	// Returns ErrLegNotFound if no entry exists.
	Get(ctx context.Context, id string) (*models.CompletedLeg, error)

	// List returns all entries ordered by OUT time ascending.
	List(ctx context.Context) ([]*models.CompletedLeg, error)

	// DedupeOnce collapses entries sharing a tuple key, keeping the most
	// recently archived one. Runs at most once per process lifetime;
	// subsequent calls are no-ops. Returns the number of removed entries.
	DedupeOnce(ctx context.Context) (int, error)

	// Clear removes all entries. Intended only for an explicit
	// clear-history action, never for terminal trip events.
	Clear(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}

// Supersedes reports whether a wins over b when both carry the same tuple
// key: later archive time wins, equal times fall back to the greater id so
// the choice is deterministic on both devices.
func Supersedes(a, b *models.CompletedLeg) bool {
	if !a.ArchivedAt.Equal(b.ArchivedAt) {
		return a.ArchivedAt.After(b.ArchivedAt)
	}
	return a.ID > b.ID
}
