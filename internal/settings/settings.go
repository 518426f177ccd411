// Package settings is the shared key/value preference store visible to
// both device processes. The engine consumes it but does not own it:
// display preferences never alter stored instants.
package settings

import "context"

//go:generate moq -out settings_mock.go . Store

// Store defines the preference store interface.
type Store interface {
	// SaveUseZuluTime persists the time display mode (true = Zulu/UTC).
	SaveUseZuluTime(ctx context.Context, useZulu bool) error

	// GetUseZuluTime retrieves the time display mode.
	// Returns false if no preference has been stored yet.
	GetUseZuluTime(ctx context.Context) (bool, error)

	// Close releases the underlying database.
	Close() error
}
