package history

import "errors"

// Common history store errors
var (
	// ErrStorageClosed indicates that the store is closed
	ErrStorageClosed = errors.New("history storage is closed")

	// ErrLegNotFound indicates that no completed leg exists for the id
	ErrLegNotFound = errors.New("completed leg not found")
)
