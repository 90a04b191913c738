package status

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no daemon has written a document yet.
	ErrNotFound = errors.New("status: no status document")

	// ErrMalformed covers unparsable documents and out-of-range enums.
	ErrMalformed = errors.New("status: malformed status document")
)

// Repository persists the status document.
type Repository interface {
	// Load returns ErrNotFound when no document exists and wraps
	// ErrMalformed when one exists but cannot be trusted.
	Load(ctx context.Context) (Document, error)

	// Save replaces the document atomically.
	Save(ctx context.Context, doc Document) error
}
