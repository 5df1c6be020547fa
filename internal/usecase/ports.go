package usecase

import (
	"context"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
)

// RecordRepository is the storage half of the backend collaborator.
// Backends report transport failures as domain.ConnectionError.
type RecordRepository interface {
	// Push stores rec under a freshly generated id and returns the stored record.
	Push(ctx context.Context, path string, rec minisocial.Record) (minisocial.Record, error)
	// Create stores rec under rec.ID only if no record with that id exists.
	Create(ctx context.Context, path string, rec minisocial.Record) (bool, error)
	// Set replaces the whole record.
	Set(ctx context.Context, path string, rec minisocial.Record) error
	// Update merges fields into an existing record. A nil value removes the
	// field. When expect is non-nil every listed field must currently hold
	// the given value or domain.ConflictError is returned.
	Update(ctx context.Context, path, id string, fields map[string]any, expect map[string]any) error
	// Remove deletes a record; removing an absent record is not an error.
	Remove(ctx context.Context, path, id string) error
	Get(ctx context.Context, path, id string) (minisocial.Record, error)
	// Query returns matching records in ascending timestamp order.
	Query(ctx context.Context, q domain.Query) ([]minisocial.Record, error)
}

// LiveQuery is the change-feed half of the backend collaborator. The
// returned channel yields a window on open and after every change under
// q.Path; it is closed when ctx ends or after an error window.
type LiveQuery interface {
	Listen(ctx context.Context, q domain.Query) (<-chan domain.Window, error)
}

// Backend bundles both halves.
type Backend interface {
	RecordRepository
	LiveQuery
}

// RoleCache memoises role lookups for the permission gate.
type RoleCache interface {
	Get(userID string) (string, bool)
	Set(userID, role string)
	Delete(userID string)
}
