// Package repository defines data access interfaces for vtcast entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/vtcast/internal/models"
)

// StreamKeyRepository defines operations for stream key persistence.
// Lookups that find nothing return (nil, nil).
type StreamKeyRepository interface {
	// Create stores a newly issued key.
	Create(ctx context.Context, key *models.StreamKey) error
	// GetByID retrieves a key record by ID.
	GetByID(ctx context.Context, id models.ULID) (*models.StreamKey, error)
	// GetByHash retrieves a key record by the SHA-256 hash of its plaintext.
	GetByHash(ctx context.Context, hash string) (*models.StreamKey, error)
	// ListByUser retrieves every key issued to a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]*models.StreamKey, error)
	// TouchLastUsed records a successful validation without altering the retention TTL.
	TouchLastUsed(ctx context.Context, id models.ULID, at time.Time) error
	// Deactivate marks the key with the given hash inactive. It reports whether a record matched.
	Deactivate(ctx context.Context, hash string) (bool, error)
	// DeactivateExpired marks every active key that is expired or past retention at now inactive.
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)

	// GetAlias retrieves an alias mapping.
	GetAlias(ctx context.Context, alias string) (*models.StreamKeyAlias, error)
	// SaveAlias creates or replaces an alias mapping.
	SaveAlias(ctx context.Context, alias *models.StreamKeyAlias) error
}
