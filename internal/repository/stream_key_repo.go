// Package repository provides data access implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/vtcast/internal/models"
)

// streamKeyRepository implements StreamKeyRepository using GORM.
type streamKeyRepository struct {
	db *gorm.DB
}

// NewStreamKeyRepository creates a new StreamKeyRepository.
func NewStreamKeyRepository(db *gorm.DB) StreamKeyRepository {
	return &streamKeyRepository{db: db}
}

// Create stores a newly issued key.
func (r *streamKeyRepository) Create(ctx context.Context, key *models.StreamKey) error {
	if key.UserID == "" {
		return models.ErrUserIDRequired
	}
	if key.StreamID == "" {
		return models.ErrStreamIDRequired
	}
	if len(key.KeyHash) != 64 {
		return fmt.Errorf("creating stream key: hash must be 64 hex characters, got %d", len(key.KeyHash))
	}
	return r.db.WithContext(ctx).Create(key).Error
}

// GetByID retrieves a key record by ID.
func (r *streamKeyRepository) GetByID(ctx context.Context, id models.ULID) (*models.StreamKey, error) {
	var key models.StreamKey
	if err := r.db.WithContext(ctx).First(&key, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &key, nil
}

// GetByHash retrieves a key record by hash.
func (r *streamKeyRepository) GetByHash(ctx context.Context, hash string) (*models.StreamKey, error) {
	var key models.StreamKey
	if err := r.db.WithContext(ctx).First(&key, "key_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &key, nil
}

// ListByUser retrieves every key issued to a user.
func (r *streamKeyRepository) ListByUser(ctx context.Context, userID string) ([]*models.StreamKey, error) {
	var keys []*models.StreamKey
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// TouchLastUsed sets last_used_at only. UpdateColumn skips hooks and leaves
// updated_at and retain_until untouched.
func (r *streamKeyRepository) TouchLastUsed(ctx context.Context, id models.ULID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.StreamKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at).Error
}

// Deactivate marks a key inactive. Revoking an already revoked key still matches.
func (r *streamKeyRepository) Deactivate(ctx context.Context, hash string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.StreamKey{}).
		Where("key_hash = ?", hash).
		Update("active", false)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// Some drivers report zero affected rows when the value is unchanged.
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.StreamKey{}).
		Where("key_hash = ?", hash).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeactivateExpired marks expired keys inactive.
func (r *streamKeyRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.StreamKey{}).
		Where("active = ?", true).
		Where("(expires_at IS NOT NULL AND expires_at < ?) OR retain_until <= ?", now, now).
		Update("active", false)
	return result.RowsAffected, result.Error
}

// GetAlias retrieves an alias mapping.
func (r *streamKeyRepository) GetAlias(ctx context.Context, alias string) (*models.StreamKeyAlias, error) {
	var a models.StreamKeyAlias
	if err := r.db.WithContext(ctx).First(&a, "alias = ?", alias).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// SaveAlias upserts an alias mapping.
func (r *streamKeyRepository) SaveAlias(ctx context.Context, alias *models.StreamKeyAlias) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "alias"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_hash", "user_id", "stream_id", "generation", "updated_at"}),
		}).
		Create(alias).Error
}
