package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/memora-client/internal/domain"
)

// GetSession returns the persisted session or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).
		Where("key = ?", domain.SessionKey).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveSession upserts the single session row. CreatedAt is kept from the
// first insert; everything else is overwritten.
func SaveSession(ctx context.Context, db *gorm.DB, s domain.Session) (*domain.Session, error) {
	now := time.Now().UTC()
	s.Key = domain.SessionKey
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "user_id", "display_name", "avatar_url", "updated_at"}),
		}).
		Create(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes the session row. Deleting a missing session is not
// an error.
func DeleteSession(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).
		Where("key = ?", domain.SessionKey).
		Delete(&domain.Session{}).Error
}
