// Package repo implements the data persistence layer backed by GORM. This
// file provides repository functions for the cached inbox.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
//
// Error semantics:
//   - When a conversation is not cached, functions return ErrNotFound.
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/memora-client/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience.
var ErrNotFound = gorm.ErrRecordNotFound

// ReplaceConversations swaps ownerID's cached inbox for rows in a single
// transaction. Rows for other owners are untouched.
func ReplaceConversations(ctx context.Context, db *gorm.DB, ownerID string, rows []domain.CachedConversation) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_id = ?", ownerID).Delete(&domain.CachedConversation{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			rows[i].OwnerID = ownerID
		}
		// A conversation id cached for another owner (account switch) is taken over.
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 100).Error
	})
}

// CountConversations returns the number of cached conversations for ownerID.
func CountConversations(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CachedConversation{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of ownerID's cached inbox, newest
// first. The caller computes offset and limit.
func ListConversationsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.CachedConversation, error) {
	var out []domain.CachedConversation
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at desc").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetConversation fetches one cached conversation owned by ownerID.
func GetConversation(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.CachedConversation, error) {
	var c domain.CachedConversation
	err := db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TouchConversation records m as the latest message of a cached
// conversation, bumping its ordering key. Older messages are ignored. It
// returns ErrNotFound when the conversation is not cached for ownerID.
func TouchConversation(ctx context.Context, db *gorm.DB, id, ownerID string, m domain.Message) error {
	at := m.CreatedAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res := db.WithContext(ctx).
		Model(&domain.CachedConversation{}).
		Where("id = ? AND owner_id = ? AND updated_at <= ?", id, ownerID, at).
		Updates(map[string]any{
			"last_message_id":      m.ID,
			"last_message_content": m.Content,
			"last_message_at":      at,
			"updated_at":           at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := GetConversation(ctx, db, id, ownerID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteConversations drops ownerID's cached inbox (sign-out).
func DeleteConversations(ctx context.Context, db *gorm.DB, ownerID string) error {
	return db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Delete(&domain.CachedConversation{}).Error
}
