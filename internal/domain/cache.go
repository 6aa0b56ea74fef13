package domain

import "time"

// CachedConversation is the local copy of an inbox row. The inbox is cached
// so the conversation list can still be shown when the backend is unreachable.
//
// Fields:
//   - ID: backend conversation id (primary key).
//   - OwnerID: session user the row was fetched for (indexed with UpdatedAt).
//   - Counterpart*: identity of the other participant.
//   - LastMessage*: preview of the most recent message, if any.
//   - UpdatedAt: ordering key; newest conversations first.
//   - FetchedAt: when the row was last refreshed from the backend.
type CachedConversation struct {
	ID                   string     `gorm:"type:varchar(64);primaryKey"`
	OwnerID              string     `gorm:"type:varchar(64);not null;index:idx_owner_updated,priority:1"`
	CounterpartID        string     `gorm:"type:varchar(64)"`
	CounterpartName      string     `gorm:"type:varchar(255)"`
	CounterpartAvatarURL string     `gorm:"type:text"`
	LastMessageID        string     `gorm:"type:varchar(64)"`
	LastMessageContent   string     `gorm:"type:text"`
	LastMessageAt        *time.Time `gorm:""`
	UpdatedAt            time.Time  `gorm:"index:idx_owner_updated,priority:2"`
	FetchedAt            time.Time  `gorm:"not null"`
}

// TableName returns the database table name for CachedConversation.
func (CachedConversation) TableName() string { return "conversations" }

// Summary converts the cached row back into the inbox model.
func (c CachedConversation) Summary() ConversationSummary {
	s := ConversationSummary{
		ID: c.ID,
		Counterpart: User{
			ID:          c.CounterpartID,
			DisplayName: c.CounterpartName,
			AvatarURL:   c.CounterpartAvatarURL,
		},
		UpdatedAt: c.UpdatedAt,
	}
	if c.LastMessageAt != nil || c.LastMessageContent != "" {
		m := &Message{
			ID:             c.LastMessageID,
			ConversationID: c.ID,
			Content:        c.LastMessageContent,
			State:          DeliveryConfirmed,
		}
		if c.LastMessageAt != nil {
			m.CreatedAt = *c.LastMessageAt
		}
		s.LastMessage = m
	}
	return s
}

// CacheRow flattens an inbox summary for storage under ownerID.
func CacheRow(ownerID string, s ConversationSummary, fetchedAt time.Time) CachedConversation {
	row := CachedConversation{
		ID:                   s.ID,
		OwnerID:              ownerID,
		CounterpartID:        s.Counterpart.ID,
		CounterpartName:      s.Counterpart.DisplayName,
		CounterpartAvatarURL: s.Counterpart.AvatarURL,
		UpdatedAt:            s.UpdatedAt,
		FetchedAt:            fetchedAt,
	}
	if lm := s.LastMessage; lm != nil {
		row.LastMessageID = lm.ID
		row.LastMessageContent = lm.Content
		if !lm.CreatedAt.IsZero() {
			at := lm.CreatedAt
			row.LastMessageAt = &at
		}
	}
	return row
}
