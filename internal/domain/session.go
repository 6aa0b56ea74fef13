package domain

import "time"

// SessionKey is the primary key of the single active session row.
const SessionKey = "current"

// Session is the persisted auth state of this device: the bearer token and
// the identity it belongs to.
type Session struct {
	Key         string    `json:"-"            gorm:"type:varchar(32);primaryKey"`
	Token       string    `json:"-"            gorm:"type:text;not null"`
	UserID      string    `json:"user_id"      gorm:"type:varchar(64)"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(255)"`
	AvatarURL   string    `json:"avatar_url"   gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// Active reports whether the session carries a token.
func (s Session) Active() bool { return s.Token != "" }

// User returns the identity portion of the session.
func (s Session) User() User {
	return User{ID: s.UserID, DisplayName: s.DisplayName, AvatarURL: s.AvatarURL}
}
