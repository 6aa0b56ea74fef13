// Package domain defines the strict client-side models for conversations,
// messages and the local session. Loose backend payloads are mapped into these
// types by the wire package; nothing outside that boundary sees the raw shape.
package domain

import "time"

// DeliveryState tracks a message from optimistic insertion to its outcome.
type DeliveryState string

const (
	// DeliveryPending marks a provisional message awaiting server confirmation.
	DeliveryPending DeliveryState = "pending"
	// DeliveryConfirmed marks a message carrying a server-assigned id.
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed marks a send attempt the server rejected or never received.
	// It is terminal; a retry produces a new provisional message.
	DeliveryFailed DeliveryState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DeliveryState) Terminal() bool {
	return s == DeliveryConfirmed || s == DeliveryFailed
}

// LoadState is the lifecycle of one open conversation view.
type LoadState string

const (
	LoadUnloaded LoadState = "unloaded"
	LoadLoading  LoadState = "loading"
	LoadReady    LoadState = "ready"
	LoadError    LoadState = "load-error"
)

// User is the identity of a message sender or conversation counterpart.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PostRef is a post attached to a message (a photo shared from the feed).
type PostRef struct {
	ID       string `json:"id,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Message is one entry of a conversation.
//
// ID is empty until the server assigns one; ProvisionalID is set for
// messages created locally by a send and survives confirmation so the
// presentation layer can keep a stable row key.
type Message struct {
	ID             string        `json:"id,omitempty"`
	ProvisionalID  string        `json:"provisional_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Sender         User          `json:"sender"`
	Content        string        `json:"content,omitempty"`
	Post           *PostRef      `json:"post,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	State          DeliveryState `json:"state"`

	// Deleted is the backend soft-delete marker; such entries are never shown.
	Deleted bool `json:"-"`
}

// Key returns the identifier the presentation layer should key rows on.
func (m Message) Key() string {
	if m.ProvisionalID != "" {
		return m.ProvisionalID
	}
	return m.ID
}

// SentBy reports whether userID authored the message.
func (m Message) SentBy(userID string) bool {
	return userID != "" && m.Sender.ID == userID
}

// PushEvent is a server-initiated new_message notification for one room.
type PushEvent struct {
	ConversationID string
	Message        Message
}

// ConversationSummary is one row of the inbox: the counterpart and the most
// recent message.
type ConversationSummary struct {
	ID          string    `json:"id"`
	Counterpart User      `json:"counterpart"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}
