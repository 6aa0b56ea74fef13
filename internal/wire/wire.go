// Package wire holds the loosely-typed shapes the Memora backend emits over
// REST and the realtime socket, and the single normalisation step that maps
// them onto the strict domain types.
//
// The backend is inconsistent about identifiers (`_id`, `id`, `sub`), about
// whether references are populated objects or bare ids, and about timestamp
// encoding. Every one of those quirks is absorbed here; callers outside this
// package only ever see domain values.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Envelope is the response wrapper used by most endpoints:
//
//	{ "status": "OK", "message": "...", "data": ... }
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// OK reports whether the envelope signals success. Some endpoints omit the
// status field entirely and rely on the HTTP status alone.
func (e Envelope) OK() bool {
	switch strings.ToUpper(strings.TrimSpace(e.Status)) {
	case "", "OK", "SUCCESS":
		return true
	default:
		return false
	}
}

// ID is an identifier that may arrive as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (i *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*i = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*i = ID(n.String())
	return nil
}

// String returns the identifier as a plain string.
func (i ID) String() string { return string(i) }

// Time is a timestamp that may arrive as an RFC 3339 string or as epoch
// milliseconds.
type Time struct{ time.Time }

// UnmarshalJSON accepts RFC 3339 strings, epoch milliseconds and null.
// Unparseable values decode to the zero time rather than failing the payload.
func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		t.Time = parseTime(s)
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		t.Time = time.Time{}
		return nil
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// User is a populated user document.
type User struct {
	ID          ID     `json:"_id"`
	AltID       ID     `json:"id"`
	Sub         ID     `json:"sub"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Identifier returns the first non-empty id field.
func (u User) Identifier() string {
	return firstNonEmpty(u.ID.String(), u.AltID.String(), u.Sub.String())
}

// UserRef is a user reference that is either a bare id or a populated document.
type UserRef struct {
	ID   string
	User *User
}

// UnmarshalJSON accepts a string id, a numeric id, an object or null.
func (r *UserRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*r = UserRef{}
		return nil
	}
	if b[0] != '{' {
		var id ID
		if err := id.UnmarshalJSON(b); err != nil {
			return err
		}
		*r = UserRef{ID: id.String()}
		return nil
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return err
	}
	*r = UserRef{ID: u.Identifier(), User: &u}
	return nil
}

// Post is a populated post document.
type Post struct {
	ID       ID     `json:"_id"`
	AltID    ID     `json:"id"`
	ImageURL string `json:"image_url"`
	URL      string `json:"url"`
	Caption  string `json:"caption"`
}

// PostRef is a post reference that is either a bare id or a populated document.
type PostRef struct {
	ID   string
	Post *Post
}

// Empty reports whether no post was referenced.
func (r PostRef) Empty() bool { return r.ID == "" && r.Post == nil }

// UnmarshalJSON accepts a string id, an object or null.
func (r *PostRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*r = PostRef{}
		return nil
	}
	if b[0] != '{' {
		var id ID
		if err := id.UnmarshalJSON(b); err != nil {
			return err
		}
		*r = PostRef{ID: id.String()}
		return nil
	}
	var p Post
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = PostRef{ID: firstNonEmpty(p.ID.String(), p.AltID.String()), Post: &p}
	return nil
}

// Message is a message document as returned by GET/POST /message and carried
// inside new_message push events.
type Message struct {
	ID              ID      `json:"_id"`
	AltID           ID      `json:"id"`
	ConversationID  ID      `json:"conversation_id"`
	ConversationAlt ID      `json:"conversationId"`
	Sender          UserRef `json:"sender"`
	SenderID        ID      `json:"sender_id"`
	Content         *string `json:"content"`
	Post            PostRef `json:"post_id"`
	PostAlt         PostRef `json:"post"`
	CreatedAt       Time    `json:"created_at"`
	CreatedAtAlt    Time    `json:"createdAt"`
	IsDeleted       bool    `json:"is_deleted"`
	Deleted         bool    `json:"deleted"`
	DeletedAt       *string `json:"deleted_at"`
}

// Conversation is an inbox entry as returned by GET /conversation.
type Conversation struct {
	ID           ID       `json:"_id"`
	AltID        ID       `json:"id"`
	User         *User    `json:"user"`
	LastMessage  *Message `json:"last_message"`
	UpdatedAt    Time     `json:"updated_at"`
	UpdatedAtAlt Time     `json:"updatedAt"`
}

// PushEvent is the payload of the realtime new_message event:
//
//	{ "conversationId": "...", "message": { ... } }
type PushEvent struct {
	ConversationID  ID      `json:"conversationId"`
	ConversationAlt ID      `json:"conversation_id"`
	Message         Message `json:"message"`
}

// SignIn is the data block of POST /auth/sign-in.
type SignIn struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	User        *User  `json:"user"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
