package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/memora-client/internal/domain"
)

var usernameCaser = cases.Title(language.Und)

// NormalizeUser maps a user document onto domain.User. When the backend has
// no display name the username is title-cased instead.
func NormalizeUser(u User) domain.User {
	name := strings.TrimSpace(u.DisplayName)
	if name == "" && strings.TrimSpace(u.Username) != "" {
		name = usernameCaser.String(strings.TrimSpace(u.Username))
	}
	return domain.User{
		ID:          u.Identifier(),
		DisplayName: name,
		AvatarURL:   strings.TrimSpace(u.AvatarURL),
	}
}

func normalizeSender(m Message) domain.User {
	if m.Sender.User != nil {
		return NormalizeUser(*m.Sender.User)
	}
	return domain.User{ID: firstNonEmpty(m.Sender.ID, m.SenderID.String())}
}

func normalizePost(r PostRef) *domain.PostRef {
	if r.Empty() {
		return nil
	}
	out := &domain.PostRef{ID: r.ID}
	if p := r.Post; p != nil {
		out.ImageURL = firstNonEmpty(p.ImageURL, p.URL)
		out.Caption = p.Caption
	}
	return out
}

// NormalizeMessage maps a message document onto domain.Message.
// conversationID is used when the document does not name its conversation.
// Every message that reaches the client from the backend is confirmed.
func NormalizeMessage(m Message, conversationID string) domain.Message {
	out := domain.Message{
		ID:             firstNonEmpty(m.ID.String(), m.AltID.String()),
		ConversationID: firstNonEmpty(m.ConversationID.String(), m.ConversationAlt.String(), conversationID),
		Sender:         normalizeSender(m),
		CreatedAt:      m.CreatedAt.Time,
		State:          domain.DeliveryConfirmed,
		Deleted:        m.IsDeleted || m.Deleted || (m.DeletedAt != nil && strings.TrimSpace(*m.DeletedAt) != ""),
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = m.CreatedAtAlt.Time
	}
	if m.Content != nil {
		out.Content = *m.Content
	}
	out.Post = normalizePost(m.Post)
	if out.Post == nil {
		out.Post = normalizePost(m.PostAlt)
	}
	return out
}

// NormalizeMessages maps a message list, keeping soft-deleted entries so the
// caller decides what to show.
func NormalizeMessages(in []Message, conversationID string) []domain.Message {
	out := make([]domain.Message, 0, len(in))
	for _, m := range in {
		out = append(out, NormalizeMessage(m, conversationID))
	}
	return out
}

// NormalizeConversation maps an inbox entry onto domain.ConversationSummary.
func NormalizeConversation(c Conversation) domain.ConversationSummary {
	id := firstNonEmpty(c.ID.String(), c.AltID.String())
	out := domain.ConversationSummary{ID: id}
	if c.User != nil {
		out.Counterpart = NormalizeUser(*c.User)
	}
	if c.LastMessage != nil {
		lm := NormalizeMessage(*c.LastMessage, id)
		out.LastMessage = &lm
	}
	switch {
	case !c.UpdatedAt.IsZero():
		out.UpdatedAt = c.UpdatedAt.Time
	case !c.UpdatedAtAlt.IsZero():
		out.UpdatedAt = c.UpdatedAtAlt.Time
	case out.LastMessage != nil:
		out.UpdatedAt = out.LastMessage.CreatedAt
	}
	return out
}

// NormalizePush maps a realtime event onto domain.PushEvent.
func NormalizePush(p PushEvent) domain.PushEvent {
	convID := firstNonEmpty(p.ConversationID.String(), p.ConversationAlt.String(),
		p.Message.ConversationID.String(), p.Message.ConversationAlt.String())
	return domain.PushEvent{
		ConversationID: convID,
		Message:        NormalizeMessage(p.Message, convID),
	}
}

// DecodePush parses and normalises a new_message payload.
func DecodePush(data []byte) (domain.PushEvent, error) {
	var p PushEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.PushEvent{}, fmt.Errorf("decode push event: %w", err)
	}
	ev := NormalizePush(p)
	if ev.ConversationID == "" {
		return domain.PushEvent{}, fmt.Errorf("decode push event: missing conversation id")
	}
	return ev, nil
}
