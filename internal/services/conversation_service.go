// Package services – ConversationService
//
// ConversationService serves the inbox: the list of conversations with their
// counterpart, last-message preview and a relative time label. Every listing
// first refreshes the local cache from the backend; when the backend cannot
// be reached the cached rows are served and the page is flagged stale.
//
// Service-level errors are returned for predictable cases (not signed in,
// session expired with nothing cached) so handlers can map them to HTTP
// results consistently.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/transport"
	"github.com/tbourn/memora-client/internal/utils"
)

// InboxBackend lists the current user's conversations.
type InboxBackend interface {
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
}

// ConversationRepo defines the cache contract required by ConversationService.
type ConversationRepo interface {
	// ReplaceConversations swaps ownerID's cached inbox for rows.
	ReplaceConversations(ctx context.Context, db *gorm.DB, ownerID string, rows []domain.CachedConversation) error

	// CountConversations returns the number of cached rows for pagination.
	CountConversations(ctx context.Context, db *gorm.DB, ownerID string) (int64, error)

	// ListConversationsPage returns cached rows, newest first.
	ListConversationsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.CachedConversation, error)

	// GetConversation returns one cached row.
	GetConversation(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.CachedConversation, error)

	// TouchConversation records a newer last message.
	TouchConversation(ctx context.Context, db *gorm.DB, id, ownerID string, m domain.Message) error

	// DeleteConversations drops ownerID's cache.
	DeleteConversations(ctx context.Context, db *gorm.DB, ownerID string) error
}

// InboxItem is one inbox row ready for display.
type InboxItem struct {
	domain.ConversationSummary
	Title   string `json:"title"`
	Preview string `json:"preview"`
	TimeAgo string `json:"time_ago"`
}

// InboxPage is a page of the inbox.
type InboxPage struct {
	Items    []InboxItem `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Stale    bool        `json:"stale"`
	Notice   string      `json:"notice,omitempty"`
}

// ConversationService lists and caches the inbox.
type ConversationService struct {
	DB      *gorm.DB
	Repo    ConversationRepo
	Backend InboxBackend
	Log     zerolog.Logger

	// PreviewMaxLen caps previews by rune length.
	PreviewMaxLen int
	// NameLocale drives title-casing of bare usernames.
	NameLocale language.Tag
	Now        func() time.Time
}

// NewConversationService constructs a ConversationService with defaults.
func NewConversationService(db *gorm.DB, r ConversationRepo, b InboxBackend, log zerolog.Logger) *ConversationService {
	return &ConversationService{
		DB:            db,
		Repo:          r,
		Backend:       b,
		Log:           log.With().Str("component", "inbox").Logger(),
		PreviewMaxLen: 60,
		NameLocale:    language.Und,
		Now:           time.Now,
	}
}

// Refresh replaces the cached inbox of userID with the backend's. It reports
// the transport failure, if any, wrapped in a *TransportError.
func (s *ConversationService) Refresh(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrNotSignedIn
	}
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Refresh", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	list, err := s.Backend.ListConversations(ctx)
	if err != nil {
		inboxRefreshTotal.WithLabelValues("stale").Inc()
		span.RecordError(err)
		return &TransportError{Op: "list", Notice: userNotice(noticeInboxStale, err), Err: err}
	}
	now := s.now().UTC()
	rows := make([]domain.CachedConversation, 0, len(list))
	for _, c := range list {
		if c.UpdatedAt.IsZero() && c.LastMessage != nil {
			c.UpdatedAt = c.LastMessage.CreatedAt
		}
		rows = append(rows, domain.CacheRow(userID, c, now))
	}
	if err := s.Repo.ReplaceConversations(ctx, s.DB, userID, rows); err != nil {
		return err
	}
	inboxRefreshTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("conversations.count", len(rows)))
	return nil
}

// ListPage refreshes the cache and returns a page of it. When the refresh
// fails but rows are cached, the page is served with Stale set. An expired
// session with an empty cache is returned as an error.
func (s *ConversationService) ListPage(ctx context.Context, userID string, page, pageSize int) (*InboxPage, error) {
	page, pageSize = utils.ClampPage(page, pageSize)
	out := &InboxPage{Items: []InboxItem{}, Page: page, PageSize: pageSize}

	refreshErr := s.Refresh(ctx, userID)
	if errors.Is(refreshErr, ErrNotSignedIn) {
		return nil, refreshErr
	}
	var te *TransportError
	if refreshErr != nil && !errors.As(refreshErr, &te) {
		return nil, refreshErr
	}

	total, err := s.Repo.CountConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	if te != nil {
		if total == 0 || transport.IsUnauthorized(te.Err) {
			return nil, te
		}
		s.Log.Warn().Err(te.Err).Str("user_id", userID).Msg("inbox refresh failed; serving cache")
		out.Stale, out.Notice = true, te.Notice
	}
	out.Total = total
	if total == 0 {
		return out, nil
	}

	rows, err := s.Repo.ListConversationsPage(ctx, s.DB, userID, utils.Offset(page, pageSize), pageSize)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, r := range rows {
		out.Items = append(out.Items, s.item(r.Summary(), now))
	}
	return out, nil
}

// Get returns one cached conversation, for the counterpart shown when a
// conversation is opened.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*InboxItem, error) {
	row, err := s.Repo.GetConversation(ctx, s.DB, conversationID, userID)
	if err != nil {
		return nil, err
	}
	it := s.item(row.Summary(), s.now())
	return &it, nil
}

// Touch records m as the latest message of a cached conversation. Unknown
// conversations are ignored; the next refresh brings them in.
func (s *ConversationService) Touch(ctx context.Context, userID string, m domain.Message) error {
	if userID == "" || m.ConversationID == "" || m.State == domain.DeliveryFailed {
		return nil
	}
	err := s.Repo.TouchConversation(ctx, s.DB, m.ConversationID, userID, m)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

// Forget drops the cached inbox of userID.
func (s *ConversationService) Forget(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	return s.Repo.DeleteConversations(ctx, s.DB, userID)
}

func (s *ConversationService) item(sum domain.ConversationSummary, now time.Time) InboxItem {
	it := InboxItem{ConversationSummary: sum, Title: s.displayName(sum.Counterpart)}
	if lm := sum.LastMessage; lm != nil {
		it.Preview = s.preview(*lm)
		it.TimeAgo = TimeAgo(now, lm.CreatedAt)
	}
	if it.TimeAgo == "" {
		it.TimeAgo = TimeAgo(now, sum.UpdatedAt)
	}
	return it
}

// displayName returns the counterpart's name; a bare lower-case username is
// title-cased.
func (s *ConversationService) displayName(u domain.User) string {
	name := normalizeTitle(u.DisplayName)
	if name == "" {
		return u.ID
	}
	if strings.IndexFunc(name, unicode.IsUpper) < 0 {
		name = cases.Title(s.NameLocale).String(name)
	}
	return name
}

func (s *ConversationService) preview(m domain.Message) string {
	p := normalizeTitle(m.Content)
	if p == "" && m.Post != nil {
		return "Sent a photo"
	}
	return s.clip(p)
}

// clip truncates to PreviewMaxLen runes.
func (s *ConversationService) clip(p string) string {
	if s.PreviewMaxLen > 0 && utf8.RuneCountInString(p) > s.PreviewMaxLen {
		return strings.TrimSpace(string([]rune(p)[:s.PreviewMaxLen])) + "…"
	}
	return p
}

func (s *ConversationService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// TimeAgo renders the age of t relative to now: "just now" under a minute,
// then whole minutes, hours or days ("5m", "3h", "2d"). Zero t renders "".
func TimeAgo(now, t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
}
