package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/services"
	"github.com/tbourn/memora-client/internal/utils"
)

//
// Service contracts (context-aware)
//

// AuthService signs the device in and out.
type AuthService interface {
	SignIn(ctx context.Context, username, password string) (domain.Session, error)
	Register(ctx context.Context, r services.Registration) (domain.Session, error)
	SignOut(ctx context.Context) error
	Current() (domain.Session, error)
}

// InboxService serves the paginated conversation list.
type InboxService interface {
	ListPage(ctx context.Context, userID string, page, pageSize int) (*services.InboxPage, error)
	Get(ctx context.Context, userID, conversationID string) (*services.InboxItem, error)
}

// Conversations is the set of open conversations.
//
// Implementations must be safe for concurrent use; every request goroutine
// and every event stream shares one instance.
type Conversations interface {
	Open(ctx context.Context, conversationID string) (*services.Synchronizer, error)
	Get(conversationID string) (*services.Synchronizer, bool)
	Close(conversationID string) error
	CloseAll() error
	Compose() *services.Synchronizer
}

// IdempotencyStore remembers which message an Idempotency-Key produced.
type IdempotencyStore interface {
	Lookup(ctx context.Context, userID, conversationID, key string) (messageKey string, status int, found bool)
	Remember(ctx context.Context, userID, conversationID, key, messageKey string, status int) error
}

//
// Handler wiring
//

// Handlers groups the bridge endpoints.
type Handlers struct {
	auth  AuthService
	inbox InboxService
	convs Conversations
	idem  IdempotencyStore

	// Heartbeat is the interval of SSE pings.
	Heartbeat time.Duration
}

// New constructs Handlers. idem may be nil, which disables replay.
func New(auth AuthService, inbox InboxService, convs Conversations, idem IdempotencyStore) *Handlers {
	return &Handlers{auth: auth, inbox: inbox, convs: convs, idem: idem, Heartbeat: 25 * time.Second}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses and bounds page and page_size.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}
