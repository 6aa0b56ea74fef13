// Conversation HTTP handlers.
//
//   - GET    /conversations                     (inbox, paginated, ETag support)
//   - POST   /conversations/{id}/open           (load history, join room)
//   - GET    /conversations/{id}/messages       (current view, ETag support)
//   - POST   /conversations/{id}/messages       (send, Idempotency-Key replay)
//   - POST   /conversations/{id}/messages/{key}/retry
//   - PUT    /conversations/{id}/draft
//   - GET    /conversations/{id}/events         (SSE stream of views)
//   - DELETE /conversations/{id}                (close)
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/http/middleware"
	"github.com/tbourn/memora-client/internal/repo"
	"github.com/tbourn/memora-client/internal/services"
)

//
// DTOs
//

// ListConversationsResponse wraps a page of the inbox.
type ListConversationsResponse struct {
	Conversations []services.InboxItem `json:"conversations"`
	Pagination    Pagination           `json:"pagination"`
	// Stale is set when the backend was unreachable and the cache was served.
	Stale  bool   `json:"stale"`
	Notice string `json:"notice,omitempty"`
}

// SendMessageRequest is the JSON payload for a send.
type SendMessageRequest struct {
	Content string `json:"content" example:"see you at 8"`
}

// MessageResponse wraps the final state of a send.
type MessageResponse struct {
	Message domain.Message `json:"message"`
	Notice  string         `json:"notice,omitempty"`
}

// DraftRequest updates the composer.
type DraftRequest struct {
	Draft     string `json:"draft"`
	Composing *bool  `json:"composing,omitempty"`
}

//
// Handlers
//

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations (paginated)
// @Description Refreshes the inbox from the backend and returns a page. Falls back to the cached inbox when the backend is unreachable. Supports weak ETag via If-None-Match.
// @Tags        Conversations
// @Produce     json
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListConversationsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "Session expired"
// @Failure     502  {object}  handlers.ErrorResponse  "Backend unreachable and nothing cached"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := middleware.UserID(c)
	page, pageSize := clampPagination(c)

	res, err := h.inbox.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		failFrom(c, err, ErrCodeListFailed)
		return
	}

	// ETag over the cache the page was read from (best effort).
	if svc, ok := h.inbox.(*services.ConversationService); ok && svc.DB != nil && !res.Stale {
		if count, maxTS, err := repo.ConversationsStats(ctx, svc.DB, uid); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"conversations:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: res.Items,
		Pagination:    paginate(res.Page, res.PageSize, res.Total),
		Stale:         res.Stale,
		Notice:        res.Notice,
	})
}

// OpenConversation godoc
// @ID          openConversation
// @Summary     Open a conversation
// @Description Loads the history and subscribes to live messages. Opening an already loaded conversation returns its view without refetching.
// @Tags        Conversations
// @Produce     json
// @Param       id   path      string  true  "Conversation ID"
// @Success     200  {object}  services.View
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     502  {object}  handlers.ErrorResponse  "History could not be loaded"
// @Router      /conversations/{id}/open [post]
func (h *Handlers) OpenConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("id"))

	s, err := h.convs.Open(ctx, id)
	if err != nil {
		failFrom(c, err, ErrCodeLoadFailed)
		return
	}
	if s.View().Counterpart.ID == "" {
		if it, err := h.inbox.Get(ctx, middleware.UserID(c), id); err == nil {
			s.SetCounterpart(it.Counterpart)
		}
	}
	ok(c, http.StatusOK, s.View())
}

// GetView godoc
// @ID          getView
// @Summary     Current view of an open conversation
// @Tags        Conversations
// @Produce     json
// @Param       id             path    string  true   "Conversation ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  services.View
// @Header      200  {string}  ETag  "Weak ETag of the view version"
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not open"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) GetView(c *gin.Context) {
	id := c.Param("id")
	s, found := h.convs.Get(id)
	if !found {
		failFrom(c, services.ErrConversationNotOpen, ErrCodeNotOpen)
		return
	}
	v := s.View()
	etag := fmt.Sprintf(`W/"view:%s:%d"`, id, v.Version)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, v)
}

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Sends into an open conversation. Blank content is ignored (204). A second send while one is in flight is refused (409). Supports idempotency via the Idempotency-Key header.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       id               path    string  true   "Conversation ID"
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries"
// @Param       body             body    handlers.SendMessageRequest  true  "Message"
// @Success     201  {object}  handlers.MessageResponse
// @Success     204  {string}  string  "Nothing to send"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not open"
// @Failure     409  {object}  handlers.ErrorResponse  "Send in flight"
// @Failure     502  {object}  handlers.ErrorResponse  "Message could not be sent"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	uid := middleware.UserID(c)

	s, found := h.convs.Get(id)
	if !found {
		failFrom(c, services.ErrConversationNotOpen, ErrCodeNotOpen)
		return
	}

	key, hasKey := middleware.GetIdempotencyKey(c)
	if hasKey && h.idem != nil {
		if msgKey, status, seen := h.idem.Lookup(ctx, uid, id, key); seen {
			c.Header("Idempotency-Replayed", "true")
			ok(c, status, MessageResponse{Message: findMessage(s.View(), msgKey, id)})
			return
		}
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	m, err := s.Send(ctx, id, req.Content)
	if err != nil {
		failFrom(c, err, ErrCodeSendFailed)
		return
	}
	if m == nil {
		if strings.TrimSpace(req.Content) == "" {
			noContent(c)
			return
		}
		fail(c, http.StatusConflict, ErrCodeSendInFlight, "another message is being sent")
		return
	}

	if hasKey && h.idem != nil {
		if err := h.idem.Remember(ctx, uid, id, key, m.ID, http.StatusCreated); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency record not stored")
		}
	}
	ok(c, http.StatusCreated, MessageResponse{Message: *m})
}

// RetryMessage godoc
// @ID          retryMessage
// @Summary     Retry a failed message
// @Tags        Messages
// @Produce     json
// @Param       id   path  string  true  "Conversation ID"
// @Param       key  path  string  true  "Message key (server or provisional id)"
// @Success     201  {object}  handlers.MessageResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not open"
// @Failure     409  {object}  handlers.ErrorResponse  "Message cannot be retried"
// @Failure     502  {object}  handlers.ErrorResponse  "Message could not be sent"
// @Router      /conversations/{id}/messages/{key}/retry [post]
func (h *Handlers) RetryMessage(c *gin.Context) {
	s, found := h.convs.Get(c.Param("id"))
	if !found {
		failFrom(c, services.ErrConversationNotOpen, ErrCodeNotOpen)
		return
	}
	m, err := s.Retry(c.Request.Context(), c.Param("key"))
	if err != nil {
		failFrom(c, err, ErrCodeSendFailed)
		return
	}
	if m == nil {
		fail(c, http.StatusConflict, ErrCodeSendInFlight, "another message is being sent")
		return
	}
	ok(c, http.StatusCreated, MessageResponse{Message: *m})
}

// UpdateDraft godoc
// @ID          updateDraft
// @Summary     Update the composer of an open conversation
// @Tags        Conversations
// @Accept      json
// @Param       id    path  string                 true  "Conversation ID"
// @Param       body  body  handlers.DraftRequest  true  "Draft"
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not open"
// @Router      /conversations/{id}/draft [put]
func (h *Handlers) UpdateDraft(c *gin.Context) {
	s, found := h.convs.Get(c.Param("id"))
	if !found {
		failFrom(c, services.ErrConversationNotOpen, ErrCodeNotOpen)
		return
	}
	var req DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	s.SetDraft(req.Draft)
	if req.Composing != nil {
		s.SetComposing(*req.Composing)
	}
	noContent(c)
}

// CloseConversation godoc
// @ID          closeConversation
// @Summary     Close a conversation
// @Description Leaves the room and discards the view. Closing a conversation that is not open succeeds.
// @Tags        Conversations
// @Param       id   path  string  true  "Conversation ID"
// @Success     204  {string}  string  "No Content"
// @Router      /conversations/{id} [delete]
func (h *Handlers) CloseConversation(c *gin.Context) {
	if err := h.convs.Close(c.Param("id")); err != nil {
		// The view is gone either way; a failed leave only costs stray pushes.
		middleware.LoggerFrom(c).Warn().Err(err).Msg("leave room failed")
	}
	noContent(c)
}

// StreamEvents godoc
// @ID          streamEvents
// @Summary     Stream view changes (SSE)
// @Description Sends the current view as a "view" event, then one per change. A "ping" event is sent on idle; a "closed" event ends the stream when the conversation is closed.
// @Tags        Conversations
// @Produce     text/event-stream
// @Param       id   path  string  true  "Conversation ID"
// @Success     200  {object}  services.View
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not open"
// @Router      /conversations/{id}/events [get]
func (h *Handlers) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	s, found := h.convs.Get(id)
	if !found {
		failFrom(c, services.ErrConversationNotOpen, ErrCodeNotOpen)
		return
	}

	// Latest snapshot wins; a slow client skips intermediate versions.
	updates := make(chan services.View, 1)
	cancel := s.Watch(func(v services.View) {
		for {
			select {
			case updates <- v:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	log := middleware.LoggerFrom(c)
	log.Debug().Str("conversation_id", id).Msg("event stream opened")
	defer log.Debug().Str("conversation_id", id).Msg("event stream closed")

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	last := s.View()
	if last.ConversationID != id {
		c.SSEvent("closed", gin.H{"conversation_id": id})
		c.Writer.Flush()
		return
	}
	c.SSEvent("view", last)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-updates:
			if v.Version <= last.Version {
				continue
			}
			last = v
			if v.ConversationID != id {
				c.SSEvent("closed", gin.H{"conversation_id": id})
				c.Writer.Flush()
				return
			}
			c.SSEvent("view", v)
		case t := <-ticker.C:
			c.SSEvent("ping", t.UTC().Unix())
		}
		c.Writer.Flush()
	}
}

// findMessage locates the message a replayed request produced. It may have
// scrolled out of an evicted view, so a bare reference stands in.
func findMessage(v services.View, key, conversationID string) domain.Message {
	for _, m := range v.Messages {
		if m.ID == key || m.Key() == key {
			return m
		}
	}
	return domain.Message{ID: key, ConversationID: conversationID, State: domain.DeliveryConfirmed}
}
