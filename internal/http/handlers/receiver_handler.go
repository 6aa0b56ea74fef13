package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/services"
)

// AttachmentRequest sends text with a post attached to a user directly.
type AttachmentRequest struct {
	Content string          `json:"content" example:"look at this"`
	Post    *domain.PostRef `json:"post,omitempty"`
}

// SendToReceiver godoc
// @ID          sendToReceiver
// @Summary     Send a message with an attached post
// @Description Sends to a user rather than an open conversation. The backend finds or creates the conversation.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       id    path  string                      true  "Receiver user ID"
// @Param       body  body  handlers.AttachmentRequest  true  "Message"
// @Success     201  {object}  handlers.MessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     409  {object}  handlers.ErrorResponse  "Send in flight"
// @Failure     502  {object}  handlers.ErrorResponse  "Message could not be sent"
// @Router      /receivers/{id}/messages [post]
func (h *Handlers) SendToReceiver(c *gin.Context) {
	var req AttachmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	compose := h.convs.Compose()
	m, err := compose.SendWithAttachment(c.Request.Context(), c.Param("id"), req.Content, req.Post)
	if err != nil {
		failFrom(c, err, ErrCodeSendFailed)
		return
	}
	if m == nil {
		fail(c, http.StatusConflict, ErrCodeSendInFlight, "another message is being sent")
		return
	}
	ok(c, http.StatusCreated, MessageResponse{Message: *m, Notice: compose.View().Notice})
}

var _ Conversations = (*services.Registry)(nil)
