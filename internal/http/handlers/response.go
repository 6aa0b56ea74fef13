// Package handlers implements the bridge API: thin Gin handlers that
// validate input, call the services and translate results, including
// service errors, into JSON.
//
// Conventions:
//   - Errors use ErrorResponse with a stable code (errors.go).
//   - fail() logs 5xx with the request-scoped logger.
//   - failFrom() maps service errors to status and code in one place.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/memora-client/internal/http/middleware"
	"github.com/tbourn/memora-client/internal/services"
	"github.com/tbourn/memora-client/internal/transport"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code" example:"send_failed"`
	// Human-readable message, safe to show
	Message string `json:"message" example:"Message could not be sent."`
}

// fail aborts with an ErrorResponse.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail, for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failFrom maps a service error. fallback is the code used for a
// TransportError that is not an expired session.
func failFrom(c *gin.Context, err error, fallback string) {
	var (
		ve *services.ValidationError
		te *services.TransportError
	)
	switch {
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ErrCodeValidation, ve.Error())
	case errors.Is(err, services.ErrNotSignedIn), errors.Is(err, transport.ErrNotSignedIn):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "not signed in")
	case errors.As(err, &te) && fallback == ErrCodeSignInFailed && rejected(te.Err):
		fail(c, http.StatusUnauthorized, ErrCodeSignInFailed, te.Notice)
	case errors.As(err, &te) && fallback == ErrCodeSignUpFailed && rejected(te.Err):
		fail(c, http.StatusBadRequest, ErrCodeSignUpFailed, te.Notice)
	case errors.As(err, &te) && errors.Is(te.Err, transport.ErrUnauthorized):
		fail(c, http.StatusUnauthorized, ErrCodeSessionExpired, te.Notice)
	case errors.As(err, &te):
		// The backend failed, not the bridge: log the cause, show the notice.
		middleware.LoggerFrom(c).Warn().Err(te.Err).Str("op", te.Op).Msg("backend call failed")
		fail(c, http.StatusBadGateway, fallback, te.Notice)
	case errors.Is(err, services.ErrConversationNotOpen):
		fail(c, http.StatusNotFound, ErrCodeNotOpen, "conversation is not open")
	case errors.Is(err, services.ErrConversationClosed):
		fail(c, http.StatusConflict, ErrCodeConflict, "conversation was closed")
	case errors.Is(err, services.ErrNotRetryable):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

// rejected reports whether the backend refused the request itself, as
// opposed to failing to serve it.
func rejected(err error) bool {
	var be *transport.Error
	return errors.As(err, &be) && be.StatusCode >= 400 && be.StatusCode < 500
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
