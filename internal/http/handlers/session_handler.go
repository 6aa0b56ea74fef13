// Session HTTP handlers.
//
//   - POST   /accounts  (create an account and sign in)
//   - POST   /session   (sign in)
//   - GET    /session   (current identity)
//   - DELETE /session   (sign out, closes every open conversation)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/http/middleware"
	"github.com/tbourn/memora-client/internal/services"
)

// SignInRequest is the JSON payload for signing in.
type SignInRequest struct {
	Username string `json:"username" binding:"required" example:"minh"`
	Password string `json:"password" binding:"required" example:"hunter2"`
}

// SessionResponse describes the signed-in user. The token never leaves the
// bridge.
type SessionResponse struct {
	User domain.User `json:"user"`
}

// SignIn godoc
// @ID          signIn
// @Summary     Sign in
// @Description Exchanges credentials for a backend token and stores the session on this device.
// @Tags        Session
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.SignInRequest  true  "Credentials"
// @Success     201   {object}  handlers.SessionResponse
// @Failure     400   {object}  handlers.ErrorResponse  "Bad request"
// @Failure     502   {object}  handlers.ErrorResponse  "Backend rejected or unreachable"
// @Router      /session [post]
func (h *Handlers) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "username and password required")
		return
	}
	sess, err := h.auth.SignIn(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		failFrom(c, err, ErrCodeSignInFailed)
		return
	}
	middleware.LoggerFrom(c).Info().Str("user_id", sess.UserID).Msg("signed in")
	ok(c, http.StatusCreated, SessionResponse{User: sess.User()})
}

// RegisterRequest is the JSON payload for creating an account.
type RegisterRequest struct {
	Email       string `json:"email" binding:"required" example:"minh@example.com"`
	Username    string `json:"username" binding:"required" example:"minh"`
	DisplayName string `json:"display_name" binding:"required" example:"Minh"`
	Password    string `json:"password" binding:"required" example:"hunter2"`
}

// Register godoc
// @ID          register
// @Summary     Create an account
// @Description Registers with the backend and stores the resulting session on this device.
// @Tags        Session
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.RegisterRequest  true  "Account"
// @Success     201   {object}  handlers.SessionResponse
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid or rejected details"
// @Failure     502   {object}  handlers.ErrorResponse  "Backend unreachable"
// @Router      /accounts [post]
func (h *Handlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email, username, display_name and password required")
		return
	}
	sess, err := h.auth.Register(c.Request.Context(), services.Registration{
		Email:       req.Email,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		failFrom(c, err, ErrCodeSignUpFailed)
		return
	}
	middleware.LoggerFrom(c).Info().Str("user_id", sess.UserID).Msg("account created")
	ok(c, http.StatusCreated, SessionResponse{User: sess.User()})
}

// GetSession godoc
// @ID          getSession
// @Summary     Current session
// @Tags        Session
// @Produce     json
// @Success     200  {object}  handlers.SessionResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Not signed in"
// @Router      /session [get]
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.auth.Current()
	if err != nil {
		failFrom(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, SessionResponse{User: sess.User()})
}

// SignOut godoc
// @ID          signOut
// @Summary     Sign out
// @Description Closes every open conversation, drops the token and the cached inbox.
// @Tags        Session
// @Success     204  {string}  string  "No Content"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /session [delete]
func (h *Handlers) SignOut(c *gin.Context) {
	if err := h.convs.CloseAll(); err != nil {
		// Leaving rooms is best effort; the session goes regardless.
		middleware.LoggerFrom(c).Warn().Err(err).Msg("close conversations on sign out")
	}
	if err := h.auth.SignOut(c.Request.Context()); err != nil {
		failFrom(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
