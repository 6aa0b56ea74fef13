// Package middleware contains the Gin middleware of the local bridge.
//
// This file binds each request to the device session: SessionUser stashes the
// signed-in user in the Gin context and RequireSession rejects requests made
// while signed out. Everything downstream (rate limiting, idempotency,
// handlers) reads the identity through UserID.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/memora-client/internal/domain"
)

const (
	ctxKeyUserID   = "userID"
	ctxKeySignedIn = "session.active"
)

// SessionSource exposes the active session.
type SessionSource interface {
	Current() domain.Session
}

// SessionUser records the session identity on every request. It never
// rejects; pair it with RequireSession on routes that need a session.
func SessionUser(src SessionSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		if src != nil {
			sess := src.Current()
			if sess.Active() {
				c.Set(ctxKeySignedIn, true)
				c.Set(ctxKeyUserID, sess.UserID)
			}
		}
		c.Next()
	}
}

// RequireSession aborts with 401 when no session is active.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !SignedIn(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "not signed in",
			})
			return
		}
		c.Next()
	}
}

// SignedIn reports whether SessionUser found an active session.
func SignedIn(c *gin.Context) bool {
	v, _ := c.Get(ctxKeySignedIn)
	b, _ := v.(bool)
	return b
}

// UserID returns the session user id, or "" when unknown.
func UserID(c *gin.Context) string {
	v, _ := c.Get(ctxKeyUserID)
	s, _ := v.(string)
	return s
}
