// Package httpapi wires the local bridge: Gin, the middleware chain and the
// route handlers. The presentation layer (a UI process on the same device)
// talks to the client only through these routes.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic router setup; services are injected, never built here
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/memora-client/docs"
	"github.com/tbourn/memora-client/internal/config"
	"github.com/tbourn/memora-client/internal/http/handlers"
	"github.com/tbourn/memora-client/internal/http/middleware"
	"github.com/tbourn/memora-client/internal/repo"
)

// Deps are the services the bridge serves.
type Deps struct {
	DB            *gorm.DB
	Sessions      middleware.SessionSource
	Auth          handlers.AuthService
	Inbox         handlers.InboxService
	Conversations handlers.Conversations
	Log           *zerolog.Logger
}

// idempotencyStore adapts the repository free functions to
// handlers.IdempotencyStore.
type idempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup proxies repo.GetIdempotency; any failure is a miss.
func (s idempotencyStore) Lookup(ctx context.Context, userID, conversationID, key string) (string, int, bool) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, conversationID, key, time.Now().UTC())
	if err != nil || rec == nil {
		return "", 0, false
	}
	return rec.MessageKey, rec.Status, true
}

// Remember proxies repo.CreateIdempotency. A concurrent duplicate already
// holds the same answer.
func (s idempotencyStore) Remember(ctx context.Context, userID, conversationID, key, messageKey string, status int) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, conversationID, key, messageKey, status, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. SessionUser: identity for logs, limits and idempotency
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per session/IP, bypass on replay)
//  10. CORS and Security headers
//  11. gzip (never on event streams)
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) *handlers.Handlers {
	r.HandleMethodNotAllowed = true
	apiBase := cfg.APIBasePath

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.SessionUser(deps.Sessions))
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Memora-Token"},
		Logger:      deps.Log,
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var idem handlers.IdempotencyStore
	var lookup middleware.IdempotencyLookup
	if deps.DB != nil {
		store := idempotencyStore{db: deps.DB, ttl: cfg.IdempotencyTTL}
		idem = store
		lookup = func(ctx context.Context, userID, conversationID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, deps.DB, userID, conversationID, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return err == nil && rec != nil, err
		}
	}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyBySessionOrIP())
	r.Use(rl.Handler())

	allowHeaders := []string{"Origin", "Content-Type", "Accept", "If-None-Match", "Last-Event-ID", middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even without an Origin header (health checks, curl).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Views carry private messages: never cache them outside the UI.
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{apiBase + "/session", apiBase + "/accounts", apiBase + "/conversations", apiBase + "/receivers"},
		EnablePolicy:    true,
	}))

	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`/events$`, `^/metrics$`})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "signed_in": middleware.SignedIn(c)})
	})

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = apiBase
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Auth, deps.Inbox, deps.Conversations, idem)

	api := groupWithPrefix(r, apiBase)
	{
		api.POST("/session", h.SignIn)
		api.POST("/accounts", h.Register)
	}
	authed := api.Group("", middleware.RequireSession())
	{
		authed.GET("/session", h.GetSession)
		authed.DELETE("/session", h.SignOut)

		authed.GET("/conversations", h.ListConversations)
		authed.POST("/conversations/:id/open", h.OpenConversation)
		authed.DELETE("/conversations/:id", h.CloseConversation)
		authed.PUT("/conversations/:id/draft", h.UpdateDraft)
		authed.GET("/conversations/:id/events", h.StreamEvents)

		authed.GET("/conversations/:id/messages", h.GetView)
		authed.POST("/conversations/:id/messages", h.SendMessage)
		authed.POST("/conversations/:id/messages/:key/retry", h.RetryMessage)

		authed.POST("/receivers/:id/messages", h.SendToReceiver)
	}
	return h
}

// limitBody caps request bodies at maxBytes; reads past the cap fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
