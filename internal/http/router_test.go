package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/memora-client/internal/config"
	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/http/middleware"
	"github.com/tbourn/memora-client/internal/services"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:routerdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Session{}, &domain.CachedConversation{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// --- stubs ---

type stubSessions struct{ sess domain.Session }

func (s *stubSessions) Current() domain.Session { return s.sess }

type stubAuth struct{ s *stubSessions }

func (a stubAuth) SignIn(_ context.Context, u, _ string) (domain.Session, error) {
	a.s.sess = domain.Session{Token: "tok", UserID: "me", DisplayName: u}
	return a.s.sess, nil
}
func (a stubAuth) Register(ctx context.Context, r services.Registration) (domain.Session, error) {
	return a.SignIn(ctx, r.Username, r.Password)
}
func (a stubAuth) SignOut(context.Context) error { a.s.sess = domain.Session{}; return nil }
func (a stubAuth) Current() (domain.Session, error) {
	if !a.s.sess.Active() {
		return domain.Session{}, services.ErrNotSignedIn
	}
	return a.s.sess, nil
}

type stubInbox struct{ n int }

func (s stubInbox) ListPage(_ context.Context, _ string, page, size int) (*services.InboxPage, error) {
	items := make([]services.InboxItem, s.n)
	for i := range items {
		items[i] = services.InboxItem{
			ConversationSummary: domain.ConversationSummary{ID: fmt.Sprintf("c%d", i)},
			Title:               strings.Repeat("conversation title ", 8),
		}
	}
	return &services.InboxPage{Items: items, Total: int64(s.n), Page: page, PageSize: size}, nil
}
func (stubInbox) Get(context.Context, string, string) (*services.InboxItem, error) {
	return nil, gorm.ErrRecordNotFound
}

type nopBackend struct{}

func (nopBackend) FetchMessages(context.Context, string) ([]domain.Message, error) { return nil, nil }
func (nopBackend) PostMessage(_ context.Context, id, content string) (domain.Message, error) {
	return domain.Message{ID: "srv-1", ConversationID: id, Content: content}, nil
}
func (nopBackend) PostToReceiver(context.Context, string, string, string) (domain.Message, error) {
	return domain.Message{ID: "att-1"}, nil
}

type nopPresence struct{}

func (nopPresence) Subscribe(string, func(domain.PushEvent)) error { return nil }
func (nopPresence) Unsubscribe(string) error                       { return nil }
func (nopPresence) CurrentUserID() string                          { return "me" }

func baseConfig(base string) config.Config {
	return config.Config{
		APIBasePath:    base,
		RateRPS:        100,
		RateBurst:      10,
		IdempotencyTTL: time.Hour,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newRouter(t *testing.T, cfg config.Config, signedIn bool) (*gin.Engine, *gorm.DB, *stubSessions) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	sess := &stubSessions{}
	if signedIn {
		sess.sess = domain.Session{Token: "tok", UserID: "me"}
	}
	reg := services.NewRegistry(nopBackend{}, nopPresence{}, services.SyncOptions{Logger: zerolog.Nop()}, nil)
	t.Cleanup(func() { _ = reg.CloseAll() })
	nop := zerolog.Nop()
	RegisterRoutes(r, Deps{
		DB:            db,
		Sessions:      sess,
		Auth:          stubAuth{s: sess},
		Inbox:         stubInbox{n: 30},
		Conversations: reg,
		Log:           &nop,
	}, cfg)
	return r, db, sess
}

func serve(r http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _, _ := newRouter(t, baseConfig("/api/v1"), false)

	w := serve(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"signed_in":false`) {
		t.Fatalf("GET /health = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	w = serve(r, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "memora_bridge_http_requests_total") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	if w = serve(r, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if w = serve(r, http.MethodPost, "/health", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := baseConfig("/api/v2")
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}}
	r, _, _ := newRouter(t, cfg, false)

	w := serve(r, http.MethodGet, "/health", "", "Origin", "http://localhost:5173")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	w = serve(r, http.MethodGet, "/health", "", "Origin", "http://evil.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected ACAO %q", got)
	}
}

func TestRegisterRoutes_SessionGate(t *testing.T) {
	r, _, sess := newRouter(t, baseConfig("/api/v1"), false)

	w := serve(r, http.MethodGet, "/api/v1/conversations", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("signed out list = %d", w.Code)
	}

	w = serve(r, http.MethodPost, "/api/v1/session", `{"username":"minh","password":"pw"}`)
	if w.Code != http.StatusCreated || !sess.sess.Active() {
		t.Fatalf("sign in = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("session response must not be cached, got %q", got)
	}

	w = serve(r, http.MethodGet, "/api/v1/conversations?page_size=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("signed in list = %d", w.Code)
	}
}

func TestRegisterRoutes_AccountsIsPublic(t *testing.T) {
	r, _, sess := newRouter(t, baseConfig("/api/v1"), false)

	w := serve(r, http.MethodPost, "/api/v1/accounts", `{"email":"m@example.com","username":"minh","display_name":"Minh","password":"pw"}`)
	if w.Code != http.StatusCreated || !sess.sess.Active() {
		t.Fatalf("register = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("account response must not be cached, got %q", got)
	}
}

func TestRegisterRoutes_GzipSkipsEventStreams(t *testing.T) {
	r, _, _ := newRouter(t, baseConfig("/api/v1"), true)

	w := serve(r, http.MethodGet, "/api/v1/conversations?page_size=30", "", "Accept-Encoding", "gzip")
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("list: %d encoding=%q", w.Code, w.Header().Get("Content-Encoding"))
	}

	// Not open: the 404 still goes through the events route uncompressed.
	w = serve(r, http.MethodGet, "/api/v1/conversations/c1/events", "", "Accept-Encoding", "gzip")
	if w.Code != http.StatusNotFound || w.Header().Get("Content-Encoding") != "" {
		t.Fatalf("events: %d encoding=%q", w.Code, w.Header().Get("Content-Encoding"))
	}
}

func TestRegisterRoutes_Swagger(t *testing.T) {
	cfg := baseConfig("/api/v1")
	r, _, _ := newRouter(t, cfg, false)
	if w := serve(r, http.MethodGet, "/swagger/doc.json", ""); w.Code != http.StatusNotFound {
		t.Fatalf("swagger disabled = %d", w.Code)
	}

	cfg.SwaggerEnabled = true
	r, _, _ = newRouter(t, cfg, false)
	w := serve(r, http.MethodGet, "/swagger/doc.json", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/conversations/{id}/events") {
		t.Fatalf("swagger enabled = %d", w.Code)
	}
}

func TestRegisterRoutes_SendReplayedThroughStore(t *testing.T) {
	r, _, _ := newRouter(t, baseConfig("/api/v1"), true)
	if w := serve(r, http.MethodPost, "/api/v1/conversations/c1/open", ""); w.Code != http.StatusOK {
		t.Fatalf("open = %d %s", w.Code, w.Body.String())
	}

	send := func() *httptest.ResponseRecorder {
		return serve(r, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"hi"}`,
			middleware.HeaderIdempotencyKey, "abc-123")
	}
	if w := send(); w.Code != http.StatusCreated || w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("first send = %d %v", w.Code, w.Header())
	}
	w := send()
	if w.Code != http.StatusCreated || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay = %d %v", w.Code, w.Header())
	}
	if !strings.Contains(w.Body.String(), `"srv-1"`) {
		t.Fatalf("replay body = %s", w.Body.String())
	}

	if w := serve(r, http.MethodPost, "/api/v1/conversations/c1/messages", `{"content":"hi"}`,
		middleware.HeaderIdempotencyKey, "bad key!"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad key = %d", w.Code)
	}
}

func Test_idempotencyStore_Proxies(t *testing.T) {
	db := newTestDB(t)
	s := idempotencyStore{db: db, ttl: time.Hour}
	ctx := context.Background()

	if _, _, ok := s.Lookup(ctx, "me", "c1", "k"); ok {
		t.Fatalf("unexpected hit")
	}
	if err := s.Remember(ctx, "me", "c1", "k", "srv-9", http.StatusCreated); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := s.Remember(ctx, "me", "c1", "k", "srv-9", http.StatusCreated); err != nil {
		t.Fatalf("duplicate Remember should be absorbed: %v", err)
	}
	key, status, ok := s.Lookup(ctx, "me", "c1", "k")
	if !ok || key != "srv-9" || status != http.StatusCreated {
		t.Fatalf("Lookup = %q %d %v", key, status, ok)
	}
	if _, _, ok := s.Lookup(ctx, "someone-else", "c1", "k"); ok {
		t.Fatalf("keys are per user")
	}
}

func TestRegisterRoutes_IdempotencyLookupError_DoesNotBlock(t *testing.T) {
	r, db, _ := newRouter(t, baseConfig("/api/v1"), true)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	w := serve(r, http.MethodDelete, "/api/v1/conversations/c1", "", middleware.HeaderIdempotencyKey, "force-error")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	if w := serve(r, http.MethodPost, "/echo", "0123456789AB"); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		if w := serve(r, http.MethodGet, path, ""); w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
