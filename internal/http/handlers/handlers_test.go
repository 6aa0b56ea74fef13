package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/http/middleware"
	"github.com/tbourn/memora-client/internal/repo"
	"github.com/tbourn/memora-client/internal/services"
)

// ---------- test DB + repo shim ----------

func newBridgeDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:bridge_handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.CachedConversation{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testConvRepo struct{}

func (testConvRepo) ReplaceConversations(ctx context.Context, db *gorm.DB, owner string, rows []domain.CachedConversation) error {
	return repo.ReplaceConversations(ctx, db, owner, rows)
}
func (testConvRepo) CountConversations(ctx context.Context, db *gorm.DB, owner string) (int64, error) {
	return repo.CountConversations(ctx, db, owner)
}
func (testConvRepo) ListConversationsPage(ctx context.Context, db *gorm.DB, owner string, offset, limit int) ([]domain.CachedConversation, error) {
	return repo.ListConversationsPage(ctx, db, owner, offset, limit)
}
func (testConvRepo) GetConversation(ctx context.Context, db *gorm.DB, id, owner string) (*domain.CachedConversation, error) {
	return repo.GetConversation(ctx, db, id, owner)
}
func (testConvRepo) TouchConversation(ctx context.Context, db *gorm.DB, id, owner string, m domain.Message) error {
	return repo.TouchConversation(ctx, db, id, owner, m)
}
func (testConvRepo) DeleteConversations(ctx context.Context, db *gorm.DB, owner string) error {
	return repo.DeleteConversations(ctx, db, owner)
}

// ---------- fakes ----------

type stubInbox struct {
	mu   sync.Mutex
	list []domain.ConversationSummary
	err  error
}

func (s *stubInbox) ListConversations(context.Context) ([]domain.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list, s.err
}

type stubPresence struct {
	mu   sync.Mutex
	subs map[string]func(domain.PushEvent)
}

func (p *stubPresence) Subscribe(room string, h func(domain.PushEvent)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[room] = h
	return nil
}

func (p *stubPresence) Unsubscribe(room string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, room)
	return nil
}

func (p *stubPresence) CurrentUserID() string { return "me" }

func (p *stubPresence) push(ev domain.PushEvent) {
	p.mu.Lock()
	h := p.subs[ev.ConversationID]
	p.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

type stubBackend struct {
	mu       sync.Mutex
	history  []domain.Message
	fetchErr error
	postErr  error
	posts    int
	block    chan struct{} // when set, PostMessage waits on it
}

func (b *stubBackend) FetchMessages(context.Context, string) ([]domain.Message, error) {
	return b.history, b.fetchErr
}

func (b *stubBackend) PostMessage(_ context.Context, convID, content string) (domain.Message, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.postErr != nil {
		return domain.Message{}, b.postErr
	}
	b.posts++
	return domain.Message{ID: fmt.Sprintf("srv-%d", b.posts), ConversationID: convID, Content: content, Sender: domain.User{ID: "me"}}, nil
}

func (b *stubBackend) PostToReceiver(_ context.Context, rid, content, postID string) (domain.Message, error) {
	if b.postErr != nil {
		return domain.Message{}, b.postErr
	}
	return domain.Message{ID: "att-1", ConversationID: "c-" + rid, Content: content}, nil
}

type stubAuth struct {
	sess       domain.Session
	registered []services.Registration
	signInErr  error
	signedOut  bool
	signOutErr error
}

func (a *stubAuth) SignIn(_ context.Context, username, _ string) (domain.Session, error) {
	if a.signInErr != nil {
		return domain.Session{}, a.signInErr
	}
	a.sess = domain.Session{Token: "tok", UserID: "me", DisplayName: username}
	return a.sess, nil
}

func (a *stubAuth) Register(_ context.Context, r services.Registration) (domain.Session, error) {
	a.registered = append(a.registered, r)
	if a.signInErr != nil {
		return domain.Session{}, a.signInErr
	}
	a.sess = domain.Session{Token: "tok", UserID: "new", DisplayName: r.DisplayName}
	return a.sess, nil
}

func (a *stubAuth) SignOut(context.Context) error {
	a.signedOut = true
	a.sess = domain.Session{}
	return a.signOutErr
}

func (a *stubAuth) Current() (domain.Session, error) {
	if !a.sess.Active() {
		return domain.Session{}, services.ErrNotSignedIn
	}
	return a.sess, nil
}

type memIdem struct {
	mu   sync.Mutex
	recs map[string][2]any
}

func (m *memIdem) Lookup(_ context.Context, uid, conv, key string) (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[uid+"|"+conv+"|"+key]
	if !ok {
		return "", 0, false
	}
	return r[0].(string), r[1].(int), true
}

func (m *memIdem) Remember(_ context.Context, uid, conv, key, msgKey string, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[uid+"|"+conv+"|"+key] = [2]any{msgKey, status}
	return nil
}

// ---------- harness ----------

type bridge struct {
	r        *gin.Engine
	db       *gorm.DB
	inbox    *stubInbox
	backend  *stubBackend
	presence *stubPresence
	auth     *stubAuth
	reg      *services.Registry
	h        *Handlers
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &bridge{
		db:       newBridgeDB(t),
		inbox:    &stubInbox{},
		backend:  &stubBackend{},
		presence: &stubPresence{subs: map[string]func(domain.PushEvent){}},
		auth:     &stubAuth{sess: domain.Session{Token: "tok", UserID: "me"}},
	}
	convSvc := services.NewConversationService(b.db, testConvRepo{}, b.inbox, zerolog.Nop())
	b.reg = services.NewRegistry(b.backend, b.presence, services.SyncOptions{
		Optimistic:     true,
		DedupePushByID: true,
		Logger:         zerolog.Nop(),
	}, convSvc)
	t.Cleanup(func() {
		_ = b.reg.CloseAll()
		b.reg.Stop()
	})
	b.h = New(b.auth, convSvc, b.reg, &memIdem{recs: map[string][2]any{}})

	r := gin.New()
	r.Use(middleware.SessionUser(sessionOf{b.auth}))
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/session", b.h.SignIn)
	r.POST("/accounts", b.h.Register)
	r.GET("/session", b.h.GetSession)
	r.DELETE("/session", b.h.SignOut)
	r.GET("/conversations", b.h.ListConversations)
	r.POST("/conversations/:id/open", b.h.OpenConversation)
	r.GET("/conversations/:id/messages", b.h.GetView)
	r.POST("/conversations/:id/messages", b.h.SendMessage)
	r.POST("/conversations/:id/messages/:key/retry", b.h.RetryMessage)
	r.PUT("/conversations/:id/draft", b.h.UpdateDraft)
	r.GET("/conversations/:id/events", b.h.StreamEvents)
	r.DELETE("/conversations/:id", b.h.CloseConversation)
	r.POST("/receivers/:id/messages", b.h.SendToReceiver)
	b.r = r
	return b
}

type sessionOf struct{ a *stubAuth }

func (s sessionOf) Current() domain.Session { return s.a.sess }

func (b *bridge) do(method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	b.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v; body=%s", v, err, w.Body.String())
	}
	return v
}

var handlerT0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func hmsg(id, sender, content string, min int) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "c1",
		Sender:         domain.User{ID: sender},
		Content:        content,
		CreatedAt:      handlerT0.Add(time.Duration(min) * time.Minute),
		State:          domain.DeliveryConfirmed,
	}
}

func (b *bridge) open(t *testing.T, id string) services.View {
	t.Helper()
	w := b.do(http.MethodPost, "/conversations/"+id+"/open", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("open %s: %d %s", id, w.Code, w.Body.String())
	}
	return decode[services.View](t, w)
}
