// Package app assembles the client process: local storage, session, backend
// transport, the realtime connection and the services on top of them. The
// bridge daemon and the interactive CLI commands share one App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/memora-client/internal/config"
	"github.com/tbourn/memora-client/internal/domain"
	httpapi "github.com/tbourn/memora-client/internal/http"
	"github.com/tbourn/memora-client/internal/observability"
	"github.com/tbourn/memora-client/internal/realtime"
	"github.com/tbourn/memora-client/internal/realtime/natsroom"
	"github.com/tbourn/memora-client/internal/realtime/socketio"
	"github.com/tbourn/memora-client/internal/repo"
	"github.com/tbourn/memora-client/internal/services"
	"github.com/tbourn/memora-client/internal/session"
	"github.com/tbourn/memora-client/internal/transport"
)

// purgeEvery is how often expired idempotency records are swept.
const purgeEvery = 10 * time.Minute

// conversationRepo adapts the repo package's free functions to
// services.ConversationRepo.
type conversationRepo struct{}

func (conversationRepo) ReplaceConversations(ctx context.Context, db *gorm.DB, ownerID string, rows []domain.CachedConversation) error {
	return repo.ReplaceConversations(ctx, db, ownerID, rows)
}

func (conversationRepo) CountConversations(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	return repo.CountConversations(ctx, db, ownerID)
}

func (conversationRepo) ListConversationsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.CachedConversation, error) {
	return repo.ListConversationsPage(ctx, db, ownerID, offset, limit)
}

func (conversationRepo) GetConversation(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.CachedConversation, error) {
	return repo.GetConversation(ctx, db, id, ownerID)
}

func (conversationRepo) TouchConversation(ctx context.Context, db *gorm.DB, id, ownerID string, m domain.Message) error {
	return repo.TouchConversation(ctx, db, id, ownerID, m)
}

func (conversationRepo) DeleteConversations(ctx context.Context, db *gorm.DB, ownerID string) error {
	return repo.DeleteConversations(ctx, db, ownerID)
}

// App owns every long-lived component of the client.
type App struct {
	cfg     config.Config
	version string
	log     zerolog.Logger

	DB            *gorm.DB
	Sessions      *session.Store
	Client        *transport.Client
	Hub           *realtime.Hub
	Inbox         *services.ConversationService
	Auth          *services.AuthService
	Conversations *services.Registry

	hubOnce    sync.Once
	hubStarted atomic.Bool
	hubDone    chan struct{}
	srv        *http.Server
}

// New opens local storage and builds the services. It does not touch the
// network beyond dialing the NATS server when that driver is selected; call
// StartRealtime or Serve to go live.
func New(ctx context.Context, cfg config.Config, version string, log zerolog.Logger) (*App, error) {
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	sessions := session.New(db, log)
	if err := sessions.Load(ctx); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	client, err := transport.New(transport.Options{
		BaseURL:   cfg.APIBaseURL,
		Timeout:   cfg.HTTPTimeout,
		SendRPS:   cfg.SendRPS,
		SendBurst: cfg.SendBurst,
		Logger:    log,
	}, sessions)
	if err != nil {
		return nil, err
	}

	drv, err := newDriver(cfg, sessions, log)
	if err != nil {
		return nil, err
	}
	hub := realtime.NewHub(drv, log)
	presence := realtime.NewPresence(hub, sessions)

	inbox := services.NewConversationService(db, conversationRepo{}, client, log)
	auth := &services.AuthService{
		Backend:  client,
		Sessions: sessions,
		Inbox:    inbox,
		Log:      log.With().Str("component", "auth").Logger(),
	}
	if cfg.Sync.DedupePushByID {
		log.Warn().Msg("dropping pushes whose message id is already shown; set DEDUPE_PUSH_BY_ID=false to keep redelivered pushes")
	}
	registry := services.NewRegistry(client, presence, services.SyncOptions{
		Optimistic:     cfg.Sync.Optimistic,
		DedupePushByID: cfg.Sync.DedupePushByID,
		Logger:         log,
	}, inbox)

	return &App{
		cfg:           cfg,
		version:       version,
		log:           log,
		DB:            db,
		Sessions:      sessions,
		Client:        client,
		Hub:           hub,
		Inbox:         inbox,
		Auth:          auth,
		Conversations: registry,
		hubDone:       make(chan struct{}),
	}, nil
}

// newDriver picks the push transport named by REALTIME_DRIVER.
func newDriver(cfg config.Config, sessions *session.Store, log zerolog.Logger) (realtime.Driver, error) {
	switch cfg.Realtime.Driver {
	case config.DriverNATS:
		c, err := natsroom.Connect(natsroom.Options{
			URL:           cfg.Realtime.NATSURL,
			SubjectPrefix: cfg.Realtime.SubjectPrefix,
			Name:          "memora-client",
			ReconnectWait: cfg.Realtime.ReconnectMin,
			Logger:        log,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.Realtime.NATSURL, err)
		}
		return c, nil
	case config.DriverSocketIO, "":
		return socketio.New(socketio.Options{
			URL:          cfg.Realtime.SocketURL,
			Token:        sessions.Token,
			ReconnectMin: cfg.Realtime.ReconnectMin,
			ReconnectMax: cfg.Realtime.ReconnectMax,
			Logger:       log,
		}), nil
	}
	return nil, fmt.Errorf("unknown realtime driver %q", cfg.Realtime.Driver)
}

// StartRealtime runs the shared push connection in the background until ctx
// is done or Close is called. Later calls are no-ops.
func (a *App) StartRealtime(ctx context.Context) {
	a.hubOnce.Do(func() {
		a.hubStarted.Store(true)
		go func() {
			defer close(a.hubDone)
			if err := a.Hub.Run(ctx); err != nil {
				a.log.Error().Err(err).Msg("realtime connection stopped")
			}
		}()
	})
}

// Handler builds the bridge's gin engine.
func (a *App) Handler() *gin.Engine {
	gin.SetMode(a.cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:            a.DB,
		Sessions:      a.Sessions,
		Auth:          a.Auth,
		Inbox:         a.Inbox,
		Conversations: a.Conversations,
		Log:           &a.log,
	}, a.cfg)
	return r
}

// Serve runs the bridge daemon and blocks until ctx is canceled or the
// server fails. Either way the App is closed before Serve returns.
func (a *App) Serve(ctx context.Context) error {
	shutdownTracing, err := observability.Setup(ctx, a.cfg.OTEL, a.version, a.log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	a.StartRealtime(ctx)
	go a.purgeLoop(ctx)

	a.srv = &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.Handler(),
		ReadTimeout:       a.cfg.ReadTimeout,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.srv.Addr).Str("version", a.version).Msg("bridge listening")
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(stopCtx); err != nil {
		a.log.Warn().Err(err).Msg("bridge shutdown")
	}
	if err := a.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close")
	}
	if err := shutdownTracing(stopCtx); err != nil {
		a.log.Warn().Err(err).Msg("tracing shutdown")
	}
	return runErr
}

// purgeLoop drops expired idempotency records until ctx is done.
func (a *App) purgeLoop(ctx context.Context) {
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, a.DB, now.UTC())
			if err != nil {
				a.log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				a.log.Debug().Int64("purged", n).Msg("idempotency records expired")
			}
		}
	}
}

// Close tears down every open conversation, the realtime connection and the
// database. It is safe to call once the App is no longer serving.
func (a *App) Close() error {
	var errs []error
	if err := a.Conversations.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	a.Conversations.Stop()
	if err := a.Hub.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.hubStarted.Load() {
		select {
		case <-a.hubDone:
		case <-time.After(5 * time.Second):
			a.log.Warn().Msg("realtime connection did not stop in time")
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
