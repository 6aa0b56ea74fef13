// Package session keeps the device's auth state: the bearer token issued by
// the backend and the identity it belongs to. The row is persisted in SQLite
// so the client survives restarts; reads are served from memory.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/repo"
)

// ErrNoSession is returned when no token is stored.
var ErrNoSession = errors.New("no active session")

// Store is the process-wide session holder. It is safe for concurrent use.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger

	mu  sync.RWMutex
	cur domain.Session
}

// New returns a Store backed by db. Call Load to pick up a persisted session.
func New(db *gorm.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "session").Logger()}
}

// Load reads the persisted session into memory. A missing row leaves the
// store signed out and is not an error.
func (s *Store) Load(ctx context.Context) error {
	row, err := repo.GetSession(ctx, s.db)
	if errors.Is(err, repo.ErrNotFound) {
		s.mu.Lock()
		s.cur = domain.Session{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = *row
	s.mu.Unlock()
	return nil
}

// Token returns the bearer token or ErrNoSession.
func (s *Store) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.cur.Active() {
		return "", ErrNoSession
	}
	return s.cur.Token, nil
}

// CurrentUserID returns the signed-in user's id, or "" when signed out.
func (s *Store) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.UserID
}

// Current returns a copy of the in-memory session.
func (s *Store) Current() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Save persists sess as the active session. When sess.UserID is empty it is
// taken from the token's claims.
func (s *Store) Save(ctx context.Context, sess domain.Session) (domain.Session, error) {
	sess.Token = strings.TrimSpace(sess.Token)
	if sess.Token == "" {
		return domain.Session{}, ErrNoSession
	}
	if sess.UserID == "" {
		sess.UserID = UserIDFromToken(sess.Token)
	}
	saved, err := repo.SaveSession(ctx, s.db, sess)
	if err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	s.cur = *saved
	s.mu.Unlock()
	s.log.Info().Str("user_id", saved.UserID).Msg("session saved")
	return *saved, nil
}

// Invalidate drops the token from memory and storage. It is called on sign
// out and by the transport when the backend answers 401.
func (s *Store) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	had := s.cur.Active()
	s.cur = domain.Session{}
	s.mu.Unlock()
	if had {
		s.log.Warn().Msg("session invalidated")
	}
	return repo.DeleteSession(ctx, s.db)
}
