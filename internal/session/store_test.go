package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/memora-client/internal/domain"
)

func newStore(t *testing.T) (*Store, *gorm.DB, *bytes.Buffer) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Session{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	var buf bytes.Buffer
	return New(db, zerolog.New(&buf)), db, &buf
}

func TestStore_SignedOutByDefault(t *testing.T) {
	s, _, _ := newStore(t)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if s.CurrentUserID() != "" {
		t.Fatalf("expected empty user id")
	}
}

func TestStore_SaveDerivesUserIDAndPersists(t *testing.T) {
	s, db, buf := newStore(t)
	ctx := context.Background()
	tok := signed(t, jwt.MapClaims{"_id": "u1"})

	saved, err := s.Save(ctx, domain.Session{Token: "  " + tok + " ", DisplayName: "Ann"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.UserID != "u1" || saved.Token != tok {
		t.Fatalf("unexpected saved session: %+v", saved)
	}
	if got, _ := s.Token(ctx); got != tok {
		t.Fatalf("Token = %q", got)
	}
	if !strings.Contains(buf.String(), "session saved") {
		t.Fatalf("expected save log, got %q", buf.String())
	}

	// A fresh store over the same DB sees the persisted row.
	other := New(db, zerolog.Nop())
	if err := other.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if other.CurrentUserID() != "u1" || other.Current().DisplayName != "Ann" {
		t.Fatalf("reloaded session mismatch: %+v", other.Current())
	}
}

func TestStore_SaveKeepsExplicitUserID(t *testing.T) {
	s, _, _ := newStore(t)
	saved, err := s.Save(context.Background(), domain.Session{Token: signed(t, jwt.MapClaims{"sub": "from-token"}), UserID: "explicit"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.UserID != "explicit" {
		t.Fatalf("UserID = %q; want explicit", saved.UserID)
	}
}

func TestStore_SaveRejectsEmptyToken(t *testing.T) {
	s, _, _ := newStore(t)
	if _, err := s.Save(context.Background(), domain.Session{Token: "   "}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestStore_Invalidate(t *testing.T) {
	s, db, buf := newStore(t)
	ctx := context.Background()
	if _, err := s.Save(ctx, domain.Session{Token: "opaque", UserID: "u1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := s.Token(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("token should be gone, got %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("expected warn log on invalidation, got %q", buf.String())
	}
	var n int64
	db.Model(&domain.Session{}).Count(&n)
	if n != 0 {
		t.Fatalf("session row should be deleted, got %d", n)
	}
	// Second call is harmless.
	if err := s.Invalidate(ctx); err != nil {
		t.Fatalf("Invalidate again: %v", err)
	}
}
