package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tbourn/memora-client/internal/domain"
	"github.com/tbourn/memora-client/internal/transport"
)

// AuthBackend is the account subset of the transport.
type AuthBackend interface {
	SignIn(ctx context.Context, username, password string) (string, domain.User, error)
	SignUp(ctx context.Context, req transport.SignUpRequest) (string, domain.User, error)
	Me(ctx context.Context) (domain.User, error)
}

// SessionStore persists the active session.
type SessionStore interface {
	Save(ctx context.Context, sess domain.Session) (domain.Session, error)
	Invalidate(ctx context.Context) error
	Current() domain.Session
}

const (
	noticeBadCredentials = "Incorrect username or password."
	noticeSignInFailed   = "Could not sign in. Please try again."
	noticeSignUpRejected = "Could not create the account. Check the details and try again."
	noticeSignUpFailed   = "Could not sign up. Please try again."
)

// Registration is what a new account needs.
type Registration struct {
	Email       string
	Username    string
	DisplayName string
	Password    string
}

// AuthService signs the device in and out.
type AuthService struct {
	Backend  AuthBackend
	Sessions SessionStore
	// Inbox, when set, has its cache dropped on sign-out.
	Inbox *ConversationService
	Log   zerolog.Logger
}

// SignIn exchanges credentials for a token and stores the session. The user
// id comes from the sign-in response, then the token's claims, then GET
// /user.
func (s *AuthService) SignIn(ctx context.Context, username, password string) (domain.Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.Session{}, ErrInvalidCredentials
	}
	ctx, span := otel.Tracer("services/AuthService").Start(ctx, "SignIn")
	defer span.End()

	token, user, err := s.Backend.SignIn(ctx, username, password)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign in failed")
		notice := noticeSignInFailed
		var te *transport.Error
		if errors.As(err, &te) && (te.StatusCode == 400 || te.StatusCode == 401 || te.StatusCode == 404) {
			notice = noticeBadCredentials
		}
		return domain.Session{}, &TransportError{Op: "sign_in", Notice: notice, Err: err}
	}

	sess, err := s.establish(ctx, token, user)
	if err == nil {
		span.SetAttributes(attribute.String("user.id", sess.UserID))
	}
	return sess, err
}

// Register creates an account and signs the device in with it. Every field
// is required; a blank one fails with a *ValidationError before any network
// call.
func (s *AuthService) Register(ctx context.Context, r Registration) (domain.Session, error) {
	r.Email = strings.TrimSpace(r.Email)
	r.Username = strings.TrimSpace(r.Username)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	switch {
	case r.Email == "" || !strings.Contains(r.Email, "@"):
		return domain.Session{}, &ValidationError{Field: "email", Reason: "a valid email is required"}
	case r.Username == "":
		return domain.Session{}, &ValidationError{Field: "username", Reason: "username is required"}
	case r.DisplayName == "":
		return domain.Session{}, &ValidationError{Field: "display_name", Reason: "display name is required"}
	case strings.TrimSpace(r.Password) == "":
		return domain.Session{}, &ValidationError{Field: "password", Reason: "password is required"}
	}
	ctx, span := otel.Tracer("services/AuthService").Start(ctx, "Register")
	defer span.End()

	token, user, err := s.Backend.SignUp(ctx, transport.SignUpRequest{
		Email:       r.Email,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		Password:    r.Password,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign up failed")
		notice := noticeSignUpFailed
		var te *transport.Error
		if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 {
			notice = noticeSignUpRejected
		}
		return domain.Session{}, &TransportError{Op: "sign_up", Notice: notice, Err: err}
	}
	if user.DisplayName == "" {
		user.DisplayName = r.DisplayName
	}
	sess, err := s.establish(ctx, token, user)
	if err == nil {
		s.Log.Info().Str("user_id", sess.UserID).Msg("account created")
		span.SetAttributes(attribute.String("user.id", sess.UserID))
	}
	return sess, err
}

// establish stores a fresh token and fills in whatever identity the
// response left out: token claims first, then GET /user.
func (s *AuthService) establish(ctx context.Context, token string, user domain.User) (domain.Session, error) {
	sess, err := s.Sessions.Save(ctx, domain.Session{
		Token:       token,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	})
	if err != nil {
		return domain.Session{}, err
	}
	if sess.UserID != "" && sess.DisplayName != "" {
		return sess, nil
	}

	me, err := s.Backend.Me(ctx)
	if err != nil {
		// The session is usable; only the identity is incomplete.
		s.Log.Warn().Err(err).Msg("could not fetch current user after sign-in")
		return sess, nil
	}
	if sess.UserID == "" {
		sess.UserID = me.ID
	}
	if sess.DisplayName == "" {
		sess.DisplayName = me.DisplayName
	}
	if sess.AvatarURL == "" {
		sess.AvatarURL = me.AvatarURL
	}
	return s.Sessions.Save(ctx, sess)
}

// SignOut drops the session and the cached inbox.
func (s *AuthService) SignOut(ctx context.Context) error {
	uid := s.Sessions.Current().UserID
	if err := s.Sessions.Invalidate(ctx); err != nil {
		return err
	}
	if s.Inbox != nil {
		if err := s.Inbox.Forget(ctx, uid); err != nil {
			s.Log.Warn().Err(err).Msg("could not clear cached inbox")
		}
	}
	return nil
}

// Current returns the active session, or ErrNotSignedIn.
func (s *AuthService) Current() (domain.Session, error) {
	sess := s.Sessions.Current()
	if !sess.Active() {
		return domain.Session{}, ErrNotSignedIn
	}
	return sess, nil
}
