package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/config"
	"hospsurvey/internal/ids"
	"hospsurvey/internal/login"
	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
	"hospsurvey/internal/security"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrTooManyAttempts    = errors.New("too many login attempts")
	ErrAwaitingApproval   = errors.New("account awaiting approval")
	ErrAccountRejected    = errors.New("account rejected")
	ErrAccountInactive    = errors.New("account inactive")
	ErrEmailTaken         = errors.New("email already registered")
	ErrPasswordReused     = errors.New("new password must differ from the current one")
)

// PolicyError wraps a password complexity violation so handlers can show the message.
type PolicyError struct {
	Err error
}

func (e *PolicyError) Error() string { return e.Err.Error() }
func (e *PolicyError) Unwrap() error { return e.Err }

type UserStore interface {
	FindByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, id string) (models.User, error)
	Create(ctx context.Context, user models.User) error
	UpdatePassword(ctx context.Context, id string, hash []byte, changedAt time.Time, expiresAt *time.Time) error
}

type LoginTracker interface {
	RecordLoginAttempt(ctx context.Context, user *models.User, email string, successful bool, req login.Request)
	IsBlocked(ctx context.Context, email string) bool
	IsSourceThrottled(ctx context.Context, ip string) bool
}

type SessionManager interface {
	RegisterSession(ctx context.Context, user *models.User, previousID, ip, userAgent string) (models.Session, error)
	EndSession(ctx context.Context, user *models.User, sessionID string) error
	InvalidateOtherSessions(ctx context.Context, user *models.User, keepID string) (int, error)
}

type AuthRecorder interface {
	Log(ctx context.Context, ev audit.Event) *models.AuditLogEntry
	LogUserCreated(ctx context.Context, user models.User) *models.AuditLogEntry
	LogPasswordChanged(ctx context.Context, user models.User) *models.AuditLogEntry
}

type AuthService struct {
	users      UserStore
	tracker    LoginTracker
	sessions   SessionManager
	recorder   AuthRecorder
	complexity security.PasswordComplexity
	expiry     security.PasswordExpiryPolicy
	cfg        config.SecurityConfig
	log        zerolog.Logger
	now        func() time.Time
}

func NewAuthService(
	users UserStore,
	tracker LoginTracker,
	sessions SessionManager,
	recorder AuthRecorder,
	cfg config.SecurityConfig,
	log zerolog.Logger,
) *AuthService {
	return &AuthService{
		users:      users,
		tracker:    tracker,
		sessions:   sessions,
		recorder:   recorder,
		complexity: security.DefaultPasswordComplexity(),
		expiry:     security.PasswordExpiryPolicy{MaxAge: cfg.PasswordMaxAge},
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

type LoginInput struct {
	Email             string
	Password          string
	IPAddress         string
	UserAgent         string
	PreviousSessionID string
}

type LoginResult struct {
	Token                  string
	ExpiresAt              time.Time
	Session                models.Session
	User                   models.User
	PasswordChangeRequired bool
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// Register creates a pending account. It cannot sign in until an administrator approves it.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (models.User, error) {
	input.Email = normalizeEmail(input.Email)
	input.Name = strings.TrimSpace(input.Name)
	if input.Email == "" || input.Password == "" || input.Name == "" {
		return models.User{}, fmt.Errorf("email, name and password required")
	}
	if err := s.complexity.Validate(input.Password); err != nil {
		return models.User{}, &PolicyError{Err: err}
	}

	if _, err := s.users.FindByEmail(ctx, input.Email); err == nil {
		return models.User{}, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return models.User{}, err
	}

	passwordHash, err := security.HashPassword(input.Password)
	if err != nil {
		return models.User{}, err
	}

	now := s.now()
	user := models.User{
		ID:                   ids.New(),
		Email:                input.Email,
		Name:                 input.Name,
		PasswordHash:         passwordHash,
		Active:               true,
		ApprovalStatus:       models.ApprovalPending,
		SingleSessionEnabled: true,
		PasswordChangedAt:    &now,
		PasswordExpiresAt:    s.expiry.NextExpiry(now),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return models.User{}, err
	}

	s.recorder.LogUserCreated(ctx, user)
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (LoginResult, error) {
	input.Email = normalizeEmail(input.Email)
	req := login.Request{IP: input.IPAddress, UserAgent: input.UserAgent}

	if s.tracker.IsSourceThrottled(ctx, input.IPAddress) {
		return LoginResult{}, ErrTooManyAttempts
	}
	if s.tracker.IsBlocked(ctx, input.Email) {
		return LoginResult{}, ErrAccountLocked
	}

	user, err := s.users.FindByEmail(ctx, input.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.tracker.RecordLoginAttempt(ctx, nil, input.Email, false, req)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	ok, err := security.VerifyPassword(input.Password, user.PasswordHash)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("stored password hash unreadable")
	}
	if err != nil || !ok {
		s.tracker.RecordLoginAttempt(ctx, &user, input.Email, false, req)
		return LoginResult{}, ErrInvalidCredentials
	}

	switch {
	case user.ApprovalStatus == models.ApprovalPending:
		return LoginResult{}, ErrAwaitingApproval
	case user.ApprovalStatus == models.ApprovalRejected:
		return LoginResult{}, ErrAccountRejected
	case !user.Active:
		return LoginResult{}, ErrAccountInactive
	}

	s.tracker.RecordLoginAttempt(ctx, &user, input.Email, true, req)

	sess, err := s.sessions.RegisterSession(ctx, &user, input.PreviousSessionID, input.IPAddress, input.UserAgent)
	if err != nil {
		return LoginResult{}, fmt.Errorf("register session: %w", err)
	}

	token, err := security.GenerateSessionToken(s.cfg.SessionSecret, user.ID, sess.ID, s.cfg.SessionTTL)
	if err != nil {
		return LoginResult{}, err
	}

	return LoginResult{
		Token:                  token,
		ExpiresAt:              sess.ExpiresAt,
		Session:                sess,
		User:                   user,
		PasswordChangeRequired: s.expiry.MustChangePassword(&user, s.now()),
	}, nil
}

func (s *AuthService) Logout(ctx context.Context, user *models.User, sessionID string) error {
	if user == nil {
		return nil
	}
	if err := s.sessions.EndSession(ctx, user, sessionID); err != nil {
		return err
	}
	s.recorder.Log(ctx, audit.Event{
		EventType:   models.EventLogout,
		Category:    models.CategoryAuth,
		Description: "User logged out",
		SubjectType: "user",
		SubjectID:   user.ID,
		ActorID:     user.ID,
	})
	return nil
}

// ChangePassword replaces the password, restarts the expiry clock and signs out
// every other session of the actor.
func (s *AuthService) ChangePassword(ctx context.Context, user *models.User, sessionID, current, next string) error {
	ok, err := security.VerifyPassword(current, user.PasswordHash)
	if err != nil || !ok {
		return ErrInvalidCredentials
	}
	if current == next {
		return ErrPasswordReused
	}
	if err := s.complexity.Validate(next); err != nil {
		return &PolicyError{Err: err}
	}

	hash, err := security.HashPassword(next)
	if err != nil {
		return err
	}
	now := s.now()
	expiresAt := s.expiry.NextExpiry(now)
	if err := s.users.UpdatePassword(ctx, user.ID, hash, now, expiresAt); err != nil {
		return err
	}

	user.PasswordHash = hash
	user.PasswordChangedAt = &now
	user.PasswordExpiresAt = expiresAt
	user.PasswordChangeRequired = false
	s.recorder.LogPasswordChanged(ctx, *user)

	if _, err := s.sessions.InvalidateOtherSessions(ctx, user, sessionID); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to invalidate other sessions after password change")
	}
	return nil
}
