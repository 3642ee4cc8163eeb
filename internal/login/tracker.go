package login

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
	"hospsurvey/internal/metrics"
	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
)

type UserStore interface {
	FindByEmail(ctx context.Context, email string) (models.User, error)
	IncrementFailedLogins(ctx context.Context, id string, windowStart, at time.Time) (int, error)
	LockUntil(ctx context.Context, id string, until *time.Time) error
	ResetLoginFailures(ctx context.Context, id string, at time.Time) error
	ClearLock(ctx context.Context, id string) error
}

type AttemptStore interface {
	Create(ctx context.Context, attempt models.LoginAttempt) error
	CountFailedSince(ctx context.Context, identifier string, since time.Time) (int, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.LoginAttempt, error)
}

type Recorder interface {
	Log(ctx context.Context, ev audit.Event) *models.AuditLogEntry
	LogFailedLogin(ctx context.Context, email string, user *models.User, reason string) *models.AuditLogEntry
}

type Request struct {
	IP        string
	UserAgent string
}

type Policy struct {
	Threshold   int
	Duration    time.Duration
	Window      time.Duration
	IPThreshold int
}

func PolicyFrom(cfg config.LockoutConfig) Policy {
	return Policy{
		Threshold:   cfg.Threshold,
		Duration:    cfg.Duration,
		Window:      cfg.Window,
		IPThreshold: cfg.IPThreshold,
	}
}

// Tracker records login attempts and owns account lockout.
type Tracker struct {
	users    UserStore
	attempts AttemptStore
	recorder Recorder
	policy   Policy
	log      zerolog.Logger
	now      func() time.Time
}

func NewTracker(users UserStore, attempts AttemptStore, recorder Recorder, policy Policy, log zerolog.Logger) *Tracker {
	return &Tracker{
		users:    users,
		attempts: attempts,
		recorder: recorder,
		policy:   policy,
		log:      log,
		now:      time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RecordLoginAttempt stores the attempt and updates the actor's lockout state.
// user is nil when the email matched no account. Failures are logged, not returned.
func (t *Tracker) RecordLoginAttempt(ctx context.Context, user *models.User, email string, successful bool, req Request) {
	now := t.now()
	email = normalizeEmail(email)

	attempt := models.LoginAttempt{
		ID:          ids.New(),
		Email:       email,
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
		Successful:  successful,
		AttemptedAt: now,
	}
	if user != nil {
		uid := user.ID
		attempt.UserID = &uid
	}
	if err := t.attempts.Create(ctx, attempt); err != nil {
		t.log.Error().Err(err).Str("email", email).Msg("failed to store login attempt")
	}

	if successful {
		metrics.LoginAttempts.WithLabelValues("success").Inc()
		t.recordSuccess(ctx, user, now)
		return
	}

	metrics.LoginAttempts.WithLabelValues("failure").Inc()
	t.recorder.LogFailedLogin(ctx, email, user, "invalid_credentials")
	if user != nil {
		t.recordFailure(ctx, user, now)
	}
}

func (t *Tracker) recordSuccess(ctx context.Context, user *models.User, now time.Time) {
	if user == nil {
		return
	}
	if err := t.users.ResetLoginFailures(ctx, user.ID, now); err != nil {
		t.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to reset login failures")
		return
	}
	user.FailedLoginAttempts = 0
	user.AccountLockedUntil = nil
	user.LastLoginAt = &now
	user.LastActivity = &now

	t.recorder.Log(ctx, audit.Event{
		EventType:   models.EventLoginSuccess,
		Category:    models.CategoryAuth,
		Description: "User logged in",
		SubjectType: "user",
		SubjectID:   user.ID,
		ActorID:     user.ID,
	})
}

func (t *Tracker) recordFailure(ctx context.Context, user *models.User, now time.Time) {
	var windowStart time.Time
	if t.policy.Window > 0 {
		windowStart = now.Add(-t.policy.Window)
	}
	attempts, err := t.users.IncrementFailedLogins(ctx, user.ID, windowStart, now)
	if err != nil {
		t.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to count login failure")
		return
	}
	user.FailedLoginAttempts = attempts
	if attempts < t.policy.Threshold {
		return
	}

	until := now.Add(t.policy.Duration)
	if err := t.users.LockUntil(ctx, user.ID, &until); err != nil {
		t.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to lock account")
		return
	}
	user.AccountLockedUntil = &until
	metrics.AccountLockouts.Inc()

	t.recorder.Log(ctx, audit.Event{
		EventType:   models.EventAccountLocked,
		Category:    models.CategorySecurity,
		Description: fmt.Sprintf("Account locked after %d failed login attempts", attempts),
		SubjectType: "user",
		SubjectID:   user.ID,
		Metadata: map[string]any{
			"failed_attempts": attempts,
			"locked_until":    until.UTC().Format(time.RFC3339),
		},
		Severity:        models.SeverityCritical,
		IsSecurityAlert: true,
	})
	t.log.Warn().Str("user_id", user.ID).Int("attempts", attempts).Time("locked_until", until).Msg("account locked")
}

// IsBlocked reports whether the account behind email is currently locked.
func (t *Tracker) IsBlocked(ctx context.Context, email string) bool {
	user, err := t.users.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			t.log.Error().Err(err).Msg("lockout lookup failed")
		}
		return false
	}
	return user.IsLocked(t.now())
}

// IsSourceThrottled reports whether ip produced too many failures inside the window.
func (t *Tracker) IsSourceThrottled(ctx context.Context, ip string) bool {
	if ip == "" || t.policy.IPThreshold <= 0 {
		return false
	}
	count, err := t.GetRecentFailedAttempts(ctx, ip, t.policy.Window)
	if err != nil {
		t.log.Error().Err(err).Str("ip", ip).Msg("ip throttle lookup failed")
		return false
	}
	return count >= t.policy.IPThreshold
}

// GetRecentFailedAttempts counts failures whose email or ip equals identifier.
func (t *Tracker) GetRecentFailedAttempts(ctx context.Context, identifier string, window time.Duration) (int, error) {
	if strings.Contains(identifier, "@") {
		identifier = normalizeEmail(identifier)
	}
	return t.attempts.CountFailedSince(ctx, identifier, t.now().Add(-window))
}

func (t *Tracker) GetLoginHistory(ctx context.Context, userID string, limit int) ([]models.LoginAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.attempts.ListByUser(ctx, userID, limit)
}

// UnlockAccount clears a lockout on behalf of an administrator.
func (t *Tracker) UnlockAccount(ctx context.Context, by string, email string) error {
	user, err := t.users.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return err
	}
	if err := t.users.ClearLock(ctx, user.ID); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}

	t.recorder.Log(ctx, audit.Event{
		EventType:   models.EventAccountUnlocked,
		Category:    models.CategorySecurity,
		Description: "Account unlocked by administrator",
		SubjectType: "user",
		SubjectID:   user.ID,
		ActorID:     by,
		OldValues: map[string]any{
			"failed_login_attempts": user.FailedLoginAttempts,
		},
		NewValues: map[string]any{
			"failed_login_attempts": 0,
		},
		Severity:        models.SeverityWarning,
		IsSecurityAlert: true,
	})
	return nil
}
