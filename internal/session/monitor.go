package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hospsurvey/internal/config"
	"hospsurvey/internal/ids"
	"hospsurvey/internal/metrics"
	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
)

type UserStore interface {
	AdoptSession(ctx context.Context, id string, sessionID string) (bool, error)
	SetCurrentSession(ctx context.Context, id string, sessionID *string) error
	TouchLastActivity(ctx context.Context, id string, at time.Time) error
}

type Store interface {
	Create(ctx context.Context, session models.Session) error
	GetByID(ctx context.Context, id string) (models.Session, error)
	ListByUser(ctx context.Context, userID string) ([]models.Session, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int, error)
	DeleteOthers(ctx context.Context, userID string, keepID string) (int, error)
	Touch(ctx context.Context, sessionID string, ip string, userAgent string, at time.Time) error
}

type PasswordPolicy interface {
	MustChangePassword(user *models.User, now time.Time) bool
}

type Recorder interface {
	LogSessionInvalidated(ctx context.Context, userID, sessionID, reason string) *models.AuditLogEntry
}

// Invalidation reasons, also used as metric labels.
const (
	ReasonAwaitingApproval = "awaiting_approval"
	ReasonRejected         = "account_rejected"
	ReasonInactiveAccount  = "account_inactive"
	ReasonElsewhere        = "logged_in_elsewhere"
	ReasonIdle             = "inactivity_timeout"
)

var messages = map[string]string{
	ReasonAwaitingApproval: "Your account is awaiting approval.",
	ReasonRejected:         "Access denied: account rejected.",
	ReasonInactiveAccount:  "Access denied: account inactive.",
	ReasonElsewhere:        "Your session ended because you logged in elsewhere.",
	ReasonIdle:             "Your session expired due to inactivity.",
}

type Action int

const (
	ActionContinue Action = iota
	ActionRequirePasswordChange
	ActionLogout
)

type Outcome struct {
	Action     Action
	RedirectTo string
	Reason     string
	Message    string
}

type Request struct {
	Path       string
	SessionID  string
	IP         string
	UserAgent  string
	// Superseded marks a session already replaced by a newer login of a
	// single-session actor.
	Superseded bool
}

type Config struct {
	InactivityTimeout   time.Duration
	SessionTTL          time.Duration
	ExcludedRoutes      []string
	PasswordChangeRoute string
	LoginRoute          string
}

func ConfigFrom(cfg *config.AppConfig) Config {
	return Config{
		InactivityTimeout:   cfg.Session.InactivityTimeout,
		SessionTTL:          cfg.Security.SessionTTL,
		ExcludedRoutes:      cfg.Session.ExcludedRoutes,
		PasswordChangeRoute: cfg.Session.PasswordChangeRoute,
		LoginRoute:          cfg.Session.LoginRoute,
	}
}

// Monitor runs the per-request session checks: approval, password policy,
// single session, inactivity, then a throttled activity refresh.
type Monitor struct {
	cfg      Config
	users    UserStore
	sessions Store
	policy   PasswordPolicy
	throttle Throttle
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewMonitor(cfg Config, users UserStore, sessions Store, policy PasswordPolicy, throttle Throttle, recorder Recorder, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		policy:   policy,
		throttle: throttle,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

func (m *Monitor) Excluded(path string) bool {
	for _, route := range m.cfg.ExcludedRoutes {
		if path == route || strings.HasPrefix(path, route+"/") {
			return true
		}
	}
	return false
}

func (m *Monitor) Evaluate(ctx context.Context, user *models.User, req Request) Outcome {
	if user == nil || m.Excluded(req.Path) {
		return Outcome{Action: ActionContinue}
	}
	now := m.now()
	if req.Superseded {
		return m.terminate(ctx, user, req, ReasonElsewhere)
	}

	switch {
	case user.ApprovalStatus == models.ApprovalPending:
		return m.terminate(ctx, user, req, ReasonAwaitingApproval)
	case user.ApprovalStatus == models.ApprovalRejected:
		return m.terminate(ctx, user, req, ReasonRejected)
	case !user.Active:
		return m.terminate(ctx, user, req, ReasonInactiveAccount)
	}

	steps := []struct {
		name string
		fn   func() (*Outcome, error)
	}{
		{"password_policy", func() (*Outcome, error) { return m.checkPassword(user, req, now), nil }},
		{"single_session", func() (*Outcome, error) { return m.checkSingleSession(ctx, user, req) }},
		{"inactivity", func() (*Outcome, error) { return m.checkInactivity(user, now), nil }},
	}
	for _, step := range steps {
		out := m.guard(user, step.name, step.fn)
		if out == nil {
			continue
		}
		if out.Action == ActionLogout {
			return m.terminate(ctx, user, req, out.Reason)
		}
		return *out
	}

	m.guard(user, "activity", func() (*Outcome, error) {
		return nil, m.touch(ctx, user, req, now)
	})
	return Outcome{Action: ActionContinue}
}

// guard runs one step, converting errors and panics into "no decision".
func (m *Monitor) guard(user *models.User, name string, fn func() (*Outcome, error)) (out *Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("user_id", user.ID).Str("step", name).Msg("session check panicked")
			out = nil
		}
	}()
	out, err := fn()
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", user.ID).Str("step", name).Msg("session check failed")
		return nil
	}
	return out
}

func (m *Monitor) checkPassword(user *models.User, req Request, now time.Time) *Outcome {
	if m.policy == nil || req.Path == m.cfg.PasswordChangeRoute {
		return nil
	}
	if !m.policy.MustChangePassword(user, now) {
		return nil
	}
	return &Outcome{
		Action:     ActionRequirePasswordChange,
		RedirectTo: m.cfg.PasswordChangeRoute,
		Reason:     "password_change_required",
		Message:    "You must change your password before continuing.",
	}
}

func (m *Monitor) checkSingleSession(ctx context.Context, user *models.User, req Request) (*Outcome, error) {
	if !user.SingleSessionEnabled || req.SessionID == "" {
		return nil, nil
	}
	if user.CurrentSessionID != nil {
		if *user.CurrentSessionID != req.SessionID {
			return &Outcome{Action: ActionLogout, Reason: ReasonElsewhere}, nil
		}
		return nil, nil
	}

	adopted, err := m.users.AdoptSession(ctx, user.ID, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("adopt session: %w", err)
	}
	if adopted {
		sid := req.SessionID
		user.CurrentSessionID = &sid
	}
	return nil, nil
}

func (m *Monitor) checkInactivity(user *models.User, now time.Time) *Outcome {
	if m.idle(user, now) {
		return &Outcome{Action: ActionLogout, Reason: ReasonIdle}
	}
	return nil
}

func (m *Monitor) idle(user *models.User, now time.Time) bool {
	if user.LastActivity == nil || m.cfg.InactivityTimeout <= 0 {
		return false
	}
	return now.Sub(*user.LastActivity) > m.cfg.InactivityTimeout
}

func (m *Monitor) touch(ctx context.Context, user *models.User, req Request, now time.Time) error {
	if m.throttle != nil && !m.throttle.Allow(ctx, user.ID, now) {
		return nil
	}
	if err := m.users.TouchLastActivity(ctx, user.ID, now); err != nil {
		return fmt.Errorf("touch user activity: %w", err)
	}
	user.LastActivity = &now
	if req.SessionID == "" {
		return nil
	}
	return m.sessions.Touch(ctx, req.SessionID, req.IP, req.UserAgent, now)
}

func (m *Monitor) terminate(ctx context.Context, user *models.User, req Request, reason string) Outcome {
	if req.SessionID != "" {
		if err := m.sessions.DeleteByID(ctx, req.SessionID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			m.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to delete terminated session")
		}
	}
	metrics.SessionInvalidations.WithLabelValues(reason).Inc()
	if m.recorder != nil {
		m.recorder.LogSessionInvalidated(ctx, user.ID, req.SessionID, reason)
	}
	m.log.Info().Str("user_id", user.ID).Str("reason", reason).Msg("session terminated")

	return Outcome{
		Action:     ActionLogout,
		RedirectTo: m.cfg.LoginRoute,
		Reason:     reason,
		Message:    messages[reason],
	}
}

// RegisterSession always issues a fresh session id and discards previousID.
// With single session enabled every other session of the actor is removed and
// the new id becomes current; concurrent logins resolve as last write wins.
func (m *Monitor) RegisterSession(ctx context.Context, user *models.User, previousID, ip, userAgent string) (models.Session, error) {
	now := m.now()
	if previousID != "" {
		if err := m.sessions.DeleteByID(ctx, previousID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			m.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to drop previous session")
		}
	}

	sess := models.Session{
		ID:           ids.New(),
		UserID:       user.ID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		LastActivity: now,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.SessionTTL),
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return models.Session{}, fmt.Errorf("create session: %w", err)
	}

	if user.SingleSessionEnabled {
		if _, err := m.sessions.DeleteOthers(ctx, user.ID, sess.ID); err != nil {
			return models.Session{}, fmt.Errorf("invalidate other sessions: %w", err)
		}
		if err := m.users.SetCurrentSession(ctx, user.ID, &sess.ID); err != nil {
			return models.Session{}, fmt.Errorf("store current session: %w", err)
		}
		sid := sess.ID
		user.CurrentSessionID = &sid
	}
	return sess, nil
}

func (m *Monitor) InvalidateOtherSessions(ctx context.Context, user *models.User, keepID string) (int, error) {
	count, err := m.sessions.DeleteOthers(ctx, user.ID, keepID)
	if err != nil {
		return 0, err
	}
	if user.SingleSessionEnabled && keepID != "" {
		if err := m.users.SetCurrentSession(ctx, user.ID, &keepID); err != nil {
			return count, err
		}
		user.CurrentSessionID = &keepID
	}
	return count, nil
}

func (m *Monitor) InvalidateAllSessions(ctx context.Context, user *models.User) (int, error) {
	count, err := m.sessions.DeleteByUser(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	if err := m.users.SetCurrentSession(ctx, user.ID, nil); err != nil {
		return count, err
	}
	user.CurrentSessionID = nil
	return count, nil
}

// EndSession removes one session, clearing the stored current id when it matches.
func (m *Monitor) EndSession(ctx context.Context, user *models.User, sessionID string) error {
	if err := m.sessions.DeleteByID(ctx, sessionID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
		return err
	}
	if user.CurrentSessionID != nil && *user.CurrentSessionID == sessionID {
		if err := m.users.SetCurrentSession(ctx, user.ID, nil); err != nil {
			return err
		}
		user.CurrentSessionID = nil
	}
	return nil
}

func (m *Monitor) IsSessionValid(ctx context.Context, user *models.User, sessionID string) bool {
	if user == nil || sessionID == "" {
		return false
	}
	sess, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil || sess.UserID != user.ID {
		return false
	}
	if user.SingleSessionEnabled && user.CurrentSessionID != nil && *user.CurrentSessionID != sessionID {
		return false
	}
	return !m.IsUserInactive(user)
}

func (m *Monitor) IsUserInactive(user *models.User) bool {
	return m.idle(user, m.now())
}

func (m *Monitor) GetActiveSessions(ctx context.Context, user *models.User) ([]models.Session, error) {
	return m.sessions.ListByUser(ctx, user.ID)
}
