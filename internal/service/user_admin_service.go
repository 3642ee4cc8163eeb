package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/models"
)

var ErrSelfAction = errors.New("administrators cannot perform this action on themselves")

type UserAdminStore interface {
	GetByID(ctx context.Context, id string) (models.User, error)
	UpdateApproval(ctx context.Context, id string, status models.ApprovalStatus, by string, reason *string) error
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	DeactivateIdleSince(ctx context.Context, cutoff time.Time) ([]string, error)
}

type SessionTerminator interface {
	InvalidateAllSessions(ctx context.Context, user *models.User) (int, error)
}

type AdminRecorder interface {
	Log(ctx context.Context, ev audit.Event) *models.AuditLogEntry
	LogUserDeleted(ctx context.Context, user models.User) *models.AuditLogEntry
}

// UserAdminService runs the account state changes administrators and the
// inactivity sweep perform.
type UserAdminService struct {
	users    UserAdminStore
	sessions SessionTerminator
	recorder AdminRecorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewUserAdminService(users UserAdminStore, sessions SessionTerminator, recorder AdminRecorder, log zerolog.Logger) *UserAdminService {
	return &UserAdminService{
		users:    users,
		sessions: sessions,
		recorder: recorder,
		log:      log,
		now:      time.Now,
	}
}

func (s *UserAdminService) Approve(ctx context.Context, by, userID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.users.UpdateApproval(ctx, userID, models.ApprovalApproved, by, nil); err != nil {
		return err
	}
	s.recorder.Log(ctx, audit.Event{
		EventType:   models.EventUserApproved,
		Category:    models.CategoryUser,
		Description: "User account approved",
		SubjectType: "user",
		SubjectID:   userID,
		ActorID:     by,
		OldValues:   map[string]any{"approval_status": string(user.ApprovalStatus)},
		NewValues:   map[string]any{"approval_status": string(models.ApprovalApproved)},
	})
	return nil
}

// Reject refuses the account and ends every session it still holds.
func (s *UserAdminService) Reject(ctx context.Context, by, userID, reason string) error {
	if by == userID {
		return ErrSelfAction
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := s.users.UpdateApproval(ctx, userID, models.ApprovalRejected, by, reasonPtr); err != nil {
		return err
	}
	s.endSessions(ctx, &user)
	s.recorder.Log(ctx, audit.Event{
		EventType:       models.EventUserRejected,
		Category:        models.CategoryUser,
		Description:     "User account rejected",
		SubjectType:     "user",
		SubjectID:       userID,
		ActorID:         by,
		OldValues:       map[string]any{"approval_status": string(user.ApprovalStatus)},
		NewValues:       map[string]any{"approval_status": string(models.ApprovalRejected), "rejection_reason": reason},
		Severity:        models.SeverityWarning,
		IsSecurityAlert: true,
	})
	return nil
}

func (s *UserAdminService) Deactivate(ctx context.Context, by, userID string) error {
	if by == userID {
		return ErrSelfAction
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.users.SetActive(ctx, userID, false); err != nil {
		return err
	}
	s.endSessions(ctx, &user)
	s.recorder.Log(ctx, audit.Event{
		EventType:       models.EventUserDeactivated,
		Category:        models.CategoryUser,
		Description:     "User account deactivated",
		SubjectType:     "user",
		SubjectID:       userID,
		ActorID:         by,
		OldValues:       map[string]any{"active": user.Active},
		NewValues:       map[string]any{"active": false},
		Severity:        models.SeverityWarning,
		IsSecurityAlert: true,
	})
	return nil
}

func (s *UserAdminService) Delete(ctx context.Context, by, userID string) error {
	if by == userID {
		return ErrSelfAction
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	s.endSessions(ctx, &user)
	if err := s.users.Delete(ctx, userID); err != nil {
		return err
	}
	s.recorder.LogUserDeleted(ctx, user)
	return nil
}

// DeactivateInactive switches off accounts idle for more than days and returns how many changed.
func (s *UserAdminService) DeactivateInactive(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("inactivity days must be positive")
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	userIDs, err := s.users.DeactivateIdleSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate idle users: %w", err)
	}

	for _, id := range userIDs {
		s.endSessions(ctx, &models.User{ID: id})
		s.recorder.Log(ctx, audit.Event{
			EventType:   models.EventUserDeactivated,
			Category:    models.CategorySystem,
			Description: fmt.Sprintf("User account deactivated after %d days without activity", days),
			SubjectType: "user",
			SubjectID:   id,
			OldValues:   map[string]any{"active": true},
			NewValues:   map[string]any{"active": false},
			Metadata:    map[string]any{"reason": "inactivity", "cutoff": cutoff.UTC().Format(time.RFC3339)},
		})
	}
	if len(userIDs) > 0 {
		s.log.Info().Int("count", len(userIDs)).Int("days", days).Msg("inactive users deactivated")
	}
	return len(userIDs), nil
}

func (s *UserAdminService) endSessions(ctx context.Context, user *models.User) {
	if _, err := s.sessions.InvalidateAllSessions(ctx, user); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to invalidate sessions")
	}
}
