package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/config"
	"hospsurvey/internal/log"
	"hospsurvey/internal/login"
	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
	"hospsurvey/internal/security"
)

var testNow = time.Date(2025, 4, 2, 14, 0, 0, 0, time.UTC)

var fastParams = security.Argon2Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]models.User
	idle  []string
}

func newMemoryUsers(users ...models.User) *memoryUsers {
	m := &memoryUsers{users: map[string]models.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memoryUsers) FindByEmail(_ context.Context, email string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email && u.DeletedAt == nil {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (m *memoryUsers) GetByID(_ context.Context, id string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return models.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

func (m *memoryUsers) Create(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memoryUsers) UpdatePassword(_ context.Context, id string, hash []byte, changedAt time.Time, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.PasswordHash = hash
	u.PasswordChangedAt = &changedAt
	u.PasswordExpiresAt = expiresAt
	u.PasswordChangeRequired = false
	m.users[id] = u
	return nil
}

func (m *memoryUsers) UpdateApproval(_ context.Context, id string, status models.ApprovalStatus, by string, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.ApprovalStatus = status
	u.ApprovedBy = &by
	u.RejectionReason = reason
	m.users[id] = u
	return nil
}

func (m *memoryUsers) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	u.Active = active
	m.users[id] = u
	return nil
}

func (m *memoryUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.DeletedAt != nil {
		return repository.ErrUserNotFound
	}
	at := testNow
	u.DeletedAt = &at
	u.Active = false
	u.CurrentSessionID = nil
	m.users[id] = u
	return nil
}

func (m *memoryUsers) DeactivateIdleSince(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, u := range m.users {
		if u.Active && u.LastActivity != nil && u.LastActivity.Before(cutoff) {
			u.Active = false
			m.users[id] = u
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type attempt struct {
	user       *models.User
	email      string
	successful bool
}

type fakeTracker struct {
	attempts  []attempt
	blocked   bool
	throttled bool
}

func (f *fakeTracker) RecordLoginAttempt(_ context.Context, user *models.User, email string, successful bool, _ login.Request) {
	f.attempts = append(f.attempts, attempt{user: user, email: email, successful: successful})
}

func (f *fakeTracker) IsBlocked(context.Context, string) bool         { return f.blocked }
func (f *fakeTracker) IsSourceThrottled(context.Context, string) bool { return f.throttled }

type fakeSessions struct {
	registered  []string
	ended       []string
	keptOnly    []string
	invalidated []string
}

func (f *fakeSessions) RegisterSession(_ context.Context, user *models.User, previousID, ip, ua string) (models.Session, error) {
	f.registered = append(f.registered, previousID)
	return models.Session{ID: "sess-new", UserID: user.ID, IPAddress: ip, UserAgent: ua, ExpiresAt: testNow.Add(12 * time.Hour)}, nil
}

func (f *fakeSessions) EndSession(_ context.Context, _ *models.User, sessionID string) error {
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeSessions) InvalidateOtherSessions(_ context.Context, _ *models.User, keepID string) (int, error) {
	f.keptOnly = append(f.keptOnly, keepID)
	return 1, nil
}

func (f *fakeSessions) InvalidateAllSessions(_ context.Context, user *models.User) (int, error) {
	f.invalidated = append(f.invalidated, user.ID)
	return 1, nil
}

type captureRecorder struct {
	events []string
}

func (r *captureRecorder) Log(_ context.Context, ev audit.Event) *models.AuditLogEntry {
	r.events = append(r.events, ev.EventType)
	return &models.AuditLogEntry{EventType: ev.EventType}
}

func (r *captureRecorder) LogUserCreated(ctx context.Context, user models.User) *models.AuditLogEntry {
	return r.Log(ctx, audit.Event{EventType: models.EventUserCreated, SubjectID: user.ID})
}

func (r *captureRecorder) LogPasswordChanged(ctx context.Context, user models.User) *models.AuditLogEntry {
	return r.Log(ctx, audit.Event{EventType: models.EventPasswordChanged, SubjectID: user.ID})
}

func (r *captureRecorder) LogUserDeleted(ctx context.Context, user models.User) *models.AuditLogEntry {
	return r.Log(ctx, audit.Event{EventType: models.EventUserDeleted, SubjectID: user.ID})
}

func hashed(t *testing.T, password string) []byte {
	t.Helper()
	h, err := security.HashPasswordWithParams(password, fastParams)
	require.NoError(t, err)
	return h
}

func approvedUser(t *testing.T) models.User {
	return models.User{
		ID:             "u1",
		Email:          "nurse@hospital.test",
		Name:           "Ana",
		PasswordHash:   hashed(t, "Str0ng!pass"),
		Active:         true,
		ApprovalStatus: models.ApprovalApproved,
	}
}

type authHarness struct {
	svc      *AuthService
	users    *memoryUsers
	tracker  *fakeTracker
	sessions *fakeSessions
	recorder *captureRecorder
}

func newAuthHarness(users ...models.User) *authHarness {
	h := &authHarness{
		users:    newMemoryUsers(users...),
		tracker:  &fakeTracker{},
		sessions: &fakeSessions{},
		recorder: &captureRecorder{},
	}
	cfg := config.SecurityConfig{SessionSecret: "test-secret", SessionTTL: 12 * time.Hour, PasswordMaxAge: 90 * 24 * time.Hour}
	h.svc = NewAuthService(h.users, h.tracker, h.sessions, h.recorder, cfg, log.Nop())
	h.svc.now = func() time.Time { return testNow }
	return h
}

func TestLoginIssuesTokenForFreshSession(t *testing.T) {
	h := newAuthHarness(approvedUser(t))

	res, err := h.svc.Login(context.Background(), LoginInput{
		Email:             " Nurse@Hospital.test ",
		Password:          "Str0ng!pass",
		IPAddress:         "10.0.0.1",
		PreviousSessionID: "sess-old",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-new", res.Session.ID)
	assert.Equal(t, []string{"sess-old"}, h.sessions.registered)
	require.Len(t, h.tracker.attempts, 1)
	assert.True(t, h.tracker.attempts[0].successful)

	claims, err := security.ParseSessionToken(res.Token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "sess-new", claims.SessionID)
}

func TestLoginRejectsBadPasswordAndRecordsFailure(t *testing.T) {
	h := newAuthHarness(approvedUser(t))

	_, err := h.svc.Login(context.Background(), LoginInput{Email: "nurse@hospital.test", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	require.Len(t, h.tracker.attempts, 1)
	assert.False(t, h.tracker.attempts[0].successful)
	require.NotNil(t, h.tracker.attempts[0].user)
	assert.Empty(t, h.sessions.registered)
}

func TestLoginUnknownEmailRecordsAnonymousFailure(t *testing.T) {
	h := newAuthHarness()

	_, err := h.svc.Login(context.Background(), LoginInput{Email: "ghost@hospital.test", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	require.Len(t, h.tracker.attempts, 1)
	assert.Nil(t, h.tracker.attempts[0].user)
}

func TestLoginRefusedWhenBlockedOrThrottled(t *testing.T) {
	h := newAuthHarness(approvedUser(t))
	h.tracker.blocked = true
	_, err := h.svc.Login(context.Background(), LoginInput{Email: "nurse@hospital.test", Password: "Str0ng!pass"})
	assert.ErrorIs(t, err, ErrAccountLocked)

	h.tracker.blocked, h.tracker.throttled = false, true
	_, err = h.svc.Login(context.Background(), LoginInput{Email: "nurse@hospital.test", Password: "Str0ng!pass"})
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Empty(t, h.tracker.attempts)
}

func TestLoginChecksApprovalAfterCredentials(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.User)
		want   error
	}{
		{"pending", func(u *models.User) { u.ApprovalStatus = models.ApprovalPending }, ErrAwaitingApproval},
		{"rejected", func(u *models.User) { u.ApprovalStatus = models.ApprovalRejected }, ErrAccountRejected},
		{"inactive", func(u *models.User) { u.Active = false }, ErrAccountInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user := approvedUser(t)
			tc.mutate(&user)
			h := newAuthHarness(user)

			_, err := h.svc.Login(context.Background(), LoginInput{Email: user.Email, Password: "Str0ng!pass"})
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, h.sessions.registered)
		})
	}
}

func TestLoginFlagsExpiredPassword(t *testing.T) {
	user := approvedUser(t)
	expired := testNow.Add(-time.Hour)
	user.PasswordExpiresAt = &expired
	h := newAuthHarness(user)

	res, err := h.svc.Login(context.Background(), LoginInput{Email: user.Email, Password: "Str0ng!pass"})
	require.NoError(t, err)
	assert.True(t, res.PasswordChangeRequired)
}

func TestRegisterCreatesPendingUser(t *testing.T) {
	h := newAuthHarness()

	user, err := h.svc.Register(context.Background(), RegisterInput{Email: "New@Hospital.test", Name: "Bia", Password: "Str0ng!pass"})
	require.NoError(t, err)
	assert.Equal(t, "new@hospital.test", user.Email)
	assert.Equal(t, models.ApprovalPending, user.ApprovalStatus)
	require.NotNil(t, user.PasswordExpiresAt)
	assert.Equal(t, testNow.Add(90*24*time.Hour), *user.PasswordExpiresAt)
	assert.Equal(t, []string{models.EventUserCreated}, h.recorder.events)

	_, err = h.svc.Register(context.Background(), RegisterInput{Email: "new@hospital.test", Name: "Bia", Password: "Str0ng!pass"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	h := newAuthHarness()

	_, err := h.svc.Register(context.Background(), RegisterInput{Email: "a@hospital.test", Name: "A", Password: "short"})
	var policyErr *PolicyError
	assert.ErrorAs(t, err, &policyErr)
	assert.Empty(t, h.users.users)
}

func TestChangePassword(t *testing.T) {
	user := approvedUser(t)
	user.PasswordChangeRequired = true
	h := newAuthHarness(user)

	assert.ErrorIs(t, h.svc.ChangePassword(context.Background(), &user, "sess-1", "wrong", "N3w!password"), ErrInvalidCredentials)
	assert.ErrorIs(t, h.svc.ChangePassword(context.Background(), &user, "sess-1", "Str0ng!pass", "Str0ng!pass"), ErrPasswordReused)

	require.NoError(t, h.svc.ChangePassword(context.Background(), &user, "sess-1", "Str0ng!pass", "N3w!password"))
	stored := h.users.users["u1"]
	assert.False(t, stored.PasswordChangeRequired)
	ok, err := security.VerifyPassword("N3w!password", stored.PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"sess-1"}, h.sessions.keptOnly)
	assert.Equal(t, []string{models.EventPasswordChanged}, h.recorder.events)
}

func TestLogoutEndsSession(t *testing.T) {
	user := approvedUser(t)
	h := newAuthHarness(user)

	require.NoError(t, h.svc.Logout(context.Background(), &user, "sess-1"))
	assert.Equal(t, []string{"sess-1"}, h.sessions.ended)
	assert.Equal(t, []string{models.EventLogout}, h.recorder.events)
}

func newAdminHarness(users ...models.User) (*UserAdminService, *memoryUsers, *fakeSessions, *captureRecorder) {
	store := newMemoryUsers(users...)
	sessions := &fakeSessions{}
	recorder := &captureRecorder{}
	svc := NewUserAdminService(store, sessions, recorder, log.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, store, sessions, recorder
}

func TestApproveAndReject(t *testing.T) {
	pending := models.User{ID: "u2", Email: "p@hospital.test", Active: true, ApprovalStatus: models.ApprovalPending}
	svc, store, sessions, recorder := newAdminHarness(pending)

	require.NoError(t, svc.Approve(context.Background(), "admin-1", "u2"))
	assert.Equal(t, models.ApprovalApproved, store.users["u2"].ApprovalStatus)

	require.NoError(t, svc.Reject(context.Background(), "admin-1", "u2", "not staff"))
	assert.Equal(t, models.ApprovalRejected, store.users["u2"].ApprovalStatus)
	assert.Equal(t, "not staff", *store.users["u2"].RejectionReason)
	assert.Equal(t, []string{"u2"}, sessions.invalidated)
	assert.Equal(t, []string{models.EventUserApproved, models.EventUserRejected}, recorder.events)

	assert.ErrorIs(t, svc.Approve(context.Background(), "admin-1", "missing"), repository.ErrUserNotFound)
}

func TestAdministratorsCannotTargetThemselves(t *testing.T) {
	svc, _, _, _ := newAdminHarness(models.User{ID: "admin-1", Active: true})

	assert.ErrorIs(t, svc.Deactivate(context.Background(), "admin-1", "admin-1"), ErrSelfAction)
	assert.ErrorIs(t, svc.Delete(context.Background(), "admin-1", "admin-1"), ErrSelfAction)
	assert.ErrorIs(t, svc.Reject(context.Background(), "admin-1", "admin-1", ""), ErrSelfAction)
}

func TestDeactivateAndDelete(t *testing.T) {
	svc, store, sessions, recorder := newAdminHarness(
		models.User{ID: "u2", Active: true},
		models.User{ID: "u3", Active: true},
	)

	require.NoError(t, svc.Deactivate(context.Background(), "admin-1", "u2"))
	assert.False(t, store.users["u2"].Active)

	require.NoError(t, svc.Delete(context.Background(), "admin-1", "u3"))
	assert.Equal(t, []string{"u2", "u3"}, sessions.invalidated)
	assert.Equal(t, []string{models.EventUserDeactivated, models.EventUserDeleted}, recorder.events)
}

func TestDeleteRetainsTheAccountRow(t *testing.T) {
	svc, store, _, recorder := newAdminHarness(models.User{ID: "u3", Email: "u3@hospital.test", Active: true})
	ctx := context.Background()

	require.NoError(t, svc.Delete(ctx, "admin-1", "u3"))

	retained, ok := store.users["u3"]
	require.True(t, ok, "deleted accounts stay in the table")
	require.NotNil(t, retained.DeletedAt)
	assert.False(t, retained.Active)
	assert.Nil(t, retained.CurrentSessionID)

	_, err := store.GetByID(ctx, "u3")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	_, err = store.FindByEmail(ctx, "u3@hospital.test")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, "admin-1", "u3"), repository.ErrUserNotFound)
	assert.Equal(t, []string{models.EventUserDeleted}, recorder.events)
}

func TestDeactivateInactive(t *testing.T) {
	old := testNow.Add(-100 * 24 * time.Hour)
	recent := testNow.Add(-time.Hour)
	svc, store, _, recorder := newAdminHarness(
		models.User{ID: "idle", Active: true, LastActivity: &old},
		models.User{ID: "busy", Active: true, LastActivity: &recent},
	)

	count, err := svc.DeactivateInactive(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.False(t, store.users["idle"].Active)
	assert.True(t, store.users["busy"].Active)
	assert.Equal(t, []string{models.EventUserDeactivated}, recorder.events)

	_, err = svc.DeactivateInactive(context.Background(), 0)
	assert.Error(t, err)
}
