package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospsurvey/internal/audit"
	"hospsurvey/internal/authz"
	"hospsurvey/internal/config"
	"hospsurvey/internal/models"
	"hospsurvey/internal/repository"
	"hospsurvey/internal/security"
	"hospsurvey/internal/session"
)

const testSecret = "middleware-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type userTable map[string]models.User

func (u userTable) GetByID(_ context.Context, id string) (models.User, error) {
	user, ok := u[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return user, nil
}

type sessionTable map[string]models.Session

func (s sessionTable) GetByID(_ context.Context, id string) (models.Session, error) {
	sess, ok := s[id]
	if !ok {
		return models.Session{}, repository.ErrSessionNotFound
	}
	return sess, nil
}

func token(t *testing.T, userID, sessionID string) string {
	t.Helper()
	tok, err := security.GenerateSessionToken(testSecret, userID, sessionID, time.Hour)
	require.NoError(t, err)
	return tok
}

func whoAmI(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusOK, gin.H{"user": ""})
		return
	}
	info, _ := audit.RequestFromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user": user.ID, "session": CurrentSessionID(c), "actor": info.ActorID, "request_id": info.RequestID})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func newAuthRouter() *gin.Engine {
	users := userTable{"u1": {ID: "u1", Active: true, ApprovalStatus: models.ApprovalApproved}}
	sessions := sessionTable{
		"s1": {ID: "s1", UserID: "u1"},
		"s2": {ID: "s2", UserID: "someone-else"},
	}
	r := gin.New()
	r.Use(RequestID(), Authenticate(testSecret, "hs_session", users, sessions))
	r.GET("/me", whoAmI)
	return r
}

func TestAuthenticateFromBearerAndCookie(t *testing.T) {
	r := newAuthRouter()

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "u1", "s1"))
	req.Header.Set(requestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	body := decode(t, rec)
	assert.Equal(t, "u1", body["user"])
	assert.Equal(t, "s1", body["session"])
	assert.Equal(t, "u1", body["actor"])
	assert.Equal(t, "req-1", body["request_id"])

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "hs_session", Value: token(t, "u1", "s1")})
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "u1", decode(t, rec)["user"])
}

func TestAuthenticateFallsBackToGuest(t *testing.T) {
	r := newAuthRouter()
	cases := map[string]string{
		"garbage":          "Bearer not-a-token",
		"wrong secret":     "",
		"missing session":  "Bearer " + token(t, "u1", "gone"),
		"session mismatch": "Bearer " + token(t, "u1", "s2"),
		"unknown user":     "Bearer " + token(t, "ghost", "s1"),
	}
	forged, err := security.GenerateSessionToken("other", "u1", "s1", time.Hour)
	require.NoError(t, err)
	cases["wrong secret"] = "Bearer " + forged

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set("Authorization", header)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "", decode(t, rec)["user"])
		})
	}
}

func withUser(user *models.User, sessionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user != nil {
			c.Set(contextUserKey, user)
			c.Set(contextSessionKey, sessionID)
		}
		c.Next()
	}
}

func TestRequireAuth(t *testing.T) {
	r := gin.New()
	r.Use(withUser(nil, ""), RequireAuth())
	r.GET("/me", whoAmI)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type fakeGate struct {
	decision authz.Decision
}

func (g fakeGate) Authorize(_ context.Context, _ *models.User, slug string, req authz.RequestContext) authz.Decision {
	d := g.decision
	d.Permission = slug
	d.API = req.API
	return d
}

type denyLog struct {
	denied []string
}

func (d *denyLog) LogAuthorizationDenied(_ context.Context, userID, permission, path string) *models.AuditLogEntry {
	d.denied = append(d.denied, userID+"|"+permission+"|"+path)
	return nil
}

func TestRequirePermissionRendersDecisions(t *testing.T) {
	user := &models.User{ID: "u1"}
	cases := []struct {
		name     string
		user     *models.User
		outcome  authz.Outcome
		api      bool
		status   int
		location string
		denied   int
	}{
		{"allow", user, authz.OutcomeAllow, false, http.StatusOK, "", 0},
		{"guest page", nil, authz.OutcomeRedirectLogin, false, http.StatusFound, "/login", 0},
		{"guest api", nil, authz.OutcomeRedirectLogin, true, http.StatusUnauthorized, "", 0},
		{"deny page", user, authz.OutcomeDeny, false, http.StatusForbidden, "", 1},
		{"deny api", user, authz.OutcomeDeny, true, http.StatusForbidden, "", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			observer := &denyLog{}
			r := gin.New()
			r.Use(withUser(tc.user, "s1"))
			r.GET("/questions/order", RequirePermission(fakeGate{decision: authz.Decision{Outcome: tc.outcome}}, "perguntas.order", observer), whoAmI)

			req := httptest.NewRequest(http.MethodGet, "/questions/order", nil)
			if tc.api {
				req.Header.Set("X-Requested-With", "XMLHttpRequest")
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.location, rec.Header().Get("Location"))
			assert.Len(t, observer.denied, tc.denied)
		})
	}
}

func TestRequirePermissionDenyPayload(t *testing.T) {
	observer := &denyLog{}
	r := gin.New()
	r.Use(withUser(&models.User{ID: "u1"}, "s1"))
	r.GET("/questions/order", RequirePermission(fakeGate{decision: authz.Decision{Outcome: authz.OutcomeDeny}}, "perguntas.order", observer), whoAmI)

	req := httptest.NewRequest(http.MethodGet, "/questions/order", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	body := decode(t, rec)
	assert.Equal(t, "perguntas.order", body["permission"])
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, []string{"u1|perguntas.order|/questions/order"}, observer.denied)

	req = httptest.NewRequest(http.MethodGet, "/questions/order", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
}

type fakeMonitor struct {
	outcome session.Outcome
	seen    []session.Request
}

func (m *fakeMonitor) Evaluate(_ context.Context, _ *models.User, req session.Request) session.Outcome {
	m.seen = append(m.seen, req)
	return m.outcome
}

func TestSessionSecurityLogoutRedirectsWithMessage(t *testing.T) {
	monitor := &fakeMonitor{outcome: session.Outcome{
		Action:     session.ActionLogout,
		RedirectTo: "/login",
		Reason:     session.ReasonAwaitingApproval,
		Message:    "Your account is awaiting approval.",
	}}
	r := gin.New()
	r.Use(withUser(&models.User{ID: "u1"}, "s1"), SessionSecurity(monitor, "hs_session", false))
	r.GET("/dashboard", whoAmI)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?message=Your+account+is+awaiting+approval.", rec.Header().Get("Location"))
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "hs_session=;")
	require.Len(t, monitor.seen, 1)
	assert.Equal(t, "s1", monitor.seen[0].SessionID)
	assert.Equal(t, "/dashboard", monitor.seen[0].Path)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("X-Inertia", "true")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, session.ReasonAwaitingApproval, decode(t, rec)["error"])
}

func TestSessionSecurityPasswordChange(t *testing.T) {
	monitor := &fakeMonitor{outcome: session.Outcome{Action: session.ActionRequirePasswordChange, RedirectTo: "/user/password"}}
	r := gin.New()
	r.Use(withUser(&models.User{ID: "u1"}, "s1"), SessionSecurity(monitor, "", false))
	r.GET("/dashboard", whoAmI)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/user/password", rec.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "password_change_required", decode(t, rec)["error"])
}

func TestSessionSecuritySkipsGuests(t *testing.T) {
	monitor := &fakeMonitor{outcome: session.Outcome{Action: session.ActionLogout}}
	r := gin.New()
	r.Use(SessionSecurity(monitor, "", false))
	r.GET("/dashboard", whoAmI)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, monitor.seen)
}

func TestSupersededDeviceGetsLoggedInElsewhere(t *testing.T) {
	current := "s-new"
	users := userTable{
		"u1": {ID: "u1", Active: true, ApprovalStatus: models.ApprovalApproved, SingleSessionEnabled: true, CurrentSessionID: &current},
		"u2": {ID: "u2", Active: true, ApprovalStatus: models.ApprovalApproved},
	}
	monitor := &fakeMonitor{outcome: session.Outcome{
		Action:     session.ActionLogout,
		RedirectTo: "/login",
		Reason:     session.ReasonElsewhere,
		Message:    "Your session ended because you logged in elsewhere.",
	}}
	r := gin.New()
	r.Use(Authenticate(testSecret, "hs_session", users, sessionTable{}), SessionSecurity(monitor, "hs_session", false))
	r.GET("/dashboard", whoAmI)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "u1", "s-old"))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, session.ReasonElsewhere, decode(t, rec)["error"])
	require.Len(t, monitor.seen, 1)
	assert.True(t, monitor.seen[0].Superseded)
	assert.Equal(t, "s-old", monitor.seen[0].SessionID)

	// A vanished session of an actor without single session stays a guest.
	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "u2", "s-old"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", decode(t, rec)["user"])
	assert.Len(t, monitor.seen, 1)
}

func TestSupersededSessionIsNeverAuthenticated(t *testing.T) {
	current := "s-new"
	users := userTable{"u1": {ID: "u1", SingleSessionEnabled: true, CurrentSessionID: &current}}
	monitor := &fakeMonitor{outcome: session.Outcome{Action: session.ActionContinue}}
	r := gin.New()
	r.Use(Authenticate(testSecret, "", users, sessionTable{}), SessionSecurity(monitor, "", false))
	r.GET("/login", whoAmI)

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "u1", "s-old"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", decode(t, rec)["user"])
}

func testCORS(origins ...string) config.CORSConfig {
	cfg := config.Default().CORS
	cfg.AllowOrigins = origins
	return cfg
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS(testCORS("https://survey.hospital.test")))
	r.GET("/me", whoAmI)

	req := httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "https://survey.hospital.test")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://survey.hospital.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Inertia")
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSIgnoresUnlistedOrigins(t *testing.T) {
	r := gin.New()
	r.Use(CORS(testCORS("https://survey.hospital.test")))
	r.GET("/me", whoAmI)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	open := gin.New()
	open.Use(CORS(testCORS("*")))
	open.GET("/me", whoAmI)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Origin", "https://any.test")
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, "https://any.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggerSkipsQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := gin.New()
	r.Use(Logger(logger, config.AccessLogConfig{SkipPaths: []string{"/healthz"}}))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/broken", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, buf.String())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/broken", nil))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "/broken", line["path"])
	assert.Equal(t, float64(http.StatusInternalServerError), line["status"])
}
