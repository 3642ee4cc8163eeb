package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30*time.Minute, cfg.Session.InactivityTimeout)
	assert.Equal(t, time.Minute, cfg.Session.ActivityThrottle)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, "admin", cfg.Authz.SuperRole)
	assert.Equal(t, 24, cfg.Alerts.WindowHours)
	assert.Equal(t, 22, cfg.Alerts.OffHoursStart)
	assert.Equal(t, 6, cfg.Alerts.OffHoursEnd)
	assert.Contains(t, cfg.Session.ExcludedRoutes, "/login")
	assert.Contains(t, cfg.Session.ExcludedRoutes, "/reset-password")
	assert.Equal(t, "/user/password", cfg.Session.PasswordChangeRoute)

	assert.Empty(t, cfg.CORS.AllowOrigins)
	assert.Contains(t, cfg.CORS.AllowHeaders, "X-Inertia")
	assert.Equal(t, 10*time.Minute, cfg.CORS.MaxAge)
	assert.Equal(t, []string{"/healthz", "/metrics"}, cfg.AccessLog.SkipPaths)
	assert.Equal(t, 30*time.Second, cfg.Postgres.HealthCheckPeriod)
	assert.Equal(t, 10*time.Second, cfg.Postgres.ConnectTimeout)
	assert.Equal(t, "hospsurvey-security", cfg.Postgres.ApplicationName)
}

func TestEnvironmentOverridesAmbientSettings(t *testing.T) {
	t.Setenv("HOSPSURVEY_CORS_ALLOWORIGINS", "https://a.hospital.test,https://b.hospital.test")
	t.Setenv("HOSPSURVEY_POSTGRES_APPLICATIONNAME", "hospsurvey-worker")
	t.Setenv("HOSPSURVEY_POSTGRES_HEALTHCHECKPERIOD", "1m")
	t.Setenv("HOSPSURVEY_ACCESSLOG_SLOWTHRESHOLD", "500ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.hospital.test", "https://b.hospital.test"}, cfg.CORS.AllowOrigins)
	assert.Equal(t, "hospsurvey-worker", cfg.Postgres.ApplicationName)
	assert.Equal(t, time.Minute, cfg.Postgres.HealthCheckPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.AccessLog.SlowThreshold)
}

func TestValidateRejectsWildcardCredentialsInProduction(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	cfg.CORS.AllowOrigins = []string{"*"}

	require.Error(t, cfg.validate())

	cfg.CORS.AllowCredentials = false
	require.NoError(t, cfg.validate())
}

func TestValidateRejectsUnknownCacheDriver(t *testing.T) {
	cfg := Default()
	cfg.Cache.Driver = "memcached"

	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memcached")
}

func TestValidateRejectsOffHoursOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Alerts.OffHoursStart = 24

	require.Error(t, cfg.validate())
}
