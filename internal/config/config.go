package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN               string
	MaxOpen           int
	MaxIdle           int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
	ApplicationName   string
}

// CORSConfig lists the browser origins allowed to call the API. A "*" entry
// admits any origin; credentials are only sent back to an admitted origin.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// AccessLogConfig tunes the request log. Skipped paths are still logged when
// they fail.
type AccessLogConfig struct {
	SkipPaths     []string
	SlowThreshold time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	BucketExports string
	UseSSL        bool
	Region        string
}

type SecurityConfig struct {
	SessionSecret   string
	SessionTTL      time.Duration
	SessionCookie   string
	AuditSigningKey string
	PasswordMaxAge  time.Duration
	SecureCookies   bool
}

// SessionConfig drives the per-request session security monitor.
type SessionConfig struct {
	InactivityTimeout   time.Duration
	ActivityThrottle    time.Duration
	ThrottleDriver      string
	ExcludedRoutes      []string
	PasswordChangeRoute string
	LoginRoute          string
	InactiveUserDays    int
}

type LockoutConfig struct {
	Threshold   int
	Duration    time.Duration
	Window      time.Duration
	IPThreshold int
}

type AuthzConfig struct {
	SuperRole string
}

type CacheConfig struct {
	Driver string
	TTL    time.Duration
	Shards int
}

type AlertsConfig struct {
	WindowHours             int
	FailedLoginThreshold    int
	PasswordChangeThreshold int
	MultiIPThreshold        int
	OffHoursStart           int
	OffHoursEnd             int
	Timezone                string
	NotificationStream      string
	ScanSchedule            string
	ExportSchedule          string
	SweepSchedule           string
}

type QueueConfig struct {
	Stream        string
	Group         string
	Consumer      string
	ClaimInterval time.Duration
}

type AppConfig struct {
	Environment string
	HTTP        HTTPConfig
	CORS        CORSConfig
	AccessLog   AccessLogConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Storage     StorageConfig
	Security    SecurityConfig
	Session     SessionConfig
	Lockout     LockoutConfig
	Authz       AuthzConfig
	Cache       CacheConfig
	Alerts      AlertsConfig
	Queue       QueueConfig
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("HOSPSURVEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return decode(v)
}

// Default returns the configuration produced by defaults alone.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Lockout.Threshold <= 0 {
		return fmt.Errorf("lockout.threshold must be positive")
	}
	if c.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("session.inactivitytimeout must be positive")
	}
	if c.Alerts.OffHoursStart < 0 || c.Alerts.OffHoursStart > 23 || c.Alerts.OffHoursEnd < 0 || c.Alerts.OffHoursEnd > 23 {
		return fmt.Errorf("alerts off-hours must be within 0-23")
	}
	if c.Postgres.ConnectTimeout <= 0 {
		return fmt.Errorf("postgres.connecttimeout must be positive")
	}
	for _, origin := range c.CORS.AllowOrigins {
		if origin == "*" && c.CORS.AllowCredentials && c.Environment == "production" {
			return fmt.Errorf("cors: wildcard origin with credentials is not allowed in production")
		}
	}
	switch c.Cache.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported cache driver %q", c.Cache.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("cors.alloworigins", []string{})
	v.SetDefault("cors.allowmethods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowheaders", []string{"Authorization", "Content-Type", "X-Requested-With", "X-Inertia", "X-Request-Id"})
	v.SetDefault("cors.exposeheaders", []string{"X-Request-Id"})
	v.SetDefault("cors.allowcredentials", true)
	v.SetDefault("cors.maxage", "10m")

	v.SetDefault("accesslog.skippaths", []string{"/healthz", "/metrics"})
	v.SetDefault("accesslog.slowthreshold", "2s")

	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.connmaxidletime", "5m")
	v.SetDefault("postgres.healthcheckperiod", "30s")
	v.SetDefault("postgres.connecttimeout", "10s")
	v.SetDefault("postgres.applicationname", "hospsurvey-security")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.bucketexports", "hospsurvey-security-exports")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.sessionttl", "12h")
	v.SetDefault("security.sessioncookie", "hospsurvey_session")
	v.SetDefault("security.passwordmaxage", "2160h") // 90 days
	v.SetDefault("security.securecookies", false)

	v.SetDefault("session.inactivitytimeout", "30m")
	v.SetDefault("session.activitythrottle", "1m")
	v.SetDefault("session.throttledriver", "redis")
	v.SetDefault("session.excludedroutes", []string{
		"/login",
		"/logout",
		"/register",
		"/forgot-password",
		"/reset-password",
		"/verify-email",
		"/email/verification-notification",
	})
	v.SetDefault("session.passwordchangeroute", "/user/password")
	v.SetDefault("session.loginroute", "/login")
	v.SetDefault("session.inactiveuserdays", 90)

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.duration", "15m")
	v.SetDefault("lockout.window", "15m")
	v.SetDefault("lockout.ipthreshold", 20)

	v.SetDefault("authz.superrole", "admin")

	v.SetDefault("cache.driver", "redis")
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.shards", 64)

	v.SetDefault("alerts.windowhours", 24)
	v.SetDefault("alerts.failedloginthreshold", 5)
	v.SetDefault("alerts.passwordchangethreshold", 3)
	v.SetDefault("alerts.multiipthreshold", 3)
	v.SetDefault("alerts.offhoursstart", 22)
	v.SetDefault("alerts.offhoursend", 6)
	v.SetDefault("alerts.timezone", "Local")
	v.SetDefault("alerts.notificationstream", "security:notifications")
	v.SetDefault("alerts.scanschedule", "0 0 * * * *")
	v.SetDefault("alerts.exportschedule", "0 30 2 * * *")
	v.SetDefault("alerts.sweepschedule", "0 0 3 * * *")

	v.SetDefault("queue.stream", "security:jobs")
	v.SetDefault("queue.group", "security-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.claiminterval", "30s")
}
