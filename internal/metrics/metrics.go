package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AuthzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hospsurvey_authz_decisions_total",
			Help: "Authorization decisions by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	PermissionCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hospsurvey_permission_cache_lookups_total",
			Help: "Permission snapshot cache lookups by result.",
		},
		[]string{"result"},
	)

	SessionInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hospsurvey_session_invalidations_total",
			Help: "Sessions terminated by the security monitor, by reason.",
		},
		[]string{"reason"},
	)

	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hospsurvey_login_attempts_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	AccountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hospsurvey_account_lockouts_total",
		Help: "Accounts locked after repeated failures.",
	})

	AuditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hospsurvey_audit_writes_total",
			Help: "Audit trail writes by result.",
		},
		[]string{"result"},
	)

	SecurityAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hospsurvey_security_alerts_total",
			Help: "Security alerts raised by type and severity.",
		},
		[]string{"type", "severity"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hospsurvey_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hospsurvey_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AuthzDecisions,
			PermissionCacheLookups,
			SessionInvalidations,
			LoginAttempts,
			AccountLockouts,
			AuditWrites,
			SecurityAlerts,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency keyed by the matched route.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
	}
}
