package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"hospsurvey/internal/config"
)

// Logger writes one line per request. Skipped paths are only logged on
// failure; requests slower than the threshold are raised to warn.
func Logger(log zerolog.Logger, cfg config.AccessLogConfig) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		slow := cfg.SlowThreshold > 0 && latency > cfg.SlowThreshold
		if _, ok := skip[c.Request.URL.Path]; ok && status < 400 && !slow {
			return
		}

		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400, slow:
			event = log.Warn()
		}

		if user := CurrentUser(c); user != nil {
			event = event.Str("user_id", user.ID)
		}
		if slow {
			event = event.Bool("slow", true)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.ByType(gin.ErrorTypePrivate).String())
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", c.FullPath()).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.Writer.Header().Get(requestIDHeader)).
			Msg("http request")
	}
}
