// Package app assembles the security core from its stores so that the API,
// the worker and the operator CLI all run the same wiring.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hospsurvey/internal/alerts"
	"hospsurvey/internal/audit"
	"hospsurvey/internal/authz"
	"hospsurvey/internal/config"
	"hospsurvey/internal/handlers"
	"hospsurvey/internal/login"
	"hospsurvey/internal/repository"
	"hospsurvey/internal/security"
	"hospsurvey/internal/service"
	"hospsurvey/internal/session"
	"hospsurvey/internal/storage"
)

type Components struct {
	Config *config.AppConfig
	Log    zerolog.Logger

	Users    *repository.UserRepository
	Sessions *repository.SessionRepository
	RBAC     *repository.RBACRepository
	AuditLog *repository.AuditRepository

	Audit    *audit.Writer
	Resolver *authz.Resolver
	Gate     *authz.Gate
	Grants   *authz.GrantService
	Monitor  *session.Monitor
	Tracker  *login.Tracker
	Auth     *service.AuthService
	Admin    *service.UserAdminService
	Alerts   *alerts.Engine
}

// Build wires every component. rdb and store may be nil: the permission cache
// and activity throttle then fall back to in-process drivers, and SIEM archiving
// is unavailable.
func Build(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger, db *pgxpool.Pool, rdb *redis.Client, store *storage.ObjectStore) (*Components, error) {
	c := &Components{
		Config:   cfg,
		Log:      log,
		Users:    repository.NewUserRepository(db),
		Sessions: repository.NewSessionRepository(db),
		RBAC:     repository.NewRBACRepository(db),
		AuditLog: repository.NewAuditRepository(db),
	}

	if cfg.Security.AuditSigningKey == "" {
		log.Warn().Msg("audit signing key is empty; chain hashes are unkeyed")
	}
	c.Audit = audit.NewWriter(c.AuditLog, security.NewMasker(), cfg.Security.AuditSigningKey, log.With().Str("component", "audit").Logger())

	cache, err := permissionCache(ctx, cfg, log, rdb)
	if err != nil {
		return nil, err
	}
	c.Resolver = authz.NewResolver(c.RBAC, cache, cfg.Authz.SuperRole, log.With().Str("component", "authz").Logger())
	c.Gate = authz.NewGate(c.Resolver, log)
	c.Grants = authz.NewGrantService(c.RBAC, c.Resolver, c.Audit, log)

	var throttle session.Throttle = session.NewLocalThrottle(cfg.Session.ActivityThrottle)
	if cfg.Session.ThrottleDriver == "redis" && rdb != nil {
		throttle = session.NewRedisThrottle(rdb, cfg.Session.ActivityThrottle, log)
	}
	expiry := security.PasswordExpiryPolicy{MaxAge: cfg.Security.PasswordMaxAge}
	c.Monitor = session.NewMonitor(session.ConfigFrom(cfg), c.Users, c.Sessions, expiry, throttle, c.Audit, log.With().Str("component", "session").Logger())

	c.Tracker = login.NewTracker(c.Users, repository.NewLoginAttemptRepository(db), c.Audit, login.PolicyFrom(cfg.Lockout), log.With().Str("component", "login").Logger())
	c.Auth = service.NewAuthService(c.Users, c.Tracker, c.Monitor, c.Audit, cfg.Security, log)
	c.Admin = service.NewUserAdminService(c.Users, c.Monitor, c.Audit, log)

	rules, err := alerts.RulesFrom(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	notifier := alerts.MultiNotifier{alerts.NewLogNotifier(log)}
	if rdb != nil && cfg.Alerts.NotificationStream != "" {
		notifier = append(notifier, alerts.NewStreamNotifier(rdb, cfg.Alerts.NotificationStream))
	}
	var archive alerts.ArchiveStore
	if store != nil {
		archive = store
	}
	c.Alerts = alerts.NewEngine(rules, c.AuditLog, repository.NewAlertRepository(db), notifier, archive, c.Audit, log.With().Str("component", "alerts").Logger())

	return c, nil
}

func permissionCache(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger, rdb *redis.Client) (authz.Cache, error) {
	switch {
	case cfg.Cache.Driver == "redis" && rdb != nil:
		return authz.NewRedisCache(rdb, cfg.Cache.TTL, log), nil
	case cfg.Cache.Driver == "redis":
		log.Warn().Msg("redis unavailable; permission cache falls back to memory")
		fallthrough
	case cfg.Cache.Driver == "memory":
		cache, err := authz.NewMemoryCache(ctx, cfg.Cache.TTL, cfg.Cache.Shards, log)
		if err != nil {
			return nil, fmt.Errorf("permission cache: %w", err)
		}
		return cache, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Cache.Driver)
	}
}

// HandlerDeps exposes the components to the HTTP layer.
func (c *Components) HandlerDeps(checks map[string]func(ctx context.Context) error) handlers.Deps {
	return handlers.Deps{
		Config:      c.Config,
		Log:         c.Log,
		Auth:        c.Auth,
		Admin:       c.Admin,
		Grants:      c.Grants,
		Gate:        c.Gate,
		Permissions: c.Resolver,
		Monitor:     c.Monitor,
		Tracker:     c.Tracker,
		Alerts:      c.Alerts,
		Audit:       c.Audit,
		AuditLog:    c.AuditLog,
		Roles:       c.RBAC,
		Users:       c.Users,
		Sessions:    c.Sessions,
		Checks:      checks,
	}
}
