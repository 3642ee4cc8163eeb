package authz

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"hospsurvey/internal/metrics"
	"hospsurvey/internal/models"
)

type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeDeny
	OutcomeRedirectLogin
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeDeny:
		return "deny"
	case OutcomeRedirectLogin:
		return "redirect_login"
	default:
		return "unknown"
	}
}

const (
	ReasonSuper           = "super"
	ReasonGranted         = "granted"
	ReasonMissing         = "missing_permission"
	ReasonUnavailable     = "authorization_unavailable"
	ReasonUnauthenticated = "unauthenticated"
)

// RequestContext carries what the gate needs to know about the caller.
type RequestContext struct {
	API    bool
	Method string
	Path   string
	IP     string
}

// IsAPIRequest reports whether a client expects a JSON error instead of a page.
func IsAPIRequest(h http.Header) bool {
	if strings.EqualFold(h.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	if h.Get("X-Inertia") != "" {
		return true
	}
	return strings.Contains(strings.ToLower(h.Get("Accept")), "application/json")
}

type Decision struct {
	Outcome    Outcome
	Permission string
	Reason     string
	API        bool
}

func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Gate turns permission checks into request outcomes. It fails closed: when the
// permission set cannot be read, the request is denied.
type Gate struct {
	resolver *Resolver
	log      zerolog.Logger
}

func NewGate(resolver *Resolver, log zerolog.Logger) *Gate {
	return &Gate{resolver: resolver, log: log}
}

func (g *Gate) Authorize(ctx context.Context, user *models.User, slug string, req RequestContext) Decision {
	decision := g.decide(ctx, user, slug)
	decision.Permission = slug
	decision.API = req.API
	metrics.AuthzDecisions.WithLabelValues(decision.Outcome.String(), decision.Reason).Inc()
	return decision
}

func (g *Gate) decide(ctx context.Context, user *models.User, slug string) Decision {
	if user == nil {
		return Decision{Outcome: OutcomeRedirectLogin, Reason: ReasonUnauthenticated}
	}

	super, err := g.resolver.IsSuper(ctx, user)
	if err != nil {
		g.log.Error().Err(err).Str("user_id", user.ID).Str("permission", slug).Msg("authorization unavailable")
		return Decision{Outcome: OutcomeDeny, Reason: ReasonUnavailable}
	}
	if super {
		return Decision{Outcome: OutcomeAllow, Reason: ReasonSuper}
	}

	if slug == "" {
		return Decision{Outcome: OutcomeDeny, Reason: ReasonMissing}
	}
	ok, err := g.resolver.granted(ctx, user.ID, slug)
	if err != nil {
		g.log.Error().Err(err).Str("user_id", user.ID).Str("permission", slug).Msg("authorization unavailable")
		return Decision{Outcome: OutcomeDeny, Reason: ReasonUnavailable}
	}
	if !ok {
		return Decision{Outcome: OutcomeDeny, Reason: ReasonMissing}
	}
	return Decision{Outcome: OutcomeAllow, Reason: ReasonGranted}
}
