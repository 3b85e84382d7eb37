package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/session"
	"errorwatch.app/pipeline/internal/upstream"
)

const (
	SessionCookie       = "better-auth.session_token"
	SecureSessionCookie = "__Secure-better-auth.session_token"
)

// SessionCookies lists every cookie cleared when a session is rejected.
var SessionCookies = []string{SessionCookie, SecureSessionCookie}

// IdentityProvider validates a session against the upstream auth service.
type IdentityProvider interface {
	GetSession(ctx context.Context, cookie string) (model.Principal, error)
}

// AccountService answers the dashboard routing lookups.
type AccountService interface {
	OnboardingStatus(ctx context.Context, cookie string) (model.OnboardingStatus, error)
	Organizations(ctx context.Context, cookie string) ([]model.Organization, error)
}

type Config struct {
	FailOpen bool
	Timeout  time.Duration
}

// Request is the subset of an inbound request the gateway decides on.
type Request struct {
	Path string
	// Token is the session cookie value, empty when absent.
	Token string
	// Cookie is the raw Cookie header forwarded upstream.
	Cookie string
}

type Gateway struct {
	resolver *Resolver
	accounts AccountService
	cfg      Config
}

func New(resolver *Resolver, accounts AccountService, cfg Config) *Gateway {
	return &Gateway{resolver: resolver, accounts: accounts, cfg: cfg}
}

// Decide runs the routing state machine for one request and returns exactly one
// terminal action.
func (g *Gateway) Decide(ctx context.Context, req Request) Decision {
	class := Classify(req.Path)
	hasToken := req.Token != ""

	if class == RouteAuth && hasToken {
		return redirect("/dashboard", "already authenticated")
	}
	if class.Unconditional() {
		return pass(nil, class.String())
	}
	if !hasToken {
		return loginRedirect(req.Path, "", false, "no session")
	}

	principal, err := g.resolver.Resolve(ctx, req.Token, req.Cookie)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return loginRedirect(req.Path, "", true, "session rejected")
	case err != nil:
		slog.WarnContext(ctx, "session validation unavailable",
			"error", err,
			"path", req.Path,
			"fail_open", g.cfg.FailOpen)
		if !g.cfg.FailOpen {
			return loginRedirect(req.Path, ErrorAuthUnavailable, true, "auth unavailable")
		}
		d := pass(nil, "degraded")
		d.Degraded = true
		return d
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{PrincipalID: &principal.ID})

	switch class {
	case RouteDashboardRoot:
		return g.dashboardRoot(ctx, req, &principal)
	case RouteOnboarding:
		return g.onboarding(ctx, req, &principal)
	case RouteDashboard:
		return g.dashboard(ctx, req, &principal)
	default:
		return pass(&principal, class.String())
	}
}

// dashboardRoot sends the user to their first organization, or to onboarding.
func (g *Gateway) dashboardRoot(ctx context.Context, req Request, p *model.Principal) Decision {
	var (
		status    model.OnboardingStatus
		orgs      []model.Organization
		statusErr error
		orgsErr   error
	)

	// Each lookup records its own error so one failure does not cancel the other.
	var eg errgroup.Group
	eg.Go(func() error {
		ctx, cancel := g.bounded(ctx)
		defer cancel()
		status, statusErr = g.accounts.OnboardingStatus(ctx, req.Cookie)
		return nil
	})
	eg.Go(func() error {
		ctx, cancel := g.bounded(ctx)
		defer cancel()
		orgs, orgsErr = g.accounts.Organizations(ctx, req.Cookie)
		return nil
	})
	_ = eg.Wait()

	if statusErr == nil && status.NeedsOnboarding {
		return redirect("/onboarding", "needs onboarding")
	}
	if err := errors.Join(statusErr, orgsErr); err != nil {
		return g.lookupFailed(ctx, p, err)
	}
	if len(orgs) == 0 || orgs[0].Slug == "" {
		return redirect("/onboarding", "no organizations")
	}
	return redirect("/dashboard/"+orgs[0].Slug, "first organization")
}

func (g *Gateway) onboarding(ctx context.Context, req Request, p *model.Principal) Decision {
	status, err := g.onboardingStatus(ctx, req.Cookie)
	if err != nil {
		return g.lookupFailed(ctx, p, err)
	}
	if !status.NeedsOnboarding {
		return redirect("/dashboard", "already onboarded")
	}
	return pass(p, "onboarding")
}

func (g *Gateway) dashboard(ctx context.Context, req Request, p *model.Principal) Decision {
	status, err := g.onboardingStatus(ctx, req.Cookie)
	if err != nil {
		return g.lookupFailed(ctx, p, err)
	}
	if status.NeedsOnboarding {
		return redirect("/onboarding", "needs onboarding")
	}
	return pass(p, "dashboard")
}

func (g *Gateway) onboardingStatus(ctx context.Context, cookie string) (model.OnboardingStatus, error) {
	ctx, cancel := g.bounded(ctx)
	defer cancel()
	return g.accounts.OnboardingStatus(ctx, cookie)
}

func (g *Gateway) lookupFailed(ctx context.Context, p *model.Principal, err error) Decision {
	slog.WarnContext(ctx, "dashboard lookup failed", "error", err, "fail_open", g.cfg.FailOpen)
	if g.cfg.FailOpen {
		d := pass(p, "lookup failed, failing open")
		d.Degraded = true
		return d
	}
	return unavailable(fmt.Sprintf("lookup failed: %v", err))
}

func (g *Gateway) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Timeout)
}

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnavailable     = errors.New("identity provider unavailable")
)

// Resolver turns a session token into a principal, consulting the cache before
// the identity provider. It is shared by the gateway and the SSE endpoint.
type Resolver struct {
	cache    session.Cache
	identity IdentityProvider
	timeout  time.Duration
}

func NewResolver(cache session.Cache, identity IdentityProvider, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{cache: cache, identity: identity, timeout: timeout}
}

// Resolve returns ErrUnauthenticated when the provider rejects the token and
// ErrUnavailable when it cannot be reached in time.
func (r *Resolver) Resolve(ctx context.Context, token, cookie string) (model.Principal, error) {
	if token == "" {
		return model.Principal{}, ErrUnauthenticated
	}
	if p, ok := r.cache.Get(ctx, token); ok {
		return p, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := r.identity.GetSession(callCtx, cookie)
	switch {
	case err == nil:
		r.cache.Put(ctx, token, p)
		return p, nil
	case errors.Is(err, upstream.ErrUnauthenticated):
		r.cache.Invalidate(ctx, token)
		return model.Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	default:
		return model.Principal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
