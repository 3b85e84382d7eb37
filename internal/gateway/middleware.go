package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/model"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	degradedContextKey  contextKey = "auth_degraded"
)

// Middleware applies the gateway decision to every request. Passed requests
// continue down the chain with the principal on their context.
func Middleware(g *Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := Request{
			Path:   c.Request.URL.Path,
			Token:  SessionToken(c),
			Cookie: c.GetHeader("Cookie"),
		}

		ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{Component: "errorwatch.gateway"})
		d := g.Decide(ctx, req)

		slog.DebugContext(ctx, "gateway decision",
			"path", req.Path,
			"action", d.Action.String(),
			"location", d.Location,
			"reason", d.Reason,
			"degraded", d.Degraded)

		switch d.Action {
		case ActionRedirect:
			if d.ClearCookies {
				ClearSessionCookies(c)
			}
			c.Redirect(http.StatusFound, d.Location)
			c.Abort()
		case ActionReject:
			c.Data(d.Status, "text/plain; charset=utf-8", []byte("Service unavailable"))
			c.Abort()
		default:
			ctx := c.Request.Context()
			if d.Principal != nil {
				ctx = WithPrincipal(ctx, *d.Principal)
			}
			if d.Degraded {
				ctx = context.WithValue(ctx, degradedContextKey, true)
			}
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		}
	}
}

// SessionToken reads the session cookie, preferring the unprefixed name.
func SessionToken(c *gin.Context) string {
	for _, name := range SessionCookies {
		if v, err := c.Cookie(name); err == nil && v != "" {
			return v
		}
	}
	return ""
}

func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, &p)
}

// GetPrincipal returns the principal attached by the gateway, or nil.
func GetPrincipal(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalContextKey).(*model.Principal)
	return p
}

// IsDegraded reports whether the request was let through without confirmed identity.
func IsDegraded(ctx context.Context) bool {
	v, _ := ctx.Value(degradedContextKey).(bool)
	return v
}

// ClearSessionCookies expires every session cookie variant.
func ClearSessionCookies(c *gin.Context) {
	for _, name := range SessionCookies {
		c.SetCookie(
			name,
			"",
			-1,
			"/",
			"",
			name == SecureSessionCookie,
			true,
		)
	}
}
