package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"errorwatch.app/pipeline/common/logger"
	"errorwatch.app/pipeline/internal/gateway"
	"errorwatch.app/pipeline/internal/model"
)

// SessionResolver validates a session token, typically through the shared session cache.
type SessionResolver interface {
	Resolve(ctx context.Context, token, cookie string) (model.Principal, error)
}

// RequireSession attaches the caller's principal to the request context.
// Missing or invalid sessions get 401; an unreachable identity provider gets 503.
func RequireSession(resolver SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		token := gateway.SessionToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}

		principal, err := resolver.Resolve(ctx, token, c.GetHeader("Cookie"))
		if err != nil {
			if errors.Is(err, gateway.ErrUnauthenticated) {
				gateway.ClearSessionCookies(c)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
				return
			}
			slog.WarnContext(ctx, "session validation unavailable", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "failed to validate session"})
			return
		}

		ctx = gateway.WithPrincipal(ctx, principal)
		ctx = logger.WithLogFields(ctx, logger.LogFields{PrincipalID: logger.Ptr(principal.ID)})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
