package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Qarib2004/rentcar-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// ValidationObserver receives the outcome of every access-token check.
type ValidationObserver interface {
	SessionValidated(outcome string)
}

// Validation outcomes reported to a ValidationObserver.
const (
	OutcomeOK          = "ok"
	OutcomeMissing     = "missing"
	OutcomeInvalid     = "invalid"
	OutcomeSuperseded  = "superseded"
	OutcomeUnavailable = "unavailable"
)

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	raw := strings.TrimSpace(header)
	if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	return tok, tok != ""
}

// RequireAccessToken verifies an access token against the Session Registry and injects
// identity into request context. It does not perform RBAC checks; those belong to internal/rbac.
func RequireAccessToken(a *Authenticator, obs ValidationObserver) gin.HandlerFunc {
	observe := func(outcome string) {
		if obs != nil {
			obs.SessionValidated(outcome)
		}
	}

	return func(c *gin.Context) {
		tok, ok := BearerToken(c.GetHeader(authorizationHeader))
		if !ok {
			observe(OutcomeMissing)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := a.Authenticate(c.Request.Context(), tok, time.Now())
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionSuperseded):
			observe(OutcomeSuperseded)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session superseded"})
			return
		case errors.Is(err, ErrSessionUnavailable):
			observe(OutcomeUnavailable)
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		default:
			observe(OutcomeInvalid)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		observe(OutcomeOK)

		id := claims.Identity()
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))

		// Also store on gin context for handler convenience.
		c.Set("user_id", id.UserID)
		c.Set("role", id.Role)
		logger.Enrich(c, "principal_id", id.UserID)

		c.Next()
	}
}
