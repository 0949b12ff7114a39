package rbac

import (
	"net/http"

	"github.com/Qarib2004/rentcar-sub001/internal/auth"
	"github.com/Qarib2004/rentcar-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Allows reports whether role passes a check for the allowed roles. Admin passes every check.
func Allows(role string, allowed ...string) bool {
	if IsAdmin(role) {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// RequireAnyRole rejects callers whose role is not one of allowed.
// Must run after auth.RequireAccessToken.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auth.IdentityFrom(c.Request.Context())
		if !ok || id.Role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Allows(id.Role, allowed...) {
			logger.FromGin(c).Info("role denied", "role", id.Role, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
