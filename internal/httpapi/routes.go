package httpapi

import (
	"net/http"

	"github.com/Qarib2004/rentcar-sub001/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Mount registers the auth and admin session routes.
// authMW must be auth.RequireAccessToken.
func (h Handlers) Mount(r gin.IRouter, authMW gin.HandlerFunc) {
	a := r.Group("/auth")
	{
		a.POST("/register", h.Register)
		a.POST("/login", h.Login)
		a.POST("/refresh", h.Refresh)
		a.POST("/logout", h.Logout)
		a.GET("/me", authMW, h.Me)
	}

	admin := r.Group("/admin")
	admin.Use(authMW, rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.GET("/sessions/:user_id", h.GetSession)
		admin.DELETE("/sessions/:user_id", h.RevokeSession)
	}
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
