package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/audit"
	"github.com/Qarib2004/rentcar-sub001/internal/auth"
	"github.com/Qarib2004/rentcar-sub001/internal/metrics"
	"github.com/Qarib2004/rentcar-sub001/internal/realtime"
	"github.com/Qarib2004/rentcar-sub001/internal/session"
	"github.com/Qarib2004/rentcar-sub001/internal/users"
	"github.com/Qarib2004/rentcar-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Users    *users.Service
	Tokens   *auth.Manager
	Sessions session.Registry

	// Optional collaborators.
	Audit    *audit.Service
	Metrics  *metrics.Metrics
	Realtime *realtime.Gateway

	Clock func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// audit is best-effort: failures are logged, never returned.
func (h Handlers) audit(c *gin.Context, t audit.EventType, principalID, message string) {
	if h.Audit == nil || principalID == "" {
		return
	}
	if err := h.Audit.LogAuth(c.Request.Context(), t, principalID, c.ClientIP(), message); err != nil {
		logger.FromGin(c).Warn("audit append failed", "type", string(t), "err", err)
	}
}

// --- Auth ---

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	User         users.Principal `json:"user"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Register creates a customer account and signs it in.
func (h Handlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	u, err := h.Users.Register(c.Request.Context(), users.RegisterRequest{Email: req.Email, Password: req.Password, Name: req.Name})
	switch {
	case err == nil:
	case errors.Is(err, users.ErrEmailTaken):
		h.Metrics.LoginAttempt(metrics.OutcomeRejected)
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	case errors.Is(err, users.ErrInvalidArgument):
		h.Metrics.LoginAttempt(metrics.OutcomeInvalid)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "valid email, name and a password of at least 8 characters required"})
		return
	default:
		h.Metrics.LoginAttempt(metrics.OutcomeError)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	resp, ok := h.startSession(c, u)
	if !ok {
		return
	}
	h.audit(c, audit.EventTypeRegister, u.ID, "account registered")
	c.JSON(http.StatusCreated, resp)
}

// Login verifies credentials and records a new session, superseding any previous one.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Email == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "email and password required"})
		return
	}

	u, err := h.Users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			h.Metrics.LoginAttempt(metrics.OutcomeRejected)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		h.Metrics.LoginAttempt(metrics.OutcomeError)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	resp, ok := h.startSession(c, u)
	if !ok {
		return
	}
	h.audit(c, audit.EventTypeLogin, u.ID, "signed in")
	c.JSON(http.StatusOK, resp)
}

func (h Handlers) startSession(c *gin.Context, u users.User) (sessionResponse, bool) {
	now := h.now()
	pair, err := h.Tokens.IssuePair(now, u.ID, u.Role)
	if err != nil {
		h.Metrics.LoginAttempt(metrics.OutcomeError)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return sessionResponse{}, false
	}
	if err := h.Sessions.RecordSession(c.Request.Context(), session.NewRecord(u.ID, pair.AccessToken, pair.RefreshToken, now)); err != nil {
		h.Metrics.LoginAttempt(metrics.OutcomeError)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return sessionResponse{}, false
	}
	h.Metrics.LoginAttempt(metrics.OutcomeOK)
	logger.Enrich(c, "principal_id", u.ID)

	return sessionResponse{User: u.Principal(), AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, true
}

// Refresh redeems a refresh token for a new access/refresh pair. Each refresh token
// can be redeemed once; a second redemption is rejected with 401.
func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		h.Metrics.RefreshAttempt(metrics.OutcomeInvalid)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refreshToken required"})
		return
	}

	now := h.now()
	claims, err := h.Tokens.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		h.Metrics.RefreshAttempt(metrics.OutcomeInvalid)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}

	u, err := h.Users.Get(c.Request.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			h.Metrics.RefreshAttempt(metrics.OutcomeRejected)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		h.Metrics.RefreshAttempt(metrics.OutcomeError)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}

	pair, err := h.Tokens.IssuePair(now, u.ID, u.Role)
	if err != nil {
		h.Metrics.RefreshAttempt(metrics.OutcomeError)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	err = h.Sessions.Rotate(c.Request.Context(), u.ID, req.RefreshToken, session.NewRecord(u.ID, pair.AccessToken, pair.RefreshToken, now))
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSuperseded), errors.Is(err, session.ErrNotFound):
		h.Metrics.RefreshAttempt(metrics.OutcomeRejected)
		h.audit(c, audit.EventTypeRefreshRejected, u.ID, err.Error())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session superseded"})
		return
	default:
		h.Metrics.RefreshAttempt(metrics.OutcomeError)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}

	h.Metrics.RefreshAttempt(metrics.OutcomeOK)
	logger.Enrich(c, "principal_id", u.ID)
	h.audit(c, audit.EventTypeRefresh, u.ID, "tokens rotated")
	c.JSON(http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// Logout ends the caller's session. It is idempotent: any cryptographically valid access token
// gets 204, and only the current session is revoked, so a superseded token cannot sign out
// the newer session.
func (h Handlers) Logout(c *gin.Context) {
	tok, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, err := h.Tokens.Verify(tok, auth.TokenTypeAccess, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	logger.Enrich(c, "principal_id", claims.UserID)

	current, err := h.Sessions.Validate(c.Request.Context(), claims.UserID, tok)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}
	if current {
		if err := h.Sessions.Revoke(c.Request.Context(), claims.UserID); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		h.audit(c, audit.EventTypeLogout, claims.UserID, "signed out")
	}
	c.Status(http.StatusNoContent)
}

// Me returns the authenticated principal. Runs behind auth.RequireAccessToken.
func (h Handlers) Me(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	u, err := h.Users.Get(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown principal"})
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u.Principal()})
}

// --- Admin ---

type sessionInfo struct {
	PrincipalID string    `json:"principalId"`
	IssuedAt    time.Time `json:"issuedAt"`
	Connections int       `json:"connections"`
}

// GetSession reports whether a principal currently has a session.
func (h Handlers) GetSession(c *gin.Context) {
	userID := c.Param("user_id")
	rec, err := h.Sessions.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}

	info := sessionInfo{PrincipalID: rec.PrincipalID, IssuedAt: rec.IssuedAt}
	if h.Realtime != nil {
		info.Connections = len(h.Realtime.Hub().ForPrincipal(userID))
	}
	c.JSON(http.StatusOK, info)
}

// RevokeSession force-signs-out a principal. Idempotent.
func (h Handlers) RevokeSession(c *gin.Context) {
	userID := c.Param("user_id")
	if err := h.Sessions.Revoke(c.Request.Context(), userID); err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}

	if h.Audit != nil {
		actor, _ := auth.UserID(c.Request.Context())
		if err := h.Audit.LogRevoke(c.Request.Context(), userID, actor, c.ClientIP()); err != nil {
			logger.FromGin(c).Warn("audit append failed", "type", string(audit.EventTypeRevoke), "err", err)
		}
	}
	c.Status(http.StatusNoContent)
}
