package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DevTokenTTL is the lifetime of tokens minted by the development endpoint.
const DevTokenTTL = 24 * time.Hour

// Handler provides HTTP endpoints for session introspection.
type Handler struct {
	issuer   *Issuer
	devMints bool
}

// NewHandler creates a new auth handler. devMints enables the
// unauthenticated token endpoint and must only be set in development.
func NewHandler(issuer *Issuer, devMints bool) *Handler {
	return &Handler{issuer: issuer, devMints: devMints}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	if h.devMints {
		r.POST("/auth/dev-token", h.DevToken)
	}
}

// RegisterProtectedRoutes sets up routes that need a session.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// Info describes how to authenticate.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "bearer_jwt",
		"header": "Authorization: Bearer <token>",
		"query":  "access_token=<token> (WebSocket upgrades only)",
		"roles":  []Role{RoleUser, RoleModerator, RoleAdmin},
	})
}

// Me returns the authenticated actor.
func (h *Handler) Me(c *gin.Context) {
	actor, ok := GetActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Session required."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": actor})
}

// DevTokenRequest is the body of POST /auth/dev-token.
type DevTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   string `json:"role"`
}

// DevToken mints a session token without credentials.
func (h *Handler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	if req.Role == "" {
		req.Role = string(RoleUser)
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	token, err := h.issuer.Issue(Actor{ID: req.UserID, Role: role}, DevTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to mint token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"expiresIn": int(DevTokenTTL.Seconds()),
	})
}
