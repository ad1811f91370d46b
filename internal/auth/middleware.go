package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowchat/internal/logging"
)

// ContextKeyActor is the gin context key holding the authenticated *Actor.
const ContextKeyActor = "authActor"

// Middleware resolves the session token into an Actor when one is
// present. Browsers cannot set headers on a WebSocket upgrade, so the
// token may also arrive as ?access_token=.
func Middleware(issuer *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.Query("access_token")
		}

		if raw != "" {
			actor, err := issuer.Verify(raw)
			if err == nil {
				c.Set(ContextKeyActor, actor)
				c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), actor.ID))
			} else {
				logging.L(c.Request.Context()).Debug("session token rejected", "error", err)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid session.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects actors whose role is not in roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session required.",
			})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Insufficient role for this operation.",
		})
	}
}

// GetActor returns the authenticated actor, if any.
func GetActor(c *gin.Context) (*Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return nil, false
	}
	actor, ok := v.(*Actor)
	return actor, ok && actor != nil
}
