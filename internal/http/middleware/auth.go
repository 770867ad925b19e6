// README: Firebase ID token authentication; exposes the caller uid and role claim to handlers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"escort/internal/infra"
)

const (
	ctxUID  = "auth_uid"
	ctxRole = "auth_role"
)

// Auth rejects requests without a valid "Authorization: Bearer <token>" header.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxRole, role)
		}
		c.Next()
	}
}

// CallerUID is the authenticated user id, empty when Auth did not run.
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

// CallerRole is the "role" custom claim, empty when absent.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
