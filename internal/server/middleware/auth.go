package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tasksync/internal/server/services"
)

const (
	NamespaceHeader = "X-Sync-Namespace"
	namespaceKey    = "namespace"
)

func NamespaceFromContext(c *gin.Context) string {
	if v, ok := c.Get(namespaceKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return services.DefaultNamespace
}

// Auth requires "Authorization: Bearer <token>" when token is non-empty and
// resolves the request namespace.
func Auth(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token != "" {
			h := strings.TrimSpace(c.GetHeader("Authorization"))
			if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(h[7:])), []byte(token)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
		}
		ns := c.GetHeader(NamespaceHeader)
		if ns == "" {
			ns = c.Query("namespace")
		}
		c.Set(namespaceKey, services.NormalizeNamespace(ns))
		c.Next()
	}
}
