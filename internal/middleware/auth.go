// Package middleware carries the gin middleware for the public and admin
// surfaces. The public Messages surface imposes no auth of its own; the
// caller-supplied key only identifies the client for session stickiness.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ContextKeyClientKey holds the caller identity used for sticky sessions.
const ContextKeyClientKey = "client_key"

// AdminMiddleware guards the admin surface with a shared key.
type AdminMiddleware struct {
	adminKey string
}

func NewAdminMiddleware(adminKey string) *AdminMiddleware {
	return &AdminMiddleware{adminKey: adminKey}
}

func (m *AdminMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.adminKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin surface disabled: no admin key configured",
			})
			return
		}

		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			key = c.Query("admin_key")
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(m.adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing admin key",
			})
			return
		}

		c.Next()
	}
}

// ClientKey resolves the caller identity for session stickiness. Whatever
// credential the client sends is taken as an opaque identifier and never
// validated; callers without one group by remote address.
func ClientKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyClientKey, extractClientKey(c))
		c.Next()
	}
}

func extractClientKey(c *gin.Context) string {
	if apiKey := c.GetHeader("x-api-key"); apiKey != "" {
		return apiKey
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return auth
	}
	return "ip:" + c.ClientIP()
}

// RequestLogger emits one structured line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}
