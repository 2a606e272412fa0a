package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyCaller is the key for storing the authenticated caller address
	ContextKeyCaller = "authCaller"

	// AdminHeader carries the operator secret on admin routes.
	AdminHeader = "X-Admin-Secret"
)

// Middleware verifies a bearer token when one is present and sets the
// caller address in the context. Requests without a token pass through.
func Middleware(iss *Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw != "" {
			if caller, err := iss.Verify(raw); err == nil {
				c.Set(ContextKeyCaller, caller)
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetCaller returns the authenticated caller's address, or "".
func GetCaller(c *gin.Context) string {
	return c.GetString(ContextKeyCaller)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyCaller)
	return exists
}

// RequireAdmin guards operator routes. With a secret configured the request
// must present it in X-Admin-Secret. Without one (development only) any
// authenticated caller passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Bearer token required",
				})
				return
			}
			c.Next()
			return
		}

		got := c.GetHeader(AdminHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "valid " + AdminHeader + " header required",
			})
			return
		}
		c.Next()
	}
}
