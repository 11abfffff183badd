package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/nfornj/USVisaChat-sub000/internal/models"
)

// SessionMiddleware resolves the session token from the Authorization header
// (or a token query param, for clients that cannot set headers) and attaches
// the authenticated user to the request context.
func SessionMiddleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if authz := c.GetHeader("Authorization"); token == "" && strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[len("Bearer "):])
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session token"})
			return
		}
		user, err := v.Verify(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrSessionInvalid) {
				log.Error().Err(err).Msg("verify session")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
			return
		}
		if v.IsBanned(c.Request.Context(), user.Email) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user is banned"})
			return
		}
		c.Set("user", user)
		c.Set("sessionToken", token)
		c.Next()
	}
}

// GetUser returns the authenticated user set by SessionMiddleware.
func GetUser(c *gin.Context) *models.User {
	if v, ok := c.Get("user"); ok {
		if u, ok2 := v.(*models.User); ok2 {
			return u
		}
	}
	return nil
}

// GetSessionToken returns the raw token set by SessionMiddleware.
func GetSessionToken(c *gin.Context) string {
	if v, ok := c.Get("sessionToken"); ok {
		if t, ok2 := v.(string); ok2 {
			return t
		}
	}
	return ""
}
