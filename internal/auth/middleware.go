package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/logger"
	"github.com/jsilvanus/live-captions-yt-sub000/internal/relayerr"
)

// claimsKey is the gin context key the verified claims are stored under.
const claimsKey = "session_claims"

// Middleware authenticates requests against the token issuer.
type Middleware struct {
	issuer *TokenIssuer
}

// NewMiddleware creates the bearer-token middleware.
func NewMiddleware(issuer *TokenIssuer) *Middleware {
	return &Middleware{issuer: issuer}
}

// RequireSession validates the bearer token and attaches its claims to the
// request. When allowQueryToken is set the token is also accepted from the
// token query parameter — the EventSource API cannot set custom headers.
func (m *Middleware) RequireSession(allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		if authHeader == "" && allowQueryToken {
			if token := c.Query("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}

		if authHeader == "" {
			relayerr.AbortWithUnauthorized(c, "Authorization header is required", nil)
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			relayerr.AbortWithUnauthorized(c, "Authorization header must be a Bearer token", nil)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			relayerr.AbortWithUnauthorized(c, "Bearer token is empty", nil)
			return
		}

		claims, err := m.issuer.Verify(token)
		if err != nil {
			relayerr.AbortWithUnauthorized(c, "Invalid or expired token", nil)
			return
		}

		ctx := logger.WithSessionID(c.Request.Context(), claims.SessionID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(claimsKey, claims)

		c.Next()
	}
}

// GetClaims extracts the verified session claims from the gin context.
func GetClaims(c *gin.Context) (*SessionClaims, bool) {
	v, exists := c.Get(claimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*SessionClaims)
	return claims, ok
}

// RequireAdmin guards the key-administration surface with a shared secret
// in the X-Admin-Key header. An unset admin key answers 503 so operators
// notice the misconfiguration; a wrong key answers 403. The comparison is
// constant-time.
func RequireAdmin(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			relayerr.AbortWithUnavailable(c, "admin interface not configured", nil)
			return
		}

		provided := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, relayerr.NewAPIError("invalid admin key", nil))
			return
		}

		c.Next()
	}
}
