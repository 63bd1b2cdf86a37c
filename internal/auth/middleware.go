package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// UnauthorizedDetail is the fixed message returned on every auth failure.
const UnauthorizedDetail = "Invalid or missing bearer token"

// BearerMiddleware gates requests behind a static shared-secret token.
// The supplied credential must match the configured token verbatim.
func BearerMiddleware(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)

	return func(c *gin.Context) {
		supplied, err := extractBearerToken(c.GetHeader("Authorization"))
		if err != nil || supplied != token {
			unauthorized(c)
			return
		}
		c.Next()
	}
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": UnauthorizedDetail})
}
