package middleware

import (
	"fmt"
	"strings"

	apperrors "github.com/blockcart/server/internal/shared/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// AuthorizationHeader is the header key for authorization.
	AuthorizationHeader = "Authorization"
	// BearerPrefix is the prefix for bearer tokens.
	BearerPrefix = "Bearer "
	// UserIDKey is the context key for user ID.
	UserIDKey = "user_id"
)

// Auth returns a middleware that validates JWT bearer tokens signed with the
// shared HMAC secret. On success the subject claim is set as user_id.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}

		userID, err := validateToken(token, secret)
		if err != nil {
			abortUnauthorized(c, "invalid or expired token")
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// validateToken parses the token and returns the subject as a UUID.
func validateToken(token, secret string) (uuid.UUID, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	if !parsed.Valid {
		return uuid.Nil, jwt.ErrTokenUnverifiable
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(subject)
}

// extractBearerToken extracts the bearer token from the Authorization header.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader(AuthorizationHeader)
	if strings.HasPrefix(authHeader, BearerPrefix) {
		return strings.TrimPrefix(authHeader, BearerPrefix)
	}
	return ""
}

// GetUserID returns the user ID from context.
// Returns uuid.Nil if not found.
func GetUserID(c *gin.Context) uuid.UUID {
	if val, exists := c.Get(UserIDKey); exists {
		if userID, ok := val.(uuid.UUID); ok {
			return userID
		}
	}
	return uuid.Nil
}

func abortUnauthorized(c *gin.Context, message string) {
	appErr := apperrors.Unauthorized(message)
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
}
