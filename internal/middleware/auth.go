// Package middleware holds the shared gin middlewares.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/service"
)

// ContextUserKey is where Auth stores the authenticated *domain.User.
const ContextUserKey = "auth_user"

var ErrMissingAuthHeader = errors.New("missing Authorization header")

// Auth validates the bearer token through the auth service and makes the
// user available to handlers.
func Auth(auth *service.AuthService) gin.HandlerFunc {
	if auth == nil {
		panic("AuthService cannot be nil for Auth middleware")
	}
	return func(c *gin.Context) {
		token, err := extractToken(c)
		if err != nil {
			logrus.Warn("auth middleware: missing or malformed Authorization header")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}
		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, service.ErrAuthenticationFailed) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			} else {
				logrus.WithError(err).Error("auth middleware: authentication failed")
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
			c.Abort()
			return
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// UserFrom returns the user stored by Auth.
func UserFrom(c *gin.Context) (*domain.User, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*domain.User)
	return user, ok
}

func extractToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", ErrMissingAuthHeader
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrMissingAuthHeader
	}
	return parts[1], nil
}
