package middleware

import (
	"context"
	"strings"

	"ciflow/internal/models"
	"ciflow/pkg/jwt"
	"ciflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// Context keys set by RequireLogin
const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
	ContextIsAdmin  = "is_admin"
	ContextClaims   = "claims"
	ContextUser     = "user"
)

// UserLookup loads the account behind a token
type UserLookup interface {
	GetUser(ctx context.Context, userID uint) (*models.User, error)
}

// AuthMiddleware bearer token authentication
type AuthMiddleware struct {
	jwtManager *jwt.JWTManager
	users      UserLookup
}

// NewAuthMiddleware creates the middleware. users may be nil, then the token claims are trusted as is.
func NewAuthMiddleware(jwtManager *jwt.JWTManager, users UserLookup) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager: jwtManager,
		users:      users,
	}
}

// RequireLogin rejects requests without a valid bearer token
func (m *AuthMiddleware) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "login required")
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Unauthorized(c, "malformed authorization header")
			c.Abort()
			return
		}

		claims, err := m.jwtManager.VerifyToken(authHeader[7:])
		if err != nil {
			response.Unauthorized(c, "token invalid or expired")
			c.Abort()
			return
		}

		isAdmin := claims.IsAdmin
		if m.users != nil {
			user, err := m.users.GetUser(c.Request.Context(), claims.UserID)
			if err != nil {
				response.Unauthorized(c, "user does not exist")
				c.Abort()
				return
			}
			// role changes apply without waiting for the token to expire
			isAdmin = user.IsAdmin()
			c.Set(ContextUser, user)
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Set(ContextIsAdmin, isAdmin)
		c.Set(ContextClaims, claims)

		c.Next()
	}
}

// RequireAdmin allows administrators only. Must run after RequireLogin.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextUserID); !exists {
			response.Unauthorized(c, "login required")
			c.Abort()
			return
		}

		if !IsAdmin(c) {
			response.Forbidden(c, "administrator role required")
			c.Abort()
			return
		}

		c.Next()
	}
}

// UserID the authenticated user, zero when unauthenticated
func UserID(c *gin.Context) uint {
	return c.GetUint(ContextUserID)
}

// IsAdmin whether the authenticated user is an administrator
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextIsAdmin)
}
