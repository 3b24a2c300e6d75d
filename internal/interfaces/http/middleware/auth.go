package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"anypay.backend/internal/domain/entities"
	domainerrors "anypay.backend/internal/domain/errors"
	"anypay.backend/internal/interfaces/http/response"
	"anypay.backend/pkg/jwt"
	"anypay.backend/pkg/logger"
)

const (
	// AuthorizationHeader is the header key for authorization
	AuthorizationHeader = "Authorization"
	// BearerPrefix is the prefix for bearer tokens
	BearerPrefix = "Bearer "
	// UsernameKey is the context key for the caller's username
	UsernameKey = "username"
	// WalletKey is the context key for the caller's wallet address
	WalletKey = "wallet"
	// UserRoleKey is the context key for user role
	UserRoleKey = "userRole"
)

// AuthMiddleware creates a new authentication middleware
func AuthMiddleware(jwtService *jwt.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			logger.Warn(c.Request.Context(), "Authorization header missing", zap.String("path", c.Request.URL.Path))
			abortWith(c, domainerrors.Unauthorized("Authorization header is required"))
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			abortWith(c, domainerrors.Unauthorized("Invalid authorization format. Use: Bearer <token>"))
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			logger.Warn(c.Request.Context(), "Token rejected", zap.String("path", c.Request.URL.Path), zap.Error(err))
			if errors.Is(err, jwt.ErrExpiredToken) {
				abortWith(c, domainerrors.Unauthorized("Token has expired"))
				return
			}
			abortWith(c, domainerrors.Unauthorized("Invalid token"))
			return
		}

		c.Set(UsernameKey, claims.Username)
		c.Set(WalletKey, claims.WalletAddress)
		c.Set(UserRoleKey, claims.Role)

		c.Next()
	}
}

// CurrentIdentity returns the authenticated caller as a debt participant
func CurrentIdentity(c *gin.Context) (entities.Identity, bool) {
	id := entities.Identity{
		Username:      c.GetString(UsernameKey),
		WalletAddress: c.GetString(WalletKey),
	}
	return id, !id.IsZero()
}

// GetUserRole gets the user role from context
func GetUserRole(c *gin.Context) (string, bool) {
	role, exists := c.Get(UserRoleKey)
	if !exists {
		return "", false
	}
	s, ok := role.(string)
	return s, ok
}

// RequireRole creates a middleware that requires one of the given roles
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, exists := GetUserRole(c)
		if !exists {
			abortWith(c, domainerrors.Unauthorized("User role not found"))
			return
		}

		for _, role := range roles {
			if userRole == role {
				c.Next()
				return
			}
		}

		abortWith(c, domainerrors.Forbidden("Insufficient permissions"))
	}
}

// RequireOperator restricts a route to operators
func RequireOperator() gin.HandlerFunc {
	return RequireRole(jwt.RoleOperator)
}

func abortWith(c *gin.Context, err error) {
	response.Error(c, err)
	c.Abort()
}
