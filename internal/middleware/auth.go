package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callrelay-backend/pkg/jwt"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/response"
)

// RevocationChecker defines interface for checking if a credential is revoked (blacklisted)
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error)
}

// AuthMiddleware validates the bearer credential and sets user_id and
// display_name in the Gin context.
// Browsers cannot set headers on a WebSocket handshake, so a ?token= query
// parameter is accepted when no Authorization header is present.
// revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), claims)
			if err != nil {
				// Fail-open: the signature already checked out
				logger.Warn("Token revocation check failed, allowing request",
					zap.String("user_id", claims.UserID),
					zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, "Token revoked")
				return
			}
		}

		c.Set("user_id", claims.UserID)
		c.Set("display_name", claims.DisplayName)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}
