package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"cipherchat/pkg/jwt"
	"cipherchat/pkg/response"
)

// Context keys set by Auth
const (
	CtxUserID   = "user_id"
	CtxDeviceID = "device_id"
)

// Auth validates the bearer token and stores the caller's identity in the
// gin context. WebSocket upgrades may carry the token in the query string
// because browser clients cannot set headers on the upgrade request.
func Auth(tokens *jwt.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			response.Unauthorized(c, "authorization required")
			c.Abort()
			return
		}

		claims, err := tokens.Validate(tokenString)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			c.Abort()
			return
		}

		c.Set(CtxUserID, claims.UserID)
		c.Set(CtxDeviceID, claims.DeviceID)
		c.Next()
	}
}

// UserID returns the authenticated user id for the request
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserID)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
