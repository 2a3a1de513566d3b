package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"conteo/collector/utils"
)

// ServiceKey is the context key holding the authenticated service name.
const ServiceKey = "service"

// ServiceAuthRequired guards internal routes with a bearer service token.
func ServiceAuthRequired(secret []byte, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			log.Debug("Service auth: no token provided", zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: No token provided"})
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := utils.ValidateServiceToken(secret, tokenString)
		if err != nil {
			log.Warn("Service auth: invalid token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid or expired token"})
			return
		}

		c.Set(ServiceKey, claims.Service)
		c.Next()
	}
}
