package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"conteo/collector/logger"
	"conteo/collector/middleware"
)

// SiteCacheInvalidator evicts a cached site registration.
type SiteCacheInvalidator interface {
	Invalidate(ctx context.Context, credential string) error
}

// AdminHandlers serves internal routes used by site management.
type AdminHandlers struct {
	cache SiteCacheInvalidator
	log   *zap.Logger
}

func NewAdminHandlers(cache SiteCacheInvalidator, log *zap.Logger) *AdminHandlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandlers{cache: cache, log: log}
}

type invalidateRequest struct {
	Credentials []string `json:"credentials" binding:"required,min=1"`
}

// InvalidateSiteCache handles POST /internal/sites/cache/invalidate. Site
// management calls it after changing a domain, credential or tracking flag.
func (h *AdminHandlers) InvalidateSiteCache(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "credentials must be a non-empty list"})
		return
	}

	if h.cache == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "invalidated": 0})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	for _, cred := range req.Credentials {
		if err := h.cache.Invalidate(ctx, cred); err != nil {
			h.log.Error("Site cache invalidation failed",
				zap.String("credential", logger.CredentialPrefix(cred)),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to invalidate site cache"})
			return
		}
	}

	h.log.Info("Site cache invalidated",
		zap.String("service", c.GetString(middleware.ServiceKey)),
		zap.Int("count", len(req.Credentials)),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "invalidated": len(req.Credentials)})
}
