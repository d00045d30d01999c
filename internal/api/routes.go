package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/jroosing/coapfwd/internal/api/handlers"
	"github.com/jroosing/coapfwd/internal/api/middleware"
	"github.com/jroosing/coapfwd/internal/config"
)

// RegisterRoutes mounts the admin surface's handlers under /api/v1, plus a
// Swagger UI at /swagger/*any for the doc comments in handlers/*.go.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiGroup := r.Group("/api/v1")

	if cfg != nil && cfg.API.APIKey != "" {
		apiGroup.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

	apiGroup.GET("/health", h.Health)
	apiGroup.GET("/stats", h.Stats)

	apiGroup.GET("/cache", h.ListCache)
	apiGroup.DELETE("/cache", h.InvalidateCache)
}
