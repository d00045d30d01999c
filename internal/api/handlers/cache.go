package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/coapfwd/internal/api/models"
)

// ListCache godoc
// @Summary List cached responses
// @Description Returns a snapshot of C1, the Proxy-Uri-keyed response cache
// @Tags cache
// @Produce json
// @Success 200 {object} models.CacheListResponse
// @Security ApiKeyAuth
// @Router /cache [get]
func (h *Handler) ListCache(c *gin.Context) {
	var entries []models.CacheEntry
	if h.engine != nil {
		h.postSync(func() {
			for _, row := range h.engine.Cache().Snapshot() {
				entries = append(entries, models.CacheEntry{
					Key:           row.Key,
					ContentFormat: row.ContentFormat,
					PayloadBytes:  len(row.Payload),
					CreatedAt:     row.CreatedAt,
					ExpiresAt:     row.ExpiresAt,
				})
			}
		})
	}
	c.JSON(http.StatusOK, models.CacheListResponse{Entries: entries, Count: len(entries)})
}

// InvalidateCache godoc
// @Summary Invalidate a cache entry
// @Description Evicts the C1 entry for the given Proxy-Uri key, if present
// @Tags cache
// @Accept json
// @Produce json
// @Param request body models.CacheInvalidateRequest true "cache key to invalidate"
// @Success 200 {object} models.StatusResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /cache [delete]
func (h *Handler) InvalidateCache(c *gin.Context) {
	var req models.CacheInvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if h.engine != nil {
		h.postSync(func() { h.engine.Cache().Invalidate(req.Key) })
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "invalidated"})
}
