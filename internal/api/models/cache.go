package models

import "time"

// CacheEntry describes one C1 cache row for the introspection endpoint.
type CacheEntry struct {
	Key           string    `json:"key"`
	ContentFormat uint16    `json:"content_format"`
	PayloadBytes  int       `json:"payload_bytes"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// CacheListResponse is the body of GET /api/v1/cache.
type CacheListResponse struct {
	Entries []CacheEntry `json:"entries"`
	Count   int          `json:"count"`
}

// CacheInvalidateRequest is the body of DELETE /api/v1/cache.
type CacheInvalidateRequest struct {
	Key string `json:"key" binding:"required"`
}
