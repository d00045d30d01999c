package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusResponse_JSON(t *testing.T) {
	resp := StatusResponse{Status: "ok"}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestErrorResponse_JSON(t *testing.T) {
	resp := ErrorResponse{Error: "boom"}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom"}`, string(data))
}

func TestCacheListResponse_JSON(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	resp := CacheListResponse{
		Entries: []CacheEntry{
			{Key: "coap://[2001:db8::1]:5683/sensors/temp", ContentFormat: 50, PayloadBytes: 12, CreatedAt: now, ExpiresAt: now.Add(60 * time.Second)},
		},
		Count: 1,
	}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count":1`)
}
