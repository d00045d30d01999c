package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/coapfwd/internal/api/models"
	"github.com/jroosing/coapfwd/internal/proxy"
)

func TestHandler_ListCache(t *testing.T) {
	engine := proxy.NewEngine(proxy.Config{MaxOpenTransactions: 4, KeyMax: 64, PayloadMax: 64, DefaultMaxAge: 60 * time.Second, MaxAgeMax: 300 * time.Second}, nil, nil, nil, nil)
	engine.Cache().Put("coap://origin/sensors/temp", []byte("22.5"), 0, 30*time.Second)
	h := New(nil, nil, engine, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/cache", nil)

	h.ListCache(c)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.CacheListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "coap://origin/sensors/temp", resp.Entries[0].Key)
}

func TestHandler_InvalidateCache(t *testing.T) {
	engine := proxy.NewEngine(proxy.Config{MaxOpenTransactions: 4, KeyMax: 64, PayloadMax: 64, DefaultMaxAge: 60 * time.Second, MaxAgeMax: 300 * time.Second}, nil, nil, nil, nil)
	engine.Cache().Put("coap://origin/sensors/temp", []byte("22.5"), 0, 30*time.Second)
	h := New(nil, nil, engine, nil, nil)

	body, err := json.Marshal(models.CacheInvalidateRequest{Key: "coap://origin/sensors/temp"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/cache", bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	h.InvalidateCache(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, engine.Cache().Len())
}

func TestHandler_InvalidateCache_BadRequest(t *testing.T) {
	h := newTestHandler(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodDelete, "/cache", bytes.NewReader([]byte("not json")))
	c.Request.Header.Set("Content-Type", "application/json")

	h.InvalidateCache(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
