// Package server_test provides behavior tests for the server package.
package server_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jroosing/coapfwd/internal/server"
	"github.com/stretchr/testify/assert"
)

// ============================================================================
// RateLimiter Tests
// ============================================================================

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:   1000,
		GlobalBurst: 100,
		PrefixQPS:   100,
		PrefixBurst: 10,
		IPQPS:       10,
		IPBurst:     5,
	})

	for i := range 5 {
		assert.True(t, limiter.Allow("192.168.1.1"), "Request %d should be allowed", i)
	}
}

func TestRateLimiter_BlocksExceedingLimit(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:   1000,
		GlobalBurst: 100,
		PrefixQPS:   100,
		PrefixBurst: 10,
		IPQPS:       10,
		IPBurst:     2, // Very low burst
	})

	limiter.Allow("192.168.1.1")
	limiter.Allow("192.168.1.1")

	assert.False(t, limiter.Allow("192.168.1.1"), "Should be rate limited after exceeding burst")
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:        100000,
		GlobalBurst:      10000,
		PrefixQPS:        100000,
		PrefixBurst:      10000,
		IPQPS:            10,
		IPBurst:          2,
		MaxIPEntries:     1000,
		MaxPrefixEntries: 1000,
	})

	assert.True(t, limiter.Allow("192.168.1.1"), "IP1 first request")
	assert.True(t, limiter.Allow("192.168.1.1"), "IP1 second request")

	assert.True(t, limiter.Allow("10.0.0.1"), "IP2 first request - different /24 should have its own bucket")
	assert.True(t, limiter.Allow("10.0.0.1"), "IP2 second request")
}

func TestRateLimiter_NilLimiter(t *testing.T) {
	var limiter *server.RateLimiter

	assert.True(t, limiter.Allow("192.168.1.1"))
}

func TestRateLimiter_AllowAddr(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:   1000,
		GlobalBurst: 100,
		PrefixQPS:   100,
		PrefixBurst: 10,
		IPQPS:       10,
		IPBurst:     5,
	})

	ip := netip.MustParseAddr("192.168.1.1")

	for i := range 5 {
		assert.True(t, limiter.AllowAddr(ip), "Request %d should be allowed", i)
	}
}

func TestRateLimiter_IPv6(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:   1000,
		GlobalBurst: 100,
		PrefixQPS:   100,
		PrefixBurst: 10,
		IPQPS:       10,
		IPBurst:     5,
	})

	ip := netip.MustParseAddr("2001:db8::1")

	for i := range 5 {
		assert.True(t, limiter.AllowAddr(ip), "IPv6 request %d should be allowed", i)
	}
}

func TestRateLimiter_PrefixLimit(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:   1000,
		GlobalBurst: 100,
		PrefixQPS:   10,
		PrefixBurst: 3, // Low prefix burst
		IPQPS:       10,
		IPBurst:     10,
	})

	limiter.Allow("192.168.1.1")
	limiter.Allow("192.168.1.2")
	limiter.Allow("192.168.1.3")

	assert.False(t, limiter.Allow("192.168.1.4"), "Should be prefix-limited")
}

func TestRateLimiter_GlobalLimit(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:   10,
		GlobalBurst: 2, // Very low global burst
		PrefixQPS:   1000,
		PrefixBurst: 100,
		IPQPS:       1000,
		IPBurst:     100,
	})

	limiter.Allow("192.168.1.1")
	limiter.Allow("10.0.0.1")

	assert.False(t, limiter.Allow("172.16.0.1"), "Should be globally limited")
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := server.NewRateLimiter(server.RateLimitSettings{
		GlobalQPS:   10000,
		GlobalBurst: 1000,
		PrefixQPS:   1000,
		PrefixBurst: 100,
		IPQPS:       100,
		IPBurst:     10,
	})

	done := make(chan bool)
	for range 10 {
		go func() {
			for range 100 {
				limiter.Allow("192.168.1.1")
			}
			done <- true
		}()
	}

	for range 10 {
		<-done
	}
}

// ============================================================================
// TokenBucketRateLimiter Tests
// ============================================================================

func TestTokenBucket_AllowConsumesToken(t *testing.T) {
	tb := server.NewTokenBucketRateLimiter(server.TokenBucketConfig{
		Rate:       1.0,
		Burst:      5,
		MaxEntries: 100,
	})

	for i := range 5 {
		assert.True(t, tb.Allow("key1"), "Request %d should be allowed", i)
	}

	assert.False(t, tb.Allow("key1"), "Should be rate limited after burst")
}

func TestTokenBucket_DifferentKeys(t *testing.T) {
	tb := server.NewTokenBucketRateLimiter(server.TokenBucketConfig{
		Rate:       1.0,
		Burst:      2,
		MaxEntries: 100,
	})

	tb.Allow("key1")
	tb.Allow("key1")

	assert.True(t, tb.Allow("key2"), "Different key should have separate bucket")
}

func TestTokenBucket_TokenReplenishment(t *testing.T) {
	tb := server.NewTokenBucketRateLimiter(server.TokenBucketConfig{
		Rate:       1000.0, // 1000 tokens per second
		Burst:      1,
		MaxEntries: 100,
	})

	assert.True(t, tb.Allow("key1"))
	assert.False(t, tb.Allow("key1"))

	time.Sleep(5 * time.Millisecond)

	assert.True(t, tb.Allow("key1"), "Should have replenished tokens")
}

func TestTokenBucket_DisabledWithZeroRate(t *testing.T) {
	tb := server.NewTokenBucketRateLimiter(server.TokenBucketConfig{
		Rate:       0, // Disabled
		Burst:      5,
		MaxEntries: 100,
	})

	for i := 0; i < 10; i++ {
		assert.True(t, tb.Allow("key1"), "a zero rate disables limiting, even past the burst")
	}
}

func TestTokenBucket_ConcurrentAccess(t *testing.T) {
	tb := server.NewTokenBucketRateLimiter(server.TokenBucketConfig{
		Rate:       1000,
		Burst:      100,
		MaxEntries: 1000,
	})

	done := make(chan bool)
	for i := range 10 {
		go func(id int) {
			key := string(rune('a' + id))
			for range 50 {
				tb.Allow(key)
			}
			done <- true
		}(i)
	}

	for range 10 {
		<-done
	}
}

// ============================================================================
// RateLimitSettings Tests
// ============================================================================

func TestFormatRateLimitsLog(t *testing.T) {
	settings := server.RateLimitSettings{
		GlobalQPS:        1000,
		GlobalBurst:      100,
		PrefixQPS:        100,
		PrefixBurst:      10,
		IPQPS:            10,
		IPBurst:          5,
		CleanupSeconds:   60,
		MaxIPEntries:     10000,
		MaxPrefixEntries: 1000,
	}

	result := server.FormatRateLimitsLog(settings)

	assert.Contains(t, result, "global=1000qps/100")
	assert.Contains(t, result, "prefix=100qps/10")
	assert.Contains(t, result, "ip=10qps/5")
}

func TestFormatRateLimitsLog_Disabled(t *testing.T) {
	settings := server.RateLimitSettings{
		GlobalQPS:   0, // Disabled
		GlobalBurst: 0,
		PrefixQPS:   0,
		PrefixBurst: 0,
		IPQPS:       0,
		IPBurst:     0,
	}

	result := server.FormatRateLimitsLog(settings)

	assert.Contains(t, result, "global=disabled")
	assert.Contains(t, result, "prefix=disabled")
	assert.Contains(t, result, "ip=disabled")
}

// ============================================================================
// ProxyStats Tests
// ============================================================================

func TestProxyStats_Snapshot(t *testing.T) {
	stats := server.NewProxyStats()

	stats.RecordCacheHit()
	stats.RecordCacheHit()
	stats.RecordCacheMiss()
	stats.RecordForward()
	stats.RecordGatewayTimeout()
	stats.RecordBadGateway()
	stats.RecordServiceUnavailable()
	stats.RecordServerError()

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.CacheHits)
	assert.Equal(t, uint64(1), snap.CacheMisses)
	assert.Equal(t, uint64(1), snap.Forwarded)
	assert.Equal(t, uint64(1), snap.GatewayTimeouts)
	assert.Equal(t, uint64(1), snap.BadGateways)
	assert.Equal(t, uint64(1), snap.ServiceUnavailable)
	assert.Equal(t, uint64(1), snap.ServerErrors)
	assert.InDelta(t, 2.0/3.0, snap.CacheHitRatio, 0.0001)
}

func TestProxyStats_SnapshotWithNoRequests(t *testing.T) {
	stats := server.NewProxyStats()

	snap := stats.Snapshot()
	assert.Equal(t, uint64(0), snap.CacheHits)
	assert.Equal(t, 0.0, snap.CacheHitRatio)
}
