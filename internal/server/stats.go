package server

import (
	"sync/atomic"
)

// ProxyStats collects forward-proxy statistics (spec §4.4's recommended
// counters). All methods are safe for concurrent use; the Engine calls
// these from whatever goroutine drives it, and the admin API reads a
// Snapshot from a different one.
type ProxyStats struct {
	cacheHits          atomic.Uint64
	cacheMisses        atomic.Uint64
	forwarded          atomic.Uint64
	gatewayTimeouts    atomic.Uint64
	badGateways        atomic.Uint64
	serviceUnavailable atomic.Uint64
	serverErrors       atomic.Uint64
}

// NewProxyStats creates a new proxy statistics collector.
func NewProxyStats() *ProxyStats {
	return &ProxyStats{}
}

// RecordCacheHit implements proxy.StatsRecorder.
func (s *ProxyStats) RecordCacheHit() { s.cacheHits.Add(1) }

// RecordCacheMiss implements proxy.StatsRecorder.
func (s *ProxyStats) RecordCacheMiss() { s.cacheMisses.Add(1) }

// RecordForward implements proxy.StatsRecorder.
func (s *ProxyStats) RecordForward() { s.forwarded.Add(1) }

// RecordGatewayTimeout implements proxy.StatsRecorder.
func (s *ProxyStats) RecordGatewayTimeout() { s.gatewayTimeouts.Add(1) }

// RecordBadGateway implements proxy.StatsRecorder.
func (s *ProxyStats) RecordBadGateway() { s.badGateways.Add(1) }

// RecordServiceUnavailable implements proxy.StatsRecorder.
func (s *ProxyStats) RecordServiceUnavailable() { s.serviceUnavailable.Add(1) }

// RecordServerError implements proxy.StatsRecorder.
func (s *ProxyStats) RecordServerError() { s.serverErrors.Add(1) }

// ProxyStatsSnapshot is a point-in-time snapshot of proxy statistics.
type ProxyStatsSnapshot struct {
	CacheHits          uint64  `json:"cache_hits"`
	CacheMisses        uint64  `json:"cache_misses"`
	CacheHitRatio      float64 `json:"cache_hit_ratio"`
	Forwarded          uint64  `json:"forwarded"`
	GatewayTimeouts    uint64  `json:"gateway_timeouts"`
	BadGateways        uint64  `json:"bad_gateways"`
	ServiceUnavailable uint64  `json:"service_unavailable"`
	ServerErrors       uint64  `json:"server_errors"`
}

// Snapshot returns the current statistics.
func (s *ProxyStats) Snapshot() ProxyStatsSnapshot {
	hits := s.cacheHits.Load()
	misses := s.cacheMisses.Load()

	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return ProxyStatsSnapshot{
		CacheHits:          hits,
		CacheMisses:        misses,
		CacheHitRatio:      ratio,
		Forwarded:          s.forwarded.Load(),
		GatewayTimeouts:    s.gatewayTimeouts.Load(),
		BadGateways:        s.badGateways.Load(),
		ServiceUnavailable: s.serviceUnavailable.Load(),
		ServerErrors:       s.serverErrors.Load(),
	}
}
