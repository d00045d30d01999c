package models

import "time"

// CPUStats contains system CPU statistics.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats contains system memory statistics.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// ServerStatsResponse contains server runtime statistics.
type ServerStatsResponse struct {
	Uptime        string      `json:"uptime"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     time.Time   `json:"start_time"`
	CPU           CPUStats    `json:"cpu"`
	Memory        MemoryStats `json:"memory"`
	Proxy         ProxyStats  `json:"proxy"`
}

// ProxyStats mirrors internal/server.ProxyStatsSnapshot for the wire.
type ProxyStats struct {
	CacheHits          uint64  `json:"cache_hits"`
	CacheMisses        uint64  `json:"cache_misses"`
	CacheHitRatio      float64 `json:"cache_hit_ratio"`
	CacheEntries       int     `json:"cache_entries"`
	Forwarded          uint64  `json:"forwarded"`
	GatewayTimeouts    uint64  `json:"gateway_timeouts"`
	BadGateways        uint64  `json:"bad_gateways"`
	ServiceUnavailable uint64  `json:"service_unavailable"`
	ServerErrors       uint64  `json:"server_errors"`
}
