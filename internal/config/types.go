// Package config provides configuration loading for the CoAP forward proxy
// using Viper. Configuration is loaded from YAML files with automatic
// environment variable binding.
//
// Environment variables use the COAPFWD_ prefix and underscore-separated keys:
//   - COAPFWD_SERVER_HOST -> server.host
//   - COAPFWD_SERVER_PORT -> server.port
//   - COAPFWD_ENGINE_MAX_OPEN_TRANSACTIONS -> engine.max_open_transactions
package config

import (
	"os"
	"strings"
)

// ServerConfig contains the proxy's own UDP listener settings.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// EngineConfig mirrors spec §6.4's tunable constants for the cache (C1) and
// transaction-pair (C2) tables.
type EngineConfig struct {
	// MaxOpenTransactions bounds the pair table (default 16, spec §6.4).
	MaxOpenTransactions int `yaml:"max_open_transactions" mapstructure:"max_open_transactions"`
	// KeyMax bounds a cache key's length in bytes (default 128).
	KeyMax int `yaml:"key_max" mapstructure:"key_max"`
	// PayloadMax bounds a cached payload's length in bytes (default 128).
	PayloadMax int `yaml:"payload_max" mapstructure:"payload_max"`
	// DefaultMaxAgeSeconds is applied to a cached response lacking its own
	// Max-Age option (default 60, spec §4.1).
	DefaultMaxAgeSeconds int `yaml:"default_max_age_seconds" mapstructure:"default_max_age_seconds"`
	// MaxAgeMaxSeconds caps any Max-Age the proxy will honor from an
	// upstream response (default 86400).
	MaxAgeMaxSeconds int `yaml:"max_age_max_seconds" mapstructure:"max_age_max_seconds"`
	// ObserveClient gates Ping/RST housekeeping behavior for observe-style
	// exchanges (spec §FULL-6); observation relaying itself is out of scope.
	ObserveClient bool `yaml:"observe_client" mapstructure:"observe_client"`
	// ForwardVerbatimMethods lets POST/PUT/DELETE pass through unchanged
	// instead of being normalized to GET. Disabled by default (spec §FULL-6).
	ForwardVerbatimMethods bool `yaml:"forward_verbatim_methods" mapstructure:"forward_verbatim_methods"`
}

// TransportConfig controls the outbound CoAP transaction's retransmission
// behavior (RFC 7252 §4.8).
type TransportConfig struct {
	// AckTimeout is the initial retransmission timeout for a CON message,
	// e.g. "2s" (default matches RFC 7252's ACK_TIMEOUT).
	AckTimeout string `yaml:"ack_timeout" mapstructure:"ack_timeout"`
	// MaxRetransmit is the number of retransmissions attempted before the
	// exchange is failed with 5.04 Gateway Timeout (default 4).
	MaxRetransmit int `yaml:"max_retransmit" mapstructure:"max_retransmit"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// RateLimitConfig controls rate limiting settings (converted into
// internal/server's RateLimitSettings).
type RateLimitConfig struct {
	CleanupSeconds   float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"    json:"cleanup_seconds"`
	MaxIPEntries     int     `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"     json:"max_ip_entries"`
	MaxPrefixEntries int     `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries" json:"max_prefix_entries"`
	GlobalQPS        float64 `yaml:"global_qps"         mapstructure:"global_qps"         json:"global_qps"`
	GlobalBurst      int     `yaml:"global_burst"       mapstructure:"global_burst"       json:"global_burst"`
	PrefixQPS        float64 `yaml:"prefix_qps"         mapstructure:"prefix_qps"         json:"prefix_qps"`
	PrefixBurst      int     `yaml:"prefix_burst"       mapstructure:"prefix_burst"       json:"prefix_burst"`
	IPQPS            float64 `yaml:"ip_qps"             mapstructure:"ip_qps"             json:"ip_qps"`
	IPBurst          int     `yaml:"ip_burst"           mapstructure:"ip_burst"           json:"ip_burst"`
}

// APIConfig contains management API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be returned by API endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"     mapstructure:"server"`
	Engine    EngineConfig    `yaml:"engine"     mapstructure:"engine"`
	Transport TransportConfig `yaml:"transport"  mapstructure:"transport"`
	Logging   LoggingConfig   `yaml:"logging"    mapstructure:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	API       APIConfig       `yaml:"api"        mapstructure:"api"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("COAPFWD_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (COAPFWD_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
