// Package config provides configuration loading and validation for the
// CoAP forward proxy.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/coap-proxy/main.go)
//  2. Environment variables (COAPFWD_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from COAPFWD_CATEGORY_SETTING format,
// e.g., COAPFWD_SERVER_HOST maps to server.host in YAML.
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding
	// Uses COAPFWD_ prefix: COAPFWD_SERVER_HOST -> server.host
	v.SetEnvPrefix("COAPFWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New("config: failed to read config file: " + err.Error())
		}
	}

	return v, nil
}

// setDefaults configures all default values, matching spec §6.4's constants.
func setDefaults(v *viper.Viper) {
	// Server defaults — CoAP's registered default port (RFC 7252 §12.10).
	v.SetDefault("server.host", "::")
	v.SetDefault("server.port", 5683)

	// Engine defaults
	v.SetDefault("engine.max_open_transactions", 16)
	v.SetDefault("engine.key_max", 128)
	v.SetDefault("engine.payload_max", 128)
	v.SetDefault("engine.default_max_age_seconds", 60)
	v.SetDefault("engine.max_age_max_seconds", 86400)
	v.SetDefault("engine.observe_client", false)
	v.SetDefault("engine.forward_verbatim_methods", false)

	// Transport defaults
	v.SetDefault("transport.ack_timeout", "2s")
	v.SetDefault("transport.max_retransmit", 4)

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Rate limiting defaults
	v.SetDefault("rate_limit.cleanup_seconds", 60.0)
	v.SetDefault("rate_limit.max_ip_entries", 4096)
	v.SetDefault("rate_limit.max_prefix_entries", 1024)
	v.SetDefault("rate_limit.global_qps", 5000.0)
	v.SetDefault("rate_limit.global_burst", 5000)
	v.SetDefault("rate_limit.prefix_qps", 1000.0)
	v.SetDefault("rate_limit.prefix_burst", 2000)
	v.SetDefault("rate_limit.ip_qps", 200.0)
	v.SetDefault("rate_limit.ip_burst", 400)

	// Management API defaults
	// Default to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadServerConfig(v, cfg)
	loadEngineConfig(v, cfg)
	loadTransportConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadAPIConfig(v, cfg)
	loadRateLimitConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
}

func loadEngineConfig(v *viper.Viper, cfg *Config) {
	cfg.Engine.MaxOpenTransactions = v.GetInt("engine.max_open_transactions")
	cfg.Engine.KeyMax = v.GetInt("engine.key_max")
	cfg.Engine.PayloadMax = v.GetInt("engine.payload_max")
	cfg.Engine.DefaultMaxAgeSeconds = v.GetInt("engine.default_max_age_seconds")
	cfg.Engine.MaxAgeMaxSeconds = v.GetInt("engine.max_age_max_seconds")
	cfg.Engine.ObserveClient = v.GetBool("engine.observe_client")
	cfg.Engine.ForwardVerbatimMethods = v.GetBool("engine.forward_verbatim_methods")
}

func loadTransportConfig(v *viper.Viper, cfg *Config) {
	cfg.Transport.AckTimeout = v.GetString("transport.ack_timeout")
	cfg.Transport.MaxRetransmit = v.GetInt("transport.max_retransmit")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api_key")
}

func loadRateLimitConfig(v *viper.Viper, cfg *Config) {
	cfg.RateLimit.CleanupSeconds = v.GetFloat64("rate_limit.cleanup_seconds")
	cfg.RateLimit.MaxIPEntries = v.GetInt("rate_limit.max_ip_entries")
	cfg.RateLimit.MaxPrefixEntries = v.GetInt("rate_limit.max_prefix_entries")
	cfg.RateLimit.GlobalQPS = v.GetFloat64("rate_limit.global_qps")
	cfg.RateLimit.GlobalBurst = v.GetInt("rate_limit.global_burst")
	cfg.RateLimit.PrefixQPS = v.GetFloat64("rate_limit.prefix_qps")
	cfg.RateLimit.PrefixBurst = v.GetInt("rate_limit.prefix_burst")
	cfg.RateLimit.IPQPS = v.GetFloat64("rate_limit.ip_qps")
	cfg.RateLimit.IPBurst = v.GetInt("rate_limit.ip_burst")
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}

	if cfg.Engine.MaxOpenTransactions <= 0 {
		cfg.Engine.MaxOpenTransactions = 16
	}
	if cfg.Engine.KeyMax <= 0 {
		cfg.Engine.KeyMax = 128
	}
	if cfg.Engine.PayloadMax <= 0 {
		cfg.Engine.PayloadMax = 128
	}
	if cfg.Engine.DefaultMaxAgeSeconds <= 0 {
		cfg.Engine.DefaultMaxAgeSeconds = 60
	}
	if cfg.Engine.MaxAgeMaxSeconds <= 0 {
		cfg.Engine.MaxAgeMaxSeconds = 86400
	}

	if cfg.Transport.AckTimeout == "" {
		cfg.Transport.AckTimeout = "2s"
	}
	if cfg.Transport.MaxRetransmit <= 0 {
		cfg.Transport.MaxRetransmit = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	return nil
}
