// Package config loads and validates the static configuration of the market
// data aggregation layer: exchange endpoints and rate limits, the failover
// preference order, cache TTLs and connection tuning.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFile enables rotating-file logging when non-empty.
	LogFile string `yaml:"log_file"`

	// Preference lists exchanges in failover order. REST reads walk this
	// list; real-time subscriptions pick the first entry able to serve the
	// requested stream.
	Preference []string `yaml:"preference"`

	HTTP      HTTPConfig                `yaml:"http"`
	WebSocket WebSocketConfig           `yaml:"websocket"`
	Cache     CacheConfig               `yaml:"cache"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
}

// ExchangeConfig holds the per-exchange endpoints and request quota.
type ExchangeConfig struct {
	Enabled bool   `yaml:"enabled"`
	RESTURL string `yaml:"rest_url"`

	// WSURL is empty for exchanges that should not serve real-time streams.
	WSURL string `yaml:"ws_url"`

	// RequestsPerSecond and Burst bound REST usage. Requests beyond the
	// quota are skipped in favor of the next exchange, never queued.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// HTTPConfig tunes the shared REST client.
type HTTPConfig struct {
	TimeoutSec int  `yaml:"timeout_sec"`
	Verbose    bool `yaml:"verbose"`
}

// Timeout returns the REST request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// WebSocketConfig tunes stream connections.
type WebSocketConfig struct {
	// ReconnectBaseMS is the base of the exponential reconnect ladder:
	// attempt n waits base * 2^n.
	ReconnectBaseMS int `yaml:"reconnect_base_ms"`

	// MaxReconnectAttempts caps the ladder; after it the connection is
	// marked failed until a fresh subscription arrives.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	HeartbeatSec int `yaml:"heartbeat_sec"`
}

// ReconnectBase returns the base reconnect delay.
func (c WebSocketConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

// Heartbeat returns the ping interval for stream connections.
func (c WebSocketConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// CacheConfig tunes snapshot caching.
type CacheConfig struct {
	TickerTTLSec     int `yaml:"ticker_ttl_sec"`
	CandleTTLSec     int `yaml:"candle_ttl_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// TickerTTL returns the freshness window for ticker snapshots.
func (c CacheConfig) TickerTTL() time.Duration {
	return time.Duration(c.TickerTTLSec) * time.Second
}

// CandleTTL returns the freshness window for candle series.
func (c CacheConfig) CandleTTL() time.Duration {
	return time.Duration(c.CandleTTLSec) * time.Second
}

// SweepInterval returns how often idle cache entries are evicted.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// Default returns the configuration used when no file is supplied: the three
// public exchanges with their production endpoints, binance-first preference
// and conservative quotas.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		Preference: []string{"binance", "coinbase", "kraken"},
		HTTP:       HTTPConfig{TimeoutSec: 5},
		WebSocket: WebSocketConfig{
			ReconnectBaseMS:      1000,
			MaxReconnectAttempts: 5,
			HeartbeatSec:         20,
		},
		Cache: CacheConfig{
			TickerTTLSec:     10,
			CandleTTLSec:     60,
			SweepIntervalSec: 30,
		},
		Exchanges: map[string]ExchangeConfig{
			"binance": {
				Enabled:           true,
				RESTURL:           "https://api.binance.com",
				WSURL:             "wss://stream.binance.com:9443",
				RequestsPerSecond: 10,
				Burst:             10,
			},
			"coinbase": {
				Enabled:           true,
				RESTURL:           "https://api.exchange.coinbase.com",
				WSURL:             "wss://ws-feed.exchange.coinbase.com",
				RequestsPerSecond: 10,
				Burst:             10,
			},
			"kraken": {
				Enabled:           true,
				RESTURL:           "https://api.kraken.com",
				WSURL:             "wss://ws.kraken.com",
				RequestsPerSecond: 10,
				Burst:             10,
			},
		},
	}
}

// Load reads the YAML file at path, fills unset values with defaults,
// applies environment overrides and validates the result. An empty path
// yields the default configuration (still subject to env overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.fillDefaults()
	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults completes zero-valued fields after a partial YAML document
// replaced whole sections of the default configuration.
func (c *Config) fillDefaults() {
	def := Default()

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if len(c.Preference) == 0 {
		c.Preference = def.Preference
	}
	if c.HTTP.TimeoutSec <= 0 {
		c.HTTP.TimeoutSec = def.HTTP.TimeoutSec
	}
	if c.WebSocket.ReconnectBaseMS <= 0 {
		c.WebSocket.ReconnectBaseMS = def.WebSocket.ReconnectBaseMS
	}
	if c.WebSocket.MaxReconnectAttempts <= 0 {
		c.WebSocket.MaxReconnectAttempts = def.WebSocket.MaxReconnectAttempts
	}
	if c.WebSocket.HeartbeatSec <= 0 {
		c.WebSocket.HeartbeatSec = def.WebSocket.HeartbeatSec
	}
	if c.Cache.TickerTTLSec <= 0 {
		c.Cache.TickerTTLSec = def.Cache.TickerTTLSec
	}
	if c.Cache.CandleTTLSec <= 0 {
		c.Cache.CandleTTLSec = def.Cache.CandleTTLSec
	}
	if c.Cache.SweepIntervalSec <= 0 {
		c.Cache.SweepIntervalSec = def.Cache.SweepIntervalSec
	}

	if c.Exchanges == nil {
		c.Exchanges = def.Exchanges
		return
	}
	for name, ex := range c.Exchanges {
		defEx, known := def.Exchanges[name]
		if ex.RESTURL == "" && known {
			ex.RESTURL = defEx.RESTURL
		}
		if ex.WSURL == "" && known {
			ex.WSURL = defEx.WSURL
		}
		if ex.RequestsPerSecond <= 0 {
			ex.RequestsPerSecond = 10
		}
		if ex.Burst <= 0 {
			ex.Burst = int(ex.RequestsPerSecond)
		}
		c.Exchanges[name] = ex
	}
}

// overrideWithEnv applies MARKETDATA_* environment variables on top of the
// loaded file so deployments can tweak a setting without editing it.
func (c *Config) overrideWithEnv() {
	if v := os.Getenv("MARKETDATA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MARKETDATA_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("MARKETDATA_PREFERENCE"); v != "" {
		parts := strings.Split(v, ",")
		pref := make([]string, 0, len(parts))
		for _, p := range parts {
			if name := strings.TrimSpace(strings.ToLower(p)); name != "" {
				pref = append(pref, name)
			}
		}
		if len(pref) > 0 {
			c.Preference = pref
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Preference) == 0 {
		return fmt.Errorf("config: preference order is empty")
	}
	seen := make(map[string]bool, len(c.Preference))
	for _, name := range c.Preference {
		ex, ok := c.Exchanges[name]
		if !ok {
			return fmt.Errorf("config: preference names unknown exchange %q", name)
		}
		if seen[name] {
			return fmt.Errorf("config: exchange %q listed twice in preference", name)
		}
		seen[name] = true
		if !ex.Enabled {
			continue
		}
		if err := checkURL(ex.RESTURL, "http", "https"); err != nil {
			return fmt.Errorf("config: exchange %q rest_url: %w", name, err)
		}
		if ex.WSURL != "" {
			if err := checkURL(ex.WSURL, "ws", "wss"); err != nil {
				return fmt.Errorf("config: exchange %q ws_url: %w", name, err)
			}
		}
	}
	if c.HTTP.TimeoutSec <= 0 {
		return fmt.Errorf("config: http timeout must be positive")
	}
	if c.WebSocket.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("config: max_reconnect_attempts must be positive")
	}
	return nil
}

// EnabledPreference returns the preference order filtered down to enabled
// exchanges.
func (c *Config) EnabledPreference() []string {
	out := make([]string, 0, len(c.Preference))
	for _, name := range c.Preference {
		if ex, ok := c.Exchanges[name]; ok && ex.Enabled {
			out = append(out, name)
		}
	}
	return out
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed for %q", u.Scheme, raw)
}
