// Package config loads hubd and client settings from TOML files.
//
// Every key is optional; keys absent from the file keep their defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Listen    string // TCP listen address
	WSListen  string // WebSocket listen address, empty disables WebSocket
	WSPath    string
	Advertise string // address announced in the registry, defaults to Listen

	EtcdEndpoints []string
	MetricsListen string // empty disables /metrics

	KeepAliveInterval time.Duration
	ClientTimeout     time.Duration
	MaxRecordSize     int

	LogLevel       string
	LogDevelopment bool

	LogInvocations bool
	Timeout        time.Duration // per invocation, zero disables
	RateLimit      float64       // invocations per second, zero disables
	RateBurst      int
	Retries        int // retries of transient failures, zero disables
	RetryDelay     time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:            ":8888",
		WSPath:            "/hub",
		KeepAliveInterval: 15 * time.Second,
		ClientTimeout:     30 * time.Second,
		MaxRecordSize:     1 << 20,
		LogLevel:          "info",
		RateBurst:         1,
		RetryDelay:        100 * time.Millisecond,
	}
}

type ClientConfig struct {
	EtcdEndpoints     []string
	Balancer          string
	PoolSize          int
	KeepAliveInterval time.Duration
	ServerTimeout     time.Duration
	LogLevel          string
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Balancer:          "RoundRobin",
		PoolSize:          2,
		KeepAliveInterval: 15 * time.Second,
		ServerTimeout:     30 * time.Second,
		LogLevel:          "info",
	}
}

type serverFile struct {
	Listen         string   `toml:"listen"`
	WSListen       string   `toml:"ws_listen"`
	WSPath         string   `toml:"ws_path"`
	Advertise      string   `toml:"advertise"`
	EtcdEndpoints  []string `toml:"etcd_endpoints"`
	MetricsListen  string   `toml:"metrics_listen"`
	KeepAlive      string   `toml:"keep_alive_interval"`
	ClientTimeout  string   `toml:"client_timeout"`
	MaxRecordSize  int      `toml:"max_record_size"`
	LogLevel       string   `toml:"log_level"`
	LogDevelopment bool     `toml:"log_development"`

	Middleware struct {
		LogInvocations bool    `toml:"log_invocations"`
		Timeout        string  `toml:"timeout"`
		RateLimit      float64 `toml:"rate_limit"`
		RateBurst      int     `toml:"rate_burst"`
		Retries        int     `toml:"retries"`
		RetryDelay     string  `toml:"retry_delay"`
	} `toml:"middleware"`
}

type clientFile struct {
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	Balancer      string   `toml:"balancer"`
	PoolSize      int      `toml:"pool_size"`
	KeepAlive     string   `toml:"keep_alive_interval"`
	ServerTimeout string   `toml:"server_timeout"`
	LogLevel      string   `toml:"log_level"`
}

// LoadServer reads the hubd configuration at path over DefaultServerConfig.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("ws_listen") {
		cfg.WSListen = strings.TrimSpace(raw.WSListen)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("advertise") {
		cfg.Advertise = strings.TrimSpace(raw.Advertise)
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("keep_alive_interval") {
		if cfg.KeepAliveInterval, err = parseDuration("keep_alive_interval", raw.KeepAlive); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("client_timeout") {
		if cfg.ClientTimeout, err = parseDuration("client_timeout", raw.ClientTimeout); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("max_record_size") {
		cfg.MaxRecordSize = raw.MaxRecordSize
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_development") {
		cfg.LogDevelopment = raw.LogDevelopment
	}

	if meta.IsDefined("middleware", "log_invocations") {
		cfg.LogInvocations = raw.Middleware.LogInvocations
	}
	if meta.IsDefined("middleware", "timeout") {
		if cfg.Timeout, err = parseDuration("middleware.timeout", raw.Middleware.Timeout); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("middleware", "rate_limit") {
		cfg.RateLimit = raw.Middleware.RateLimit
	}
	if meta.IsDefined("middleware", "rate_burst") {
		cfg.RateBurst = raw.Middleware.RateBurst
	}
	if meta.IsDefined("middleware", "retries") {
		cfg.Retries = raw.Middleware.Retries
	}
	if meta.IsDefined("middleware", "retry_delay") {
		if cfg.RetryDelay, err = parseDuration("middleware.retry_delay", raw.Middleware.RetryDelay); err != nil {
			return ServerConfig{}, err
		}
	}

	if cfg.Listen == "" && cfg.WSListen == "" {
		return ServerConfig{}, fmt.Errorf("load server config: neither listen nor ws_listen is set")
	}
	if cfg.Advertise == "" {
		cfg.Advertise = cfg.Listen
	}
	return cfg, nil
}

// LoadClient reads client settings at path over DefaultClientConfig.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = normalizeList(raw.EtcdEndpoints)
	}
	if meta.IsDefined("balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	if meta.IsDefined("pool_size") {
		cfg.PoolSize = raw.PoolSize
	}
	if meta.IsDefined("keep_alive_interval") {
		if cfg.KeepAliveInterval, err = parseDuration("keep_alive_interval", raw.KeepAlive); err != nil {
			return ClientConfig{}, err
		}
	}
	if meta.IsDefined("server_timeout") {
		if cfg.ServerTimeout, err = parseDuration("server_timeout", raw.ServerTimeout); err != nil {
			return ClientConfig{}, err
		}
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return cfg, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
