package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Endpoint  EndpointConfig  `yaml:"endpoint" toml:"endpoint"`
	Proxy     ProxyConfig     `yaml:"proxy" toml:"proxy"`
	Sandbox   SandboxConfig   `yaml:"sandbox" toml:"sandbox"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port       string `envconfig:"PORT" default:"8000" yaml:"port" toml:"port"`
	Host       string `envconfig:"HOST" default:"0.0.0.0" yaml:"host" toml:"host"`
	ProxyRoute string `envconfig:"PROXY_ROUTE" default:"/hostproxy" yaml:"proxy_route" toml:"proxy_route"`
}

// EndpointConfig holds trusted endpoint configuration.
type EndpointConfig struct {
	// HostURL is the web the endpoint fetches against with ambient credentials.
	HostURL string `envconfig:"HOST_URL" default:"http://localhost:8080" yaml:"host_url" toml:"host_url"`
	// TrustedOrigins are glob patterns, e.g. "https://*.contoso.com".
	TrustedOrigins []string      `envconfig:"TRUSTED_ORIGINS" default:"http://localhost:*" yaml:"trusted_origins" toml:"trusted_origins"`
	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s" yaml:"fetch_timeout" toml:"fetch_timeout"`
	FetchRetries   int           `envconfig:"FETCH_RETRIES" default:"2" yaml:"fetch_retries" toml:"fetch_retries"`
}

// ProxyConfig holds client-side channel configuration.
type ProxyConfig struct {
	HandshakeTimeout     time.Duration `envconfig:"PROXY_HANDSHAKE_TIMEOUT" default:"5s" yaml:"handshake_timeout" toml:"handshake_timeout"`
	InvokeTimeout        time.Duration `envconfig:"PROXY_INVOKE_TIMEOUT" default:"30s" yaml:"invoke_timeout" toml:"invoke_timeout"`
	CompressionThreshold int           `envconfig:"PROXY_COMPRESSION_THRESHOLD" default:"65536" yaml:"compression_threshold" toml:"compression_threshold"`
}

// SandboxConfig holds sandbox executor configuration.
type SandboxConfig struct {
	Workers int           `envconfig:"SANDBOX_WORKERS" default:"4" yaml:"workers" toml:"workers"`
	Timeout time.Duration `envconfig:"SANDBOX_TIMEOUT" default:"60s" yaml:"timeout" toml:"timeout"`
	Origin  string        `envconfig:"SANDBOX_ORIGIN" default:"http://localhost:8080" yaml:"origin" toml:"origin"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile loads environment configuration and overlays a YAML or TOML file,
// chosen by extension. Values present in the file win over the environment.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       "8000",
			Host:       "0.0.0.0",
			ProxyRoute: "/hostproxy",
		},
		Endpoint: EndpointConfig{
			HostURL:        "http://localhost:8080",
			TrustedOrigins: []string{"http://localhost:*"},
			FetchTimeout:   30 * time.Second,
			FetchRetries:   2,
		},
		Proxy: ProxyConfig{
			HandshakeTimeout:     5 * time.Second,
			InvokeTimeout:        30 * time.Second,
			CompressionThreshold: 64 * 1024,
		},
		Sandbox: SandboxConfig{
			Workers: 4,
			Timeout: 60 * time.Second,
			Origin:  "http://localhost:8080",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
