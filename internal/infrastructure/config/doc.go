// Package config provides 12-factor configuration management for the host proxy.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally overlaid with a YAML or TOML file.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host, proxy route)
//   - Endpoint: host web URL, trusted origins, fetch timeouts
//   - Proxy: client channel handshake/invoke timeouts, wire compression
//   - Sandbox: executor concurrency, deadline, origin
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, PROXY_ROUTE
//   - HOST_URL, TRUSTED_ORIGINS, FETCH_TIMEOUT, FETCH_RETRIES
//   - PROXY_HANDSHAKE_TIMEOUT, PROXY_INVOKE_TIMEOUT, PROXY_COMPRESSION_THRESHOLD
//   - SANDBOX_WORKERS, SANDBOX_TIMEOUT, SANDBOX_ORIGIN
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
