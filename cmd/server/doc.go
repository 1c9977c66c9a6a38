// Package main runs the trusted host proxy endpoint.
//
// The endpoint accepts proxy channels over a websocket at the proxy route,
// checks the caller origin during the Ping handshake, and executes Fetch,
// Eval, SetCommand, SetWorkerCommand, Invoke and Run commands.
//
// Configuration:
//   - Environment variables (see internal/infrastructure/config)
//   - -config file.yaml|file.toml overlays the environment
//   - -port and -dev override both
//
// Usage:
//
//	HOST_URL=https://contoso.example TRUSTED_ORIGINS='https://*.contoso.example' ./server
//	./server -config hostproxy.yaml -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
