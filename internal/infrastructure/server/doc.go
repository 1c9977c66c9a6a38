// Package server runs the trusted endpoint behind gin.
//
// Routes:
//   - GET <proxy route> (default /hostproxy): websocket upgrade served by
//     endpoint.Endpoint. No CORS here; the Ping handshake checks the origin.
//   - GET / and GET /health: service info and a JSON health snapshot, with
//     CORS limited to trusted origins.
//   - GET /metrics: Prometheus exposition of a private registry.
//
// Server Lifecycle:
//  1. Load configuration (config.Load or config.LoadFile)
//  2. NewServer builds metrics, the endpoint and the router
//  3. Run serves until its context is done, then shuts down
//  4. Close ends proxy connections and waits for running sandboxes
package server
