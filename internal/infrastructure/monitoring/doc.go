/*
Package monitoring provides Prometheus metrics for the host proxy.

# Overview

Metrics cover both sides of the proxy protocol: the client channel
(invocations, timeouts, pending correlation entries, handshakes, transferred
bytes), the session layer (token refreshes, auth redirects), the sandbox
executors, and the endpoint's HTTP and WebSocket surface.

# Usage

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "Fetch")
	defer timer.Stop("success")

A nil *Metrics records nothing, which keeps tests and embedders free of
registration conflicts.
*/
package monitoring
