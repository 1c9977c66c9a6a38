// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Every subsystem takes an optional *zap.Logger; the server hands each one a
// named child so proxy, session, sandbox and endpoint lines can be filtered:
//
//	logger := logging.NewDefault()
//	ch := proxy.New(url, proxy.Config{Logger: logger.Component("proxy")})
//
// Logs go to stderr by default so the fiddle CLI can print results on stdout.
package logging
