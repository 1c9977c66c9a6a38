/*
Package tracing records lightweight spans for the endpoint.

Every HTTP request and every proxy command handled by the endpoint gets a
span. Spans are buffered and logged by a collector goroutine, so a slow
logger never blocks a request. A command span continues the trace of the
websocket upgrade that carried it.

# Usage

	tracer := tracing.New("hostproxy", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "Fetch")
	span.SetTag("origin", origin)
	err := do(ctx)
	tracer.Finish(span, err)

# Propagation

X-Trace-ID and X-Span-ID request headers continue an existing trace; both
are echoed on the response.
*/
package tracing
