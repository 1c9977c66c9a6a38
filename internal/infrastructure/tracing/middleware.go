package tracing

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/SPLookout/internal/shared/id"
)

// HTTPMiddleware traces each request, continuing a trace passed in the
// X-Trace-ID and X-Span-ID headers and echoing the ids on the response.
// Header values that are not ids minted by this service are ignored.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := WithTrace(c.Request.Context(),
			TraceID(validID(c.GetHeader(TraceHeader))),
			SpanID(validID(c.GetHeader(SpanHeader))))

		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+name)
		span.SetTag("http.host", c.Request.Host)
		c.Request = c.Request.WithContext(ctx)

		c.Header(TraceHeader, string(span.TraceID))
		c.Header(SpanHeader, string(span.SpanID))

		c.Next()

		span.SetTag("http.status", strconv.Itoa(c.Writer.Status()))
		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last()
		}
		tracer.Finish(span, err)
	}
}

func validID(v string) string {
	if v == "" || !id.IsValid(v) {
		return ""
	}
	return v
}
