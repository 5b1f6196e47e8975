package httpmw

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fkiller/GnuNae-sub001/internal/common/tracing"
)

// untracedPaths are health checks and long-lived upgrades that would only add noise.
var untracedPaths = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// Tracing opens a server span per request, continuing any trace the caller
// propagated. A controller's execute call and the host's handling of it
// therefore share one trace. Routes with an :id parameter are tagged with
// the task id.
func Tracing(serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if untracedPaths[route] {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}

		parent := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracing.Tracer(serverName).Start(parent, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
			))
		defer span.End()
		if id := c.Param("id"); id != "" {
			span.SetAttributes(attribute.String("gnunae.task_id", id))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last())
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}
