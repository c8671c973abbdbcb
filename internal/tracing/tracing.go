// Package tracing provides shared OTel tracer access for kernel hot
// paths. Without an SDK installed by the host process the returned
// tracers are no-ops with zero overhead.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
