package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// sampleRatio keeps every span. Query volume is low enough that head
// sampling would only hide the interesting tails (queued turns, engine
// timeouts).
const sampleRatio = 1.0

var (
	setupOnce sync.Once
	setupErr  error

	tpMu sync.RWMutex
	tp   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the daemon's process-wide tracer provider.
// Spans are opened per HTTP request, per queue task, and per engine
// invocation; repeated calls are no-ops and return the first outcome.
func InitOpenTelemetry(serviceName string) error {
	setupOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
			resource.WithProcessPID(),
		)
		if err != nil {
			setupErr = fmt.Errorf("failed to build tracing resource: %w", err)
			return
		}

		provider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
			sdktrace.WithResource(res),
		)

		tpMu.Lock()
		tp = provider
		tpMu.Unlock()

		otel.SetTracerProvider(provider)
	})
	return setupErr
}

// ShutdownOpenTelemetry flushes pending spans. Called once on daemon stop.
func ShutdownOpenTelemetry(ctx context.Context) error {
	tpMu.RLock()
	provider := tp
	tpMu.RUnlock()
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartSpan opens a span and stamps its trace id into the context so log
// lines correlate with the trace.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
