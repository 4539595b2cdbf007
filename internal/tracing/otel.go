package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the process-wide tracer provider.
type Config struct {
	ServiceName string  // resource attribute stamped on every span
	SampleRatio float64 // fraction of root traces sampled; out-of-range values mean sample everything
}

var (
	initOnce sync.Once
	initErr  error

	providerMu sync.RWMutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the global tracer provider used by search,
// embed, and enrich spans. Until it runs, spans go to the no-op provider.
// Repeated calls are no-ops returning the first outcome.
func InitOpenTelemetry(cfg Config) error {
	initOnce.Do(func() {
		if cfg.ServiceName == "" {
			cfg.ServiceName = "mnemo"
		}
		ratio := cfg.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}

		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return initErr
}

// ShutdownOpenTelemetry flushes pending spans and releases the provider. Safe
// to call when InitOpenTelemetry never ran.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span under the named tracer and makes sure the returned
// context carries a trace id for log correlation.
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
