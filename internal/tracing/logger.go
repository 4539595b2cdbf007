package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns a logger annotated with the trace ID, tenant
// organization ID, and request ID found in the context, when present.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	logCtx := base.With()
	if tc.TraceID != "" {
		logCtx = logCtx.Str("trace_id", tc.TraceID)
	}
	if tc.OrgID != "" {
		logCtx = logCtx.Str("org_id", tc.OrgID)
	}
	if tc.RequestID != "" {
		logCtx = logCtx.Str("request_id", tc.RequestID)
	}

	return logCtx.Logger()
}
