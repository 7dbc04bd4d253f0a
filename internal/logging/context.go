package logging

import (
	"context"
	"regexp"

	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if p, err := policy.FromContext(ctx); err == nil {
		fields = append(fields, zap.String("principal.user", p.UserID.String()))
		if p.Scoped() {
			fields = append(fields, zap.String("principal.project", p.ProjectID.String()))
		}
	}

	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

type requestCtxKey struct{}
type loggerCtxKey struct{}

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// WithRequestID returns a context carrying the request id. Ids that are
// empty, longer than 128 bytes or contain characters outside
// [A-Za-z0-9_-] are dropped, since they come from client headers.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !requestIDPattern.MatchString(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
