package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/record"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
	callerKey    contextKey = "caller"
)

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the attached logger, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithRequestID stores the request ID and attaches a logger carrying it.
func WithRequestID(ctx context.Context, logger *zap.Logger, requestID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return WithContext(ctx, logger.With(zap.String("request_id", requestID)))
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithCaller stores the tenant and user of the request and attaches a logger
// carrying them.
func WithCaller(ctx context.Context, logger *zap.Logger, caller record.Caller) context.Context {
	ctx = context.WithValue(ctx, callerKey, caller)
	return WithContext(ctx, logger.With(CallerFields(caller)...))
}

// GetCaller retrieves the caller stored by WithCaller.
func GetCaller(ctx context.Context) record.Caller {
	c, _ := ctx.Value(callerKey).(record.Caller)
	return c
}

// CallerFields returns the non-empty tenant and user fields of caller.
func CallerFields(caller record.Caller) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if caller.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", caller.TenantID))
	}
	if caller.UserID != "" {
		fields = append(fields, zap.String("user_id", caller.UserID))
	}
	return fields
}

// TraceFields returns trace_id and span_id of the active span, if any.
func TraceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// L returns the context logger enriched with the active span.
//
//	logger.L(ctx).Info("Collection fetched", zap.Int("records", n))
func L(ctx context.Context) *zap.Logger {
	l := FromContext(ctx)
	if fields := TraceFields(ctx); fields != nil {
		l = l.With(fields...)
	}
	return l
}
