package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type remoteAddrKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRemoteAddr attaches the caller's network address to the context.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

// RemoteAddr extracts the caller's network address. Returns "" if absent.
func RemoteAddr(ctx context.Context) string {
	if v, ok := ctx.Value(remoteAddrKey{}).(string); ok {
		return v
	}
	return ""
}
