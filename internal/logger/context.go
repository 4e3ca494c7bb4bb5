package logger

import "context"

// ctxKey scopes context values owned by this package.
type ctxKey uint8

const requestIDKey ctxKey = iota

// WithRequestID stores the request correlation ID on the context. The HTTP
// request-id middleware sets it; log sites read it back with RequestID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request correlation ID, or "" when the context
// carries none.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
