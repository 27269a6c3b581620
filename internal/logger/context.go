package logger

import "context"

// contextKey is unexported so no other package can collide with our keys.
type contextKey struct{}

var requestIDKey = contextKey{}

// WithRequestID stores the request id so log lines emitted anywhere along a
// setup, proxy, or teardown path can carry it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id from the context, or an empty string for
// work that did not start from an HTTP request (the reaper ticker, shutdown).
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
