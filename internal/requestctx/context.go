// Package requestctx carries request-scoped values set by HTTP middleware.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	callerKey        = &contextKey{"caller"}
	correlationIDKey = &contextKey{"correlation_id"}
)

// SetCaller stores the name of the authenticated API key.
func SetCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the authenticated caller, or "" when the request was not
// authenticated.
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}

// SetCorrelationID stores the id that ties a request to its turn record.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id, or "" if not set.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}
