package authbroker

import (
	"context"

	"github.com/workspacehub/authbroker/broker"
)

type contextKey int

const connectionContextKey contextKey = iota

func withConnection(ctx context.Context, resolved *broker.ResolvedConnection) context.Context {
	return context.WithValue(ctx, connectionContextKey, resolved)
}

// ConnectionFromContext returns the connection resolved by the Authenticate
// middleware, or nil when the request was not authenticated.
func ConnectionFromContext(ctx context.Context) *broker.ResolvedConnection {
	resolved, _ := ctx.Value(connectionContextKey).(*broker.ResolvedConnection)
	return resolved
}
