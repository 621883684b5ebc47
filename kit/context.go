package kit

import (
	"context"

	"github.com/hazyhaar/storeprobe/idgen"
)

type contextKey string

const (
	// TransportKey holds the surface a call came in on: "cli" or "mcp".
	TransportKey contextKey = "kit_transport"
	// RequestIDKey correlates the endpoint log line with the runs it started.
	RequestIDKey contextKey = "kit_request_id"
)

// NewRequestID mints request IDs for transports that do not carry one.
var NewRequestID = idgen.Prefixed("req_", idgen.NanoID(12))

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport defaults to "cli".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "cli"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}
