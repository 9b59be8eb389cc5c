// Package kit carries caller identity and request metadata through
// context.Context. The router forwards invocations to module runners with
// the caller's context untouched, so a runner sees exactly the identity the
// transport layer established.
package kit

import "context"

type contextKey string

const (
	CallerKey      contextKey = "kit_caller"
	CallerTokenKey contextKey = "kit_caller_token"
	RequestIDKey   contextKey = "kit_request_id"
	RemoteAddrKey  contextKey = "kit_remote_addr"
)

// WithCaller records the resolved caller identity (e.g. a token label).
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// GetCaller returns the caller identity, or "" if none was established.
func GetCaller(ctx context.Context) string {
	v, _ := ctx.Value(CallerKey).(string)
	return v
}

// WithCallerToken records the raw bearer token presented by the caller.
// The access package resolves it to roles; modules never see it resolved.
func WithCallerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, CallerTokenKey, token)
}

// GetCallerToken returns the raw caller token, or "".
func GetCallerToken(ctx context.Context) string {
	v, _ := ctx.Value(CallerTokenKey).(string)
	return v
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}

func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}
