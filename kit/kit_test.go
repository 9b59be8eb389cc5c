package kit

import (
	"context"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithCaller(ctx, "ops-team")
	ctx = WithCallerToken(ctx, "tok-123")
	ctx = WithRequestID(ctx, "req_abc")
	ctx = WithRemoteAddr(ctx, "10.0.0.1:4242")

	if got := GetCaller(ctx); got != "ops-team" {
		t.Fatalf("caller = %q", got)
	}
	if got := GetCallerToken(ctx); got != "tok-123" {
		t.Fatalf("token = %q", got)
	}
	if got := GetRequestID(ctx); got != "req_abc" {
		t.Fatalf("request id = %q", got)
	}
	if got := GetRemoteAddr(ctx); got != "10.0.0.1:4242" {
		t.Fatalf("remote addr = %q", got)
	}
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	if GetCaller(ctx) != "" || GetCallerToken(ctx) != "" || GetRequestID(ctx) != "" {
		t.Fatal("unset keys must read as empty strings")
	}
}
