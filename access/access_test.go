package access

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/manifold/kit"
)

func testAuthorizer(t *testing.T) *StaticAuthorizer {
	t.Helper()
	a, err := NewStaticAuthorizer([]Grant{
		{Token: "tok-prop", Label: "release-bot", Roles: []Role{RoleProposer}},
		{Token: "tok-all", Label: "ops", Roles: []Role{RoleProposer, RoleActivator, RoleGuardian}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func ctxWithToken(token string) context.Context {
	return kit.WithCallerToken(context.Background(), token)
}

func TestAllowGrantedRole(t *testing.T) {
	a := testAuthorizer(t)
	if err := a.Allow(ctxWithToken("tok-prop"), RoleProposer); err != nil {
		t.Fatal(err)
	}
	if err := a.Allow(ctxWithToken("tok-all"), RoleGuardian); err != nil {
		t.Fatal(err)
	}
}

func TestDenyMissingRole(t *testing.T) {
	a := testAuthorizer(t)
	err := a.Allow(ctxWithToken("tok-prop"), RoleGuardian)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestDenyUnknownToken(t *testing.T) {
	a := testAuthorizer(t)
	if err := a.Allow(ctxWithToken("stolen"), RoleProposer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestDenyNoToken(t *testing.T) {
	a := testAuthorizer(t)
	if err := a.Allow(context.Background(), RoleProposer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRejectUnknownRoleName(t *testing.T) {
	_, err := NewStaticAuthorizer([]Grant{
		{Token: "t", Roles: []Role{Role("superuser")}},
	})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestRejectEmptyToken(t *testing.T) {
	if _, err := NewStaticAuthorizer([]Grant{{Roles: []Role{RoleProposer}}}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestLabel(t *testing.T) {
	a := testAuthorizer(t)
	if got := a.Label("tok-all"); got != "ops" {
		t.Fatalf("label = %q", got)
	}
	if got := a.Label("missing"); got != "" {
		t.Fatalf("label for unknown token = %q, want empty", got)
	}
}

func TestAllowAll(t *testing.T) {
	if err := (AllowAll{}).Allow(context.Background(), RoleGuardian); err != nil {
		t.Fatal(err)
	}
}
