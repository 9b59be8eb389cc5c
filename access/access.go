// Package access implements the role separation gating the manifest router:
// proposers commit roots, activators apply them, guardians hold the
// emergency powers (pause, forbid, immediate route removal).
//
// Authorization reads the caller token established by the transport layer
// (see kit.WithCallerToken); the router never inspects tokens itself, it
// asks an Authorizer whether the calling context holds a role.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/manifold/kit"
)

// Role names an authority class over the router.
type Role string

const (
	// RoleProposer may commit (and rollback-commit) pending roots.
	RoleProposer Role = "proposer"
	// RoleActivator may apply a committed root after the activation delay.
	RoleActivator Role = "activator"
	// RoleGuardian holds the emergency path: pause, forbid, remove routes.
	RoleGuardian Role = "guardian"
)

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleProposer, RoleActivator, RoleGuardian:
		return true
	}
	return false
}

// ErrUnauthorized is returned when the calling context does not hold the
// required role. Always fails closed.
var ErrUnauthorized = errors.New("access: unauthorized")

// Authorizer decides whether the calling context holds a role.
type Authorizer interface {
	Allow(ctx context.Context, role Role) error
}

// StaticAuthorizer maps bearer tokens to role sets. Built once from
// configuration at startup; lookups are read-only afterwards.
type StaticAuthorizer struct {
	grants map[string]map[Role]struct{}
	labels map[string]string
}

// Grant describes one token's authority.
type Grant struct {
	Token string
	Label string // caller identity recorded in audit entries
	Roles []Role
}

// NewStaticAuthorizer builds an authorizer from explicit grants.
// Unknown role names are rejected up front rather than silently ignored.
func NewStaticAuthorizer(grants []Grant) (*StaticAuthorizer, error) {
	a := &StaticAuthorizer{
		grants: make(map[string]map[Role]struct{}, len(grants)),
		labels: make(map[string]string, len(grants)),
	}
	for _, g := range grants {
		if g.Token == "" {
			return nil, errors.New("access: grant with empty token")
		}
		set := make(map[Role]struct{}, len(g.Roles))
		for _, r := range g.Roles {
			if !r.Valid() {
				return nil, fmt.Errorf("access: unknown role %q for token %q", r, g.Label)
			}
			set[r] = struct{}{}
		}
		a.grants[g.Token] = set
		a.labels[g.Token] = g.Label
	}
	return a, nil
}

// Allow checks that the caller token in ctx holds role.
func (a *StaticAuthorizer) Allow(ctx context.Context, role Role) error {
	token := kit.GetCallerToken(ctx)
	if token == "" {
		return fmt.Errorf("%w: no caller token (role %s required)", ErrUnauthorized, role)
	}
	set, ok := a.grants[token]
	if !ok {
		return fmt.Errorf("%w: unknown token (role %s required)", ErrUnauthorized, role)
	}
	if _, ok := set[role]; !ok {
		return fmt.Errorf("%w: role %s required", ErrUnauthorized, role)
	}
	return nil
}

// Label returns the configured identity label for a token, or "" when the
// token is unknown.
func (a *StaticAuthorizer) Label(token string) string {
	return a.labels[token]
}

// AllowAll authorizes every role for every caller. For tests and for
// embedding the router as a library behind the host's own access control.
type AllowAll struct{}

// Allow always succeeds.
func (AllowAll) Allow(context.Context, Role) error { return nil }
