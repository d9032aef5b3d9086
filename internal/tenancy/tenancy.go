// Package tenancy abstracts the three tenancy topologies behind one
// contract so the rest of the system never branches on mode directly.
// The resolved Scope is an explicit value threaded through context,
// never a mutable global.
package tenancy

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects how tenant isolation is implemented.
type Mode string

const (
	// ModeSingle runs without tenant isolation.
	ModeSingle Mode = "single"
	// ModeTeamScoped isolates tenants by a column on shared tables.
	ModeTeamScoped Mode = "team_scoped"
	// ModeMultiDatabase isolates tenants by database; connection routing
	// is owned by an external tenancy provider, the core only carries
	// the tenant identifier.
	ModeMultiDatabase Mode = "multi_database"
)

// ParseMode validates a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.TrimSpace(raw)) {
	case ModeSingle:
		return ModeSingle, nil
	case ModeTeamScoped:
		return ModeTeamScoped, nil
	case ModeMultiDatabase:
		return ModeMultiDatabase, nil
	default:
		return "", fmt.Errorf("tenancy: unknown mode %q", raw)
	}
}

// Scope is the resolved tenant context for one request. TenantID is empty
// when no tenant applies (single mode, team_scoped without a current team,
// multi_database on the central connection).
type Scope struct {
	Mode     Mode
	TenantID string
}

// Key returns the cache-safe scope key. It is a pure function of
// (Mode, TenantID) and stable for the lifetime of a request.
func (s Scope) Key() string {
	switch s.Mode {
	case ModeTeamScoped:
		if s.TenantID == "" {
			return "team_global"
		}
		return "team_" + sanitize(s.TenantID)
	case ModeMultiDatabase:
		if s.TenantID == "" {
			return "db_central"
		}
		return "db_" + sanitize(s.TenantID)
	default:
		return "global"
	}
}

// IsGlobal reports whether the scope carries no tenant.
func (s Scope) IsGlobal() bool {
	return s.Mode == ModeSingle || s.TenantID == ""
}

// TenantFunc resolves the current tenant identifier from the request
// context, typically by delegating to an external multi-tenancy provider.
type TenantFunc func(ctx context.Context) string

// Resolver computes the active Scope for a request.
type Resolver struct {
	mode     Mode
	tenantFn TenantFunc
}

// NewResolver builds a Resolver for the configured mode. tenantFn may be
// nil; it is consulted only in multi_database mode.
func NewResolver(mode Mode, tenantFn TenantFunc) *Resolver {
	return &Resolver{mode: mode, tenantFn: tenantFn}
}

// Mode returns the configured tenancy mode.
func (r *Resolver) Mode() Mode {
	return r.mode
}

// Resolve returns the Scope for ctx. Precedence: explicit override, then
// the ambient tenant set by request middleware, then (multi_database only)
// the pluggable resolver callback. A missing tenant resolves to an empty
// TenantID, not an error; callers needing a tenant must check for it.
func (r *Resolver) Resolve(ctx context.Context) Scope {
	scope := Scope{Mode: r.mode}
	if r.mode == ModeSingle {
		return scope
	}
	if id, ok := overrideFromContext(ctx); ok {
		scope.TenantID = id
		return scope
	}
	if id := ambientFromContext(ctx); id != "" {
		scope.TenantID = id
		return scope
	}
	if r.mode == ModeMultiDatabase && r.tenantFn != nil {
		scope.TenantID = r.tenantFn(ctx)
	}
	return scope
}

type scopeContextKey struct{}
type overrideContextKey struct{}
type ambientContextKey struct{}

// WithScope stores the resolved scope in context so downstream storage
// scoping sees the tenant. This is the only side effect of resolution.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext extracts the resolved scope. The zero Scope (single
// mode, no tenant) is returned when nothing was stored.
func ScopeFromContext(ctx context.Context) Scope {
	scope, _ := ctx.Value(scopeContextKey{}).(Scope)
	return scope
}

// WithTenant sets an explicit tenant override, taking precedence over the
// ambient tenant. Used for administrative or cross-tenant operations.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, overrideContextKey{}, &id)
}

// ClearTenant removes any explicit override so resolution falls back to
// the ambient tenant.
func ClearTenant(ctx context.Context) context.Context {
	return context.WithValue(ctx, overrideContextKey{}, (*string)(nil))
}

// WithAmbientTenant stores the tenant resolved by request middleware,
// e.g. from a header or the authenticated user's team.
func WithAmbientTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ambientContextKey{}, id)
}

func overrideFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(overrideContextKey{}).(*string)
	if !ok || id == nil {
		return "", false
	}
	return *id, true
}

func ambientFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ambientContextKey{}).(string)
	return id
}

func sanitize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
