// Package guard resolves the active authentication guard, a named and
// isolated permission namespace such as "web" or "api".
package guard

import (
	"context"
	"fmt"
)

// ErrInvalidGuard indicates a guard outside the configured set. It is
// surfaced immediately and never silently substituted.
var ErrInvalidGuard = fmt.Errorf("guard: invalid guard")

// Resolver validates guards against the configured set and resolves the
// active guard for a request.
type Resolver struct {
	def       string
	available map[string]struct{}
	order     []string
}

// NewResolver builds a Resolver. The default guard is appended to the
// available set when missing so the zero configuration stays usable.
func NewResolver(def string, available []string) *Resolver {
	r := &Resolver{def: def, available: make(map[string]struct{}, len(available)+1)}
	for _, g := range available {
		if g == "" {
			continue
		}
		if _, ok := r.available[g]; !ok {
			r.available[g] = struct{}{}
			r.order = append(r.order, g)
		}
	}
	if _, ok := r.available[def]; !ok && def != "" {
		r.available[def] = struct{}{}
		r.order = append(r.order, def)
	}
	return r
}

// Default returns the configured default guard.
func (r *Resolver) Default() string {
	return r.def
}

// Available returns the configured guards in configuration order.
func (r *Resolver) Available() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsValid reports whether g belongs to the configured guard set.
func (r *Resolver) IsValid(g string) bool {
	_, ok := r.available[g]
	return ok
}

// Guard resolves the active guard: context override first, then the
// package default.
func (r *Resolver) Guard(ctx context.Context) string {
	if g := fromContext(ctx); g != "" {
		return g
	}
	return r.def
}

// WithGuard returns a context carrying g as the active guard, or
// ErrInvalidGuard when g is not configured.
func (r *Resolver) WithGuard(ctx context.Context, g string) (context.Context, error) {
	if !r.IsValid(g) {
		return ctx, fmt.Errorf("%w: %q", ErrInvalidGuard, g)
	}
	return context.WithValue(ctx, guardContextKey{}, g), nil
}

// WithGuardFn runs fn under a temporary guard override. The override is
// confined to the derived context, so the caller's guard is untouched even
// when fn fails.
func (r *Resolver) WithGuardFn(ctx context.Context, g string, fn func(ctx context.Context) error) error {
	scoped, err := r.WithGuard(ctx, g)
	if err != nil {
		return err
	}
	return fn(scoped)
}

type guardContextKey struct{}

func fromContext(ctx context.Context) string {
	g, _ := ctx.Value(guardContextKey{}).(string)
	return g
}
