package rbac

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-iam/gatehouse/internal/guard"
	"github.com/gatehouse-iam/gatehouse/internal/observability"
)

// MatrixService builds the full Role×Permission grid for a guard. A build
// issues at most two store fetches regardless of role and permission
// count: one roles-with-associations join and one permission list. Every
// cell is answered from the in-memory association set, never by a query
// per cell.
type MatrixService struct {
	store   Store
	cache   *KeyBuilder
	guards  *guard.Resolver
	locales LocalePolicy
	logger  *slog.Logger
	metrics *observability.CacheMetrics

	builds singleflight.Group
}

// NewMatrixService constructs a MatrixService. metrics may be nil.
func NewMatrixService(store Store, cache *KeyBuilder, guards *guard.Resolver, locales LocalePolicy, logger *slog.Logger, metrics *observability.CacheMetrics) *MatrixService {
	return &MatrixService{store: store, cache: cache, guards: guards, locales: locales, logger: logger, metrics: metrics}
}

// Build returns the matrix for the guard resolved from ctx.
func (s *MatrixService) Build(ctx context.Context) (Matrix, error) {
	return s.remembered(ctx, baseKeyMatrix, s.guards.Guard(ctx))
}

// ForGuard returns the matrix for an explicit guard, cached under its own
// per-guard key.
func (s *MatrixService) ForGuard(ctx context.Context, g string) (Matrix, error) {
	scoped, err := s.guards.WithGuard(ctx, g)
	if err != nil {
		return Matrix{}, err
	}
	return s.remembered(scoped, baseKeyMatrix+":"+g, g)
}

func (s *MatrixService) remembered(ctx context.Context, base, g string) (Matrix, error) {
	var m Matrix
	if s.cache.Lookup(ctx, base, &m) {
		s.hit(g)
		return m, nil
	}
	s.miss(g)
	key := s.cache.Key(ctx, base)
	result, err, _ := s.builds.Do(key, func() (any, error) {
		var built Matrix
		err := s.cache.Remember(ctx, base, 0, &built, func(ctx context.Context) (any, error) {
			return s.buildMatrix(ctx, g)
		})
		return built, err
	})
	if err != nil {
		return Matrix{}, err
	}
	return result.(Matrix), nil
}

// BuildGrouped returns the matrix organized by permission group, cached
// separately from the flat matrix.
func (s *MatrixService) BuildGrouped(ctx context.Context) (GroupedMatrix, error) {
	g := s.guards.Guard(ctx)
	var grouped GroupedMatrix
	if s.cache.Lookup(ctx, baseKeyGrouped, &grouped) {
		s.hit(g)
		return grouped, nil
	}
	s.miss(g)
	key := s.cache.Key(ctx, baseKeyGrouped)
	result, err, _ := s.builds.Do(key, func() (any, error) {
		var built GroupedMatrix
		err := s.cache.Remember(ctx, baseKeyGrouped, 0, &built, func(ctx context.Context) (any, error) {
			grants, perms, err := s.fetch(ctx, g)
			if err != nil {
				return nil, err
			}
			m := s.assemble(ctx, g, grants, perms)
			return s.group(ctx, m, perms), nil
		})
		return built, err
	})
	if err != nil {
		return GroupedMatrix{}, err
	}
	return result.(GroupedMatrix), nil
}

// PermissionsForRole derives a role's permissions by scanning the built
// matrix; there is no separate query path.
func (s *MatrixService) PermissionsForRole(ctx context.Context, roleID int64) ([]MatrixPermission, error) {
	m, err := s.Build(ctx)
	if err != nil {
		return nil, err
	}
	var roleName string
	for _, role := range m.Roles {
		if role.ID == roleID {
			roleName = role.Name
			break
		}
	}
	if roleName == "" {
		return nil, ErrNotFound
	}
	var perms []MatrixPermission
	for _, row := range m.Rows {
		if cell, ok := row.Roles[roleName]; ok && cell.HasPermission {
			perms = append(perms, row.MatrixPermission)
		}
	}
	return perms, nil
}

// RolesWithPermission derives the roles holding a permission by scanning
// the built matrix.
func (s *MatrixService) RolesWithPermission(ctx context.Context, permissionID int64) ([]MatrixRole, error) {
	m, err := s.Build(ctx)
	if err != nil {
		return nil, err
	}
	var row *MatrixRow
	for i := range m.Rows {
		if m.Rows[i].ID == permissionID {
			row = &m.Rows[i]
			break
		}
	}
	if row == nil {
		return nil, ErrNotFound
	}
	var roles []MatrixRole
	for _, role := range m.Roles {
		if cell, ok := row.Roles[role.Name]; ok && cell.HasPermission {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// Invalidate evicts every cached matrix variant. Mutations flush eagerly
// across all guards, tenant scopes and locales instead of letting stale
// entries run out their TTL; a reader under another locale or scope must
// never observe a pre-mutation matrix.
func (s *MatrixService) Invalidate(ctx context.Context) {
	s.cache.Flush(ctx)
}

// CacheStats introspects the matrix cache for the current context without
// mutating it.
func (s *MatrixService) CacheStats(ctx context.Context) CacheStats {
	return CacheStats{
		CacheEnabled: s.cache.Enabled(),
		CacheKey:     s.cache.Key(ctx, baseKeyMatrix),
		TTL:          s.cache.TTL(),
		IsCached:     s.cache.Lookup(ctx, baseKeyMatrix, nil),
	}
}

func (s *MatrixService) buildMatrix(ctx context.Context, g string) (Matrix, error) {
	grants, perms, err := s.fetch(ctx, g)
	if err != nil {
		return Matrix{}, err
	}
	return s.assemble(ctx, g, grants, perms), nil
}

// fetch performs the two primary store round trips of a build.
func (s *MatrixService) fetch(ctx context.Context, g string) ([]RoleGrants, []Permission, error) {
	grants, err := s.store.ListRoleGrants(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	perms, err := s.store.ListPermissions(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	return grants, perms, nil
}

func (s *MatrixService) assemble(ctx context.Context, g string, grants []RoleGrants, perms []Permission) Matrix {
	locale := LocaleFromContext(ctx)

	held := make(map[int64]map[int64]struct{}, len(grants))
	roles := make([]MatrixRole, 0, len(grants))
	for _, grant := range grants {
		set := make(map[int64]struct{}, len(grant.PermissionIDs))
		for _, id := range grant.PermissionIDs {
			set[id] = struct{}{}
		}
		held[grant.Role.ID] = set
		label := s.locales.Resolve(grant.Role.Label, locale)
		if label == "" {
			label = grant.Role.Name
		}
		roles = append(roles, MatrixRole{ID: grant.Role.ID, Name: grant.Role.Name, Label: label})
	}

	permissions := make([]MatrixPermission, 0, len(perms))
	rows := make([]MatrixRow, 0, len(perms))
	for _, perm := range perms {
		label := s.locales.Resolve(perm.Label, locale)
		if label == "" {
			label = perm.Name
		}
		mp := MatrixPermission{ID: perm.ID, Name: perm.Name, Label: label, Group: perm.Group}
		permissions = append(permissions, mp)

		cells := make(map[string]MatrixCell, len(roles))
		for _, grant := range grants {
			_, has := held[grant.Role.ID][perm.ID]
			cells[grant.Role.Name] = MatrixCell{RoleID: grant.Role.ID, HasPermission: has}
		}
		rows = append(rows, MatrixRow{MatrixPermission: mp, Roles: cells})
	}
	// Permissions arrive ordered by (group, name) from the store; keep the
	// rows aligned with that order.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Group != rows[j].Group {
			return rows[i].Group < rows[j].Group
		}
		return rows[i].Name < rows[j].Name
	})
	return Matrix{Guard: g, Roles: roles, Permissions: permissions, Rows: rows}
}

func (s *MatrixService) group(ctx context.Context, m Matrix, perms []Permission) GroupedMatrix {
	locale := LocaleFromContext(ctx)
	grouped := GroupedMatrix{Guard: m.Guard, Roles: m.Roles, Groups: make(map[string]PermissionGroup)}

	labels := make(map[string]Label)
	for _, p := range perms {
		if len(p.GroupLabel) > 0 {
			labels[p.Group] = p.GroupLabel
		}
	}
	for _, row := range m.Rows {
		name := row.Group
		if name == "" {
			name = "general"
		}
		group := grouped.Groups[name]
		if group.Label == "" {
			group.Label = s.locales.Resolve(labels[row.Group], locale)
			if group.Label == "" {
				group.Label = name
			}
		}
		group.Permissions = append(group.Permissions, row.MatrixPermission)
		grouped.Groups[name] = group
	}
	return grouped
}

func (s *MatrixService) hit(g string) {
	if s.metrics != nil {
		s.metrics.Hit(g)
	}
}

func (s *MatrixService) miss(g string) {
	if s.metrics != nil {
		s.metrics.Miss(g)
	}
}
