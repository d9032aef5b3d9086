package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/gatehouse-iam/gatehouse/internal/guard"
)

// SyncService is the single source of truth for mutating role↔permission
// associations. It supports exact names plus two wildcard forms: "*"
// expands to every permission name under the guard, "<group>.*" to every
// name with that literal prefix followed by a dot.
type SyncService struct {
	store  Store
	cache  *KeyBuilder
	matrix *MatrixService
	guards *guard.Resolver
	seed   SeedConfig
	events EventPublisher
	logger *slog.Logger
}

// NewSyncService constructs a SyncService. events may be nil.
func NewSyncService(store Store, cache *KeyBuilder, matrix *MatrixService, guards *guard.Resolver, seed SeedConfig, events EventPublisher, logger *slog.Logger) *SyncService {
	return &SyncService{store: store, cache: cache, matrix: matrix, guards: guards, seed: seed, events: events, logger: logger}
}

// MatchesPattern reports whether a permission name is denoted by a
// pattern: "*" matches everything, "<group>.*" matches the literal prefix
// (multi-level names such as "posts.comments.read" match "posts.*"), and
// anything else is exact equality.
func MatchesPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(name, prefix+".")
	}
	return pattern == name
}

// ExpandWildcards resolves patterns into concrete permission names for a
// guard (the context guard when g is empty). Literal names pass through
// whether or not they exist; wildcards expand only to existing names.
// The result is deduplicated; callers needing determinism must sort.
func (s *SyncService) ExpandWildcards(ctx context.Context, patterns []string, g string) ([]string, error) {
	if g == "" {
		g = s.guards.Guard(ctx)
	}
	if !s.guards.IsValid(g) {
		return nil, guard.ErrInvalidGuard
	}
	var existing []string
	loaded := false
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pattern != "*" && !strings.HasSuffix(pattern, ".*") {
			add(pattern)
			continue
		}
		if !loaded {
			perms, err := s.store.ListPermissions(ctx, g)
			if err != nil {
				return nil, err
			}
			existing = make([]string, 0, len(perms))
			for _, p := range perms {
				existing = append(existing, p.Name)
			}
			loaded = true
		}
		for _, name := range existing {
			if MatchesPattern(pattern, name) {
				add(name)
			}
		}
	}
	return names, nil
}

// DiffSync reconciles a role's permission set from a grant/revoke delta
// inside one transaction, grants before revokes. Unresolvable names are
// reported as skips, never as errors; any store failure rolls the whole
// call back. A domain event is emitted only when something changed.
//
// Two concurrent calls against the same role race last-committed-wins:
// the second commit applies atop whatever the first committed, not atop
// the snapshot it observed. The transaction is the only exclusion
// mechanism; no version counter is kept.
func (s *SyncService) DiffSync(ctx context.Context, roleID int64, grant, revoke []string) (DiffResult, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return DiffResult{}, err
	}
	grantNames, err := s.ExpandWildcards(ctx, grant, role.Guard)
	if err != nil {
		return DiffResult{}, err
	}
	revokeNames, err := s.ExpandWildcards(ctx, revoke, role.Guard)
	if err != nil {
		return DiffResult{}, err
	}

	result := DiffResult{Granted: []string{}, Revoked: []string{}, Skipped: []SkippedPermission{}}
	var resulting []string
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		current, err := tx.RolePermissionNames(ctx, roleID)
		if err != nil {
			return err
		}
		held := make(map[string]struct{}, len(current))
		for _, name := range current {
			held[name] = struct{}{}
		}
		perms, err := tx.ListPermissions(ctx, role.Guard)
		if err != nil {
			return err
		}
		byName := make(map[string]Permission, len(perms))
		for _, p := range perms {
			byName[p.Name] = p
		}

		for _, name := range grantNames {
			if _, ok := held[name]; ok {
				result.Skipped = append(result.Skipped, SkippedPermission{Permission: name, Reason: SkipAlreadyGranted})
				continue
			}
			perm, ok := byName[name]
			if !ok {
				result.Skipped = append(result.Skipped, SkippedPermission{Permission: name, Reason: SkipNotFound})
				continue
			}
			if err := tx.AttachPermission(ctx, roleID, perm.ID); err != nil {
				return err
			}
			held[name] = struct{}{}
			result.Granted = append(result.Granted, name)
		}
		for _, name := range revokeNames {
			if _, ok := held[name]; !ok {
				result.Skipped = append(result.Skipped, SkippedPermission{Permission: name, Reason: SkipNotAssigned})
				continue
			}
			perm, ok := byName[name]
			if !ok {
				result.Skipped = append(result.Skipped, SkippedPermission{Permission: name, Reason: SkipNotAssigned})
				continue
			}
			if err := tx.DetachPermission(ctx, roleID, perm.ID); err != nil {
				return err
			}
			delete(held, name)
			result.Revoked = append(result.Revoked, name)
		}
		resulting = make([]string, 0, len(held))
		for name := range held {
			resulting = append(resulting, name)
		}
		sort.Strings(resulting)
		return nil
	})
	if err != nil {
		return DiffResult{}, err
	}

	if len(result.Granted) > 0 || len(result.Revoked) > 0 {
		s.invalidate(ctx)
		s.publish(ctx, role, resulting)
	}
	return result, nil
}

// AssignPermissions replaces the role's permission set with exactly the
// given IDs. IDs belonging to other guards are silently excluded from the
// effective set.
func (s *SyncService) AssignPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	perms, err := s.store.ListPermissions(ctx, role.Guard)
	if err != nil {
		return Role{}, err
	}
	byID := make(map[int64]Permission, len(perms))
	byName := make(map[string]Permission, len(perms))
	for _, p := range perms {
		byID[p.ID] = p
		byName[p.Name] = p
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, ok := byID[id]; ok {
			keep[id] = struct{}{}
		}
	}

	changed := false
	var resulting []string
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		current, err := tx.RolePermissionNames(ctx, roleID)
		if err != nil {
			return err
		}
		existing := make(map[int64]struct{}, len(current))
		for _, name := range current {
			if p, ok := byName[name]; ok {
				existing[p.ID] = struct{}{}
			}
		}
		for id := range keep {
			if _, ok := existing[id]; ok {
				continue
			}
			if err := tx.AttachPermission(ctx, roleID, id); err != nil {
				return err
			}
			changed = true
		}
		for id := range existing {
			if _, ok := keep[id]; ok {
				continue
			}
			if err := tx.DetachPermission(ctx, roleID, id); err != nil {
				return err
			}
			changed = true
		}
		resulting = make([]string, 0, len(keep))
		for id := range keep {
			resulting = append(resulting, byID[id].Name)
		}
		sort.Strings(resulting)
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	if changed {
		s.invalidate(ctx)
		s.publish(ctx, role, resulting)
	}
	return role, nil
}

// AddPermission attaches a single permission identified by ID or exact
// name; ErrNotFound when no match exists for the role's guard.
func (s *SyncService) AddPermission(ctx context.Context, roleID int64, idOrName string) error {
	role, perm, err := s.resolvePair(ctx, roleID, idOrName)
	if err != nil {
		return err
	}
	if err := s.store.AttachPermission(ctx, role.ID, perm.ID); err != nil {
		return err
	}
	s.invalidate(ctx)
	names, err := s.store.RolePermissionNames(ctx, role.ID)
	if err == nil {
		s.publish(ctx, role, names)
	}
	return nil
}

// RemovePermission detaches a single permission identified by ID or exact
// name.
func (s *SyncService) RemovePermission(ctx context.Context, roleID int64, idOrName string) error {
	role, perm, err := s.resolvePair(ctx, roleID, idOrName)
	if err != nil {
		return err
	}
	if err := s.store.DetachPermission(ctx, role.ID, perm.ID); err != nil {
		return err
	}
	s.invalidate(ctx)
	names, err := s.store.RolePermissionNames(ctx, role.ID)
	if err == nil {
		s.publish(ctx, role, names)
	}
	return nil
}

func (s *SyncService) resolvePair(ctx context.Context, roleID int64, idOrName string) (Role, Permission, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, Permission{}, err
	}
	var perm Permission
	if id, convErr := strconv.ParseInt(idOrName, 10, 64); convErr == nil {
		perm, err = s.store.GetPermission(ctx, id)
	} else {
		perm, err = s.store.FindPermissionByName(ctx, role.Guard, idOrName)
	}
	if err != nil {
		return Role{}, Permission{}, err
	}
	// Association rows only ever reference entities sharing one guard.
	if perm.Guard != role.Guard {
		return Role{}, Permission{}, ErrNotFound
	}
	return role, perm, nil
}

// SyncFromConfig replays the configured role→pattern mapping as a full
// replace per role (not a diff: anything outside the expanded set is
// removed from that role). One bad mapping never aborts the others. With
// prune, permissions absent from the configured catalogue are detached
// from all roles and deleted, soft delete first and a hard delete as the
// fallback, reporting individual failures instead of aborting the batch.
func (s *SyncService) SyncFromConfig(ctx context.Context, prune bool) (SeedResult, error) {
	g := s.guards.Guard(ctx)
	if !s.guards.IsValid(g) {
		return SeedResult{}, guard.ErrInvalidGuard
	}
	result := SeedResult{Synced: []SeedRoleResult{}, Errors: []SeedError{}}

	s.ensureCatalogue(ctx, g)

	roleNames := make([]string, 0, len(s.seed.Roles))
	for name := range s.seed.Roles {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)

	for _, roleName := range roleNames {
		role, err := s.store.FindRoleByName(ctx, g, roleName)
		if err != nil {
			result.Errors = append(result.Errors, SeedError{Role: roleName, Error: err.Error()})
			continue
		}
		names, err := s.ExpandWildcards(ctx, s.seed.Roles[roleName], g)
		if err != nil {
			result.Errors = append(result.Errors, SeedError{Role: roleName, Error: err.Error()})
			continue
		}
		synced, err := s.replace(ctx, role, names)
		if err != nil {
			result.Errors = append(result.Errors, SeedError{Role: roleName, Error: err.Error()})
			continue
		}
		sort.Strings(synced)
		result.Synced = append(result.Synced, SeedRoleResult{
			Role:             roleName,
			PermissionsCount: len(synced),
			Permissions:      synced,
		})
	}

	if prune {
		s.prune(ctx, g, &result)
	}
	s.invalidate(ctx)
	return result, nil
}

// ensureCatalogue creates missing catalogue permissions. Failures are
// logged and skipped; the seed run continues.
func (s *SyncService) ensureCatalogue(ctx context.Context, g string) {
	for _, entry := range s.seed.Permissions {
		_, err := s.store.FindPermissionByName(ctx, g, entry.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			s.logWarn("seed catalogue lookup", entry.Name, err)
			continue
		}
		group := entry.Group
		if group == "" {
			if i := strings.Index(entry.Name, "."); i > 0 {
				group = entry.Name[:i]
			}
		}
		_, err = s.store.CreatePermission(ctx, Permission{
			Name:        entry.Name,
			Guard:       g,
			Group:       group,
			Active:      true,
			Label:       entry.Label,
			Description: entry.Description,
		})
		if err != nil {
			s.logWarn("seed catalogue create", entry.Name, err)
		}
	}
}

// replace syncs a role to exactly the named set, returning the effective
// names (existing permissions only).
func (s *SyncService) replace(ctx context.Context, role Role, names []string) ([]string, error) {
	perms, err := s.store.ListPermissions(ctx, role.Guard)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Permission, len(perms))
	for _, p := range perms {
		byName[p.Name] = p
	}
	keep := make(map[int64]string, len(names))
	for _, name := range names {
		if p, ok := byName[name]; ok {
			keep[p.ID] = name
		}
	}

	changed := false
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		current, err := tx.RolePermissionNames(ctx, role.ID)
		if err != nil {
			return err
		}
		existing := make(map[int64]struct{}, len(current))
		for _, name := range current {
			if p, ok := byName[name]; ok {
				existing[p.ID] = struct{}{}
			}
		}
		for id := range keep {
			if _, ok := existing[id]; ok {
				continue
			}
			if err := tx.AttachPermission(ctx, role.ID, id); err != nil {
				return err
			}
			changed = true
		}
		for id := range existing {
			if _, ok := keep[id]; ok {
				continue
			}
			if err := tx.DetachPermission(ctx, role.ID, id); err != nil {
				return err
			}
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	effective := make([]string, 0, len(keep))
	for _, name := range keep {
		effective = append(effective, name)
	}
	if changed {
		sorted := append([]string(nil), effective...)
		sort.Strings(sorted)
		s.publish(ctx, role, sorted)
	}
	return effective, nil
}

func (s *SyncService) prune(ctx context.Context, g string, result *SeedResult) {
	catalogue := make(map[string]struct{}, len(s.seed.Permissions))
	for _, entry := range s.seed.Permissions {
		catalogue[entry.Name] = struct{}{}
	}
	perms, err := s.store.ListPermissions(ctx, g)
	if err != nil {
		result.PruneFailures = append(result.PruneFailures, PruneFailure{Permission: "*", Error: err.Error()})
		return
	}
	for _, perm := range perms {
		if _, ok := catalogue[perm.Name]; ok {
			continue
		}
		if err := s.store.DetachPermissionFromAllRoles(ctx, perm.ID); err != nil {
			result.PruneFailures = append(result.PruneFailures, PruneFailure{Permission: perm.Name, Error: err.Error()})
			continue
		}
		if err := s.store.SoftDeletePermission(ctx, perm.ID); err != nil {
			if err := s.store.ForceDeletePermission(ctx, perm.ID); err != nil {
				result.PruneFailures = append(result.PruneFailures, PruneFailure{Permission: perm.Name, Error: err.Error()})
				continue
			}
		}
		result.Pruned = append(result.Pruned, perm.Name)
	}
}

func (s *SyncService) invalidate(ctx context.Context) {
	if s.matrix != nil {
		s.matrix.Invalidate(ctx)
		return
	}
	s.cache.Flush(ctx)
}

func (s *SyncService) publish(ctx context.Context, role Role, permissions []string) {
	if s.events == nil {
		return
	}
	if err := s.events.PermissionsChanged(ctx, NewPermissionsChangedEvent(role, permissions)); err != nil {
		s.logWarn("publish permissions changed", role.Name, err)
	}
}

func (s *SyncService) logWarn(msg, name string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, slog.String("name", name), slog.Any("error", err))
	}
}
