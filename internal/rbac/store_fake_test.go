package rbac

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scopeVisible mirrors the repository's tenant clause: only team_scoped
// filters rows, an empty tenant sees global rows alone, and a tenant sees
// global rows plus its own.
func scopeVisible(ctx context.Context, tenantID string) bool {
	scope := tenancy.ScopeFromContext(ctx)
	if scope.Mode != tenancy.ModeTeamScoped {
		return true
	}
	if scope.TenantID == "" {
		return tenantID == ""
	}
	return tenantID == "" || tenantID == scope.TenantID
}

// fakeStore is an in-memory Store with call counters and error injection.
type fakeStore struct {
	mu     sync.Mutex
	roles  map[int64]Role
	perms  map[int64]Permission
	assoc  map[int64]map[int64]struct{}
	nextID int64

	listGrantsCalls int
	listPermsCalls  int
	attachCalls     int
	detachCalls     int
	txCalls         int

	attachErr      error
	attachErrAfter int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:  make(map[int64]Role),
		perms:  make(map[int64]Permission),
		assoc:  make(map[int64]map[int64]struct{}),
		nextID: 1,
	}
}

func (f *fakeStore) addRole(name, guard string) Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := Role{ID: f.nextID, Name: name, Guard: guard, Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.nextID++
	f.roles[role.ID] = role
	f.assoc[role.ID] = make(map[int64]struct{})
	return role
}

func (f *fakeStore) addPermission(name, guard, group string) Permission {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm := Permission{ID: f.nextID, Name: name, Guard: guard, Group: group, Active: true, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.nextID++
	f.perms[perm.ID] = perm
	return perm
}

func (f *fakeStore) grant(roleID, permID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assoc[roleID][permID] = struct{}{}
}

func (f *fakeStore) held(roleID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for id := range f.assoc[roleID] {
		names = append(names, f.perms[id].Name)
	}
	sort.Strings(names)
	return names
}

// WithTx snapshots the association table and restores it when fn fails,
// emulating a rollback.
func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	f.mu.Lock()
	f.txCalls++
	snapshot := make(map[int64]map[int64]struct{}, len(f.assoc))
	for roleID, set := range f.assoc {
		cp := make(map[int64]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		snapshot[roleID] = cp
	}
	f.mu.Unlock()

	if err := fn(ctx, f); err != nil {
		f.mu.Lock()
		f.assoc = snapshot
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	if err := validateName("name", role.Name); err != nil {
		return Role{}, err
	}
	if id := tenantValue(ctx); id != nil {
		role.TenantID = *id
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.roles {
		if existing.Name == role.Name && existing.Guard == role.Guard && existing.TenantID == role.TenantID && existing.DeletedAt == nil {
			return Role{}, &ValidationError{Field: "name", Message: "duplicate name for guard and tenant"}
		}
	}
	role.ID = f.nextID
	f.nextID++
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	f.roles[role.ID] = role
	f.assoc[role.ID] = make(map[int64]struct{})
	return role, nil
}

func (f *fakeStore) UpdateRole(_ context.Context, role Role) (Role, error) {
	if err := validateName("name", role.Name); err != nil {
		return Role{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.roles[role.ID]
	if !ok || existing.DeletedAt != nil {
		return Role{}, ErrNotFound
	}
	existing.Name = role.Name
	existing.Active = role.Active
	existing.Label = role.Label
	existing.Description = role.Description
	existing.UpdatedAt = time.Now()
	f.roles[role.ID] = existing
	return existing, nil
}

func (f *fakeStore) GetRole(_ context.Context, id int64) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[id]
	if !ok || role.DeletedAt != nil {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (f *fakeStore) FindRoleByName(ctx context.Context, guard, name string) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found Role
	var ok bool
	for _, role := range f.roles {
		if role.Guard != guard || role.Name != name || role.DeletedAt != nil || !scopeVisible(ctx, role.TenantID) {
			continue
		}
		// Tenant rows shadow the global row of the same name.
		if !ok || (found.TenantID == "" && role.TenantID != "") {
			found = role
			ok = true
		}
	}
	if !ok {
		return Role{}, ErrNotFound
	}
	return found, nil
}

func (f *fakeStore) ListRoles(ctx context.Context, guard string) ([]Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byName := make(map[string]Role)
	for _, role := range f.roles {
		if role.Guard != guard || role.DeletedAt != nil || !scopeVisible(ctx, role.TenantID) {
			continue
		}
		if existing, ok := byName[role.Name]; ok && !(existing.TenantID == "" && role.TenantID != "") {
			continue
		}
		byName[role.Name] = role
	}
	var roles []Role
	for _, role := range byName {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

func (f *fakeStore) ListRoleGrants(ctx context.Context, guard string) ([]RoleGrants, error) {
	roles, err := f.ListRoles(ctx, guard)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listGrantsCalls++
	var grants []RoleGrants
	for _, role := range roles {
		var ids []int64
		for id := range f.assoc[role.ID] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		grants = append(grants, RoleGrants{Role: role, PermissionIDs: ids})
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Role.ID < grants[j].Role.ID })
	return grants, nil
}

func (f *fakeStore) SoftDeleteRole(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[id]
	if !ok || role.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	role.DeletedAt = &now
	f.roles[id] = role
	return nil
}

func (f *fakeStore) RestoreRole(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[id]
	if !ok || role.DeletedAt == nil {
		return ErrNotFound
	}
	role.DeletedAt = nil
	role.Active = true
	f.roles[id] = role
	return nil
}

func (f *fakeStore) ForceDeleteRole(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[id]; !ok {
		return ErrNotFound
	}
	delete(f.roles, id)
	delete(f.assoc, id)
	return nil
}

func (f *fakeStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if err := validateName("name", perm.Name); err != nil {
		return Permission{}, err
	}
	if id := tenantValue(ctx); id != nil {
		perm.TenantID = *id
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.perms {
		if existing.Name == perm.Name && existing.Guard == perm.Guard && existing.TenantID == perm.TenantID && existing.DeletedAt == nil {
			return Permission{}, &ValidationError{Field: "name", Message: "duplicate name for guard and tenant"}
		}
	}
	perm.ID = f.nextID
	f.nextID++
	perm.CreatedAt = time.Now()
	perm.UpdatedAt = perm.CreatedAt
	f.perms[perm.ID] = perm
	return perm, nil
}

func (f *fakeStore) UpdatePermission(_ context.Context, perm Permission) (Permission, error) {
	if err := validateName("name", perm.Name); err != nil {
		return Permission{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.perms[perm.ID]
	if !ok || existing.DeletedAt != nil {
		return Permission{}, ErrNotFound
	}
	existing.Name = perm.Name
	existing.Group = perm.Group
	existing.Active = perm.Active
	existing.GroupLabel = perm.GroupLabel
	existing.Label = perm.Label
	existing.Description = perm.Description
	existing.UpdatedAt = time.Now()
	f.perms[perm.ID] = existing
	return existing, nil
}

func (f *fakeStore) GetPermission(_ context.Context, id int64) (Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm, ok := f.perms[id]
	if !ok || perm.DeletedAt != nil {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

func (f *fakeStore) FindPermissionByName(ctx context.Context, guard, name string) (Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found Permission
	var ok bool
	for _, perm := range f.perms {
		if perm.Guard != guard || perm.Name != name || perm.DeletedAt != nil || !scopeVisible(ctx, perm.TenantID) {
			continue
		}
		if !ok || (found.TenantID == "" && perm.TenantID != "") {
			found = perm
			ok = true
		}
	}
	if !ok {
		return Permission{}, ErrNotFound
	}
	return found, nil
}

func (f *fakeStore) ListPermissions(ctx context.Context, guard string) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPermsCalls++
	byName := make(map[string]Permission)
	for _, perm := range f.perms {
		if perm.Guard != guard || perm.DeletedAt != nil || !scopeVisible(ctx, perm.TenantID) {
			continue
		}
		if existing, ok := byName[perm.Name]; ok && !(existing.TenantID == "" && perm.TenantID != "") {
			continue
		}
		byName[perm.Name] = perm
	}
	var perms []Permission
	for _, perm := range byName {
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Group != perms[j].Group {
			return perms[i].Group < perms[j].Group
		}
		return perms[i].Name < perms[j].Name
	})
	return perms, nil
}

func (f *fakeStore) SoftDeletePermission(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm, ok := f.perms[id]
	if !ok || perm.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	perm.DeletedAt = &now
	f.perms[id] = perm
	return nil
}

func (f *fakeStore) RestorePermission(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm, ok := f.perms[id]
	if !ok || perm.DeletedAt == nil {
		return ErrNotFound
	}
	perm.DeletedAt = nil
	perm.Active = true
	f.perms[id] = perm
	return nil
}

func (f *fakeStore) ForceDeletePermission(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.perms[id]; !ok {
		return ErrNotFound
	}
	delete(f.perms, id)
	for _, set := range f.assoc {
		delete(set, id)
	}
	return nil
}

func (f *fakeStore) RolePermissionNames(_ context.Context, roleID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for id := range f.assoc[roleID] {
		if perm, ok := f.perms[id]; ok && perm.DeletedAt == nil {
			names = append(names, perm.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeStore) AttachPermission(_ context.Context, roleID, permissionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls++
	if f.attachErr != nil && f.attachCalls >= f.attachErrAfter {
		return f.attachErr
	}
	if f.assoc[roleID] == nil {
		f.assoc[roleID] = make(map[int64]struct{})
	}
	f.assoc[roleID][permissionID] = struct{}{}
	return nil
}

func (f *fakeStore) DetachPermission(_ context.Context, roleID, permissionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachCalls++
	delete(f.assoc[roleID], permissionID)
	return nil
}

func (f *fakeStore) DetachPermissionFromAllRoles(_ context.Context, permissionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range f.assoc {
		delete(set, permissionID)
	}
	return nil
}

var _ Store = (*fakeStore)(nil)
