package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-iam/gatehouse/internal/guard"
	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
)

func newMatrixFixture(t *testing.T, locales LocalePolicy) (*fakeStore, *MatrixService, *KeyBuilder) {
	t.Helper()
	store := newFakeStore()
	guards := guard.NewResolver("web", []string{"web", "api"})
	tenants := tenancy.NewResolver(tenancy.ModeSingle, nil)
	keys := NewKeyBuilder("test.rbac", true, time.Minute, NewMemoryCache(), guards, tenants, locales, nil)
	matrix := NewMatrixService(store, keys, guards, locales, nil, nil)
	return store, matrix, keys
}

func seedMatrix(store *fakeStore) (Role, Role, Permission, Permission, Permission) {
	admin := store.addRole("admin", "web")
	editor := store.addRole("editor", "web")
	view := store.addPermission("posts.view", "web", "posts")
	edit := store.addPermission("posts.edit", "web", "posts")
	users := store.addPermission("users.view", "web", "users")
	store.grant(admin.ID, view.ID)
	store.grant(admin.ID, edit.ID)
	store.grant(admin.ID, users.ID)
	store.grant(editor.ID, view.ID)
	return admin, editor, view, edit, users
}

func TestBuildIssuesTwoFetchesAndCaches(t *testing.T) {
	store, matrix, _ := newMatrixFixture(t, NewLocalePolicy(false, nil, "en", "en"))
	seedMatrix(store)

	ctx := context.Background()
	m, err := matrix.Build(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, store.listGrantsCalls)
	assert.Equal(t, 1, store.listPermsCalls)

	assert.Equal(t, "web", m.Guard)
	require.Len(t, m.Roles, 2)
	require.Len(t, m.Permissions, 3)
	require.Len(t, m.Rows, 3)

	// Second build is a cache hit: no further store traffic.
	_, err = matrix.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.listGrantsCalls)
	assert.Equal(t, 1, store.listPermsCalls)
}

func TestBuildCellCompleteness(t *testing.T) {
	store, matrix, _ := newMatrixFixture(t, NewLocalePolicy(false, nil, "en", "en"))
	admin, editor, _, edit, _ := seedMatrix(store)

	m, err := matrix.Build(context.Background())
	require.NoError(t, err)

	for _, row := range m.Rows {
		require.Len(t, row.Roles, 2, "row %s must carry a cell per role", row.Name)
	}
	var editRow *MatrixRow
	for i := range m.Rows {
		if m.Rows[i].ID == edit.ID {
			editRow = &m.Rows[i]
		}
	}
	require.NotNil(t, editRow)
	assert.True(t, editRow.Roles[admin.Name].HasPermission)
	assert.False(t, editRow.Roles[editor.Name].HasPermission)
}

func TestBuildGroupedSharesFetchBudget(t *testing.T) {
	store, matrix, _ := newMatrixFixture(t, NewLocalePolicy(false, nil, "en", "en"))
	seedMatrix(store)
	store.addPermission("loose_perm", "web", "")

	grouped, err := matrix.BuildGrouped(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, store.listGrantsCalls)
	assert.Equal(t, 1, store.listPermsCalls)

	require.Contains(t, grouped.Groups, "posts")
	require.Contains(t, grouped.Groups, "users")
	// Ungrouped permissions land in "general".
	require.Contains(t, grouped.Groups, "general")
	assert.Len(t, grouped.Groups["posts"].Permissions, 2)
}

func TestMatrixLabelLocalization(t *testing.T) {
	locales := NewLocalePolicy(true, []string{"en", "id"}, "en", "en")
	store, matrix, _ := newMatrixFixture(t, locales)
	role := store.addRole("admin", "web")
	perm := store.addPermission("posts.view", "web", "posts")
	store.mu.Lock()
	p := store.perms[perm.ID]
	p.Label = Label{"en": "View posts", "id": "Lihat pos"}
	store.perms[perm.ID] = p
	store.mu.Unlock()
	store.grant(role.ID, perm.ID)

	ctx := WithLocale(context.Background(), "id")
	m, err := matrix.Build(ctx)
	require.NoError(t, err)
	require.Len(t, m.Permissions, 1)
	assert.Equal(t, "Lihat pos", m.Permissions[0].Label)

	// Unlabelled entities fall back to their name.
	require.Len(t, m.Roles, 1)
	assert.Equal(t, "admin", m.Roles[0].Label)
}

func TestPermissionsForRoleAndRolesWithPermission(t *testing.T) {
	store, matrix, _ := newMatrixFixture(t, NewLocalePolicy(false, nil, "en", "en"))
	_, editor, view, _, _ := seedMatrix(store)

	ctx := context.Background()
	perms, err := matrix.PermissionsForRole(ctx, editor.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "posts.view", perms[0].Name)

	roles, err := matrix.RolesWithPermission(ctx, view.ID)
	require.NoError(t, err)
	require.Len(t, roles, 2)

	_, err = matrix.PermissionsForRole(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = matrix.RolesWithPermission(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForGuardValidatesAndCachesSeparately(t *testing.T) {
	store, matrix, _ := newMatrixFixture(t, NewLocalePolicy(false, nil, "en", "en"))
	seedMatrix(store)
	store.addPermission("tokens.issue", "api", "tokens")

	ctx := context.Background()
	_, err := matrix.ForGuard(ctx, "ghost")
	assert.ErrorIs(t, err, guard.ErrInvalidGuard)

	api, err := matrix.ForGuard(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "api", api.Guard)
	require.Len(t, api.Permissions, 1)

	web, err := matrix.ForGuard(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "web", web.Guard)
	assert.Len(t, web.Permissions, 3)
}

func TestInvalidateDropsCachedMatrix(t *testing.T) {
	store, matrix, _ := newMatrixFixture(t, NewLocalePolicy(false, nil, "en", "en"))
	seedMatrix(store)

	ctx := context.Background()
	_, err := matrix.Build(ctx)
	require.NoError(t, err)
	assert.True(t, matrix.CacheStats(ctx).IsCached)

	matrix.Invalidate(ctx)
	assert.False(t, matrix.CacheStats(ctx).IsCached)

	_, err = matrix.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.listGrantsCalls)
}

func TestCacheStats(t *testing.T) {
	store, matrix, _ := newMatrixFixture(t, NewLocalePolicy(false, nil, "en", "en"))
	seedMatrix(store)

	ctx := context.Background()
	stats := matrix.CacheStats(ctx)
	assert.True(t, stats.CacheEnabled)
	assert.Equal(t, "test.rbac:web:global:default:permission_matrix", stats.CacheKey)
	assert.Equal(t, time.Minute, stats.TTL)
	assert.False(t, stats.IsCached)

	_, err := matrix.Build(ctx)
	require.NoError(t, err)
	assert.True(t, matrix.CacheStats(ctx).IsCached)
}
