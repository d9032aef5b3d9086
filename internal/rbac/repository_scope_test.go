package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
)

func teamCtx(tenantID string) context.Context {
	return tenancy.WithScope(context.Background(), tenancy.Scope{Mode: tenancy.ModeTeamScoped, TenantID: tenantID})
}

func TestTenantClauseConstruction(t *testing.T) {
	// Single mode (zero scope): no filter.
	clause, args := tenantClause(context.Background(), 2)
	assert.Empty(t, clause)
	assert.Nil(t, args)

	// Team scope without a tenant sees global rows alone.
	clause, args = tenantClause(teamCtx(""), 2)
	assert.Equal(t, " AND tenant_id IS NULL", clause)
	assert.Nil(t, args)

	clause, args = tenantClause(teamCtx("acme"), 3)
	assert.Equal(t, " AND (tenant_id IS NULL OR tenant_id = $3)", clause)
	assert.Equal(t, []any{"acme"}, args)

	// multi_database isolates by connection routing, not by row filter.
	multi := tenancy.WithScope(context.Background(), tenancy.Scope{Mode: tenancy.ModeMultiDatabase, TenantID: "acme"})
	clause, args = tenantClause(multi, 2)
	assert.Empty(t, clause)
	assert.Nil(t, args)

	require.Nil(t, tenantValue(teamCtx("")))
	id := tenantValue(teamCtx("acme"))
	require.NotNil(t, id)
	assert.Equal(t, "acme", *id)
}

func TestTenantScopedRowsCoexistAndShadow(t *testing.T) {
	store := newFakeStore()
	global := teamCtx("")
	ctxA := teamCtx("acme")
	ctxB := teamCtx("bravo")

	shared, err := store.CreateRole(global, Role{Name: "editor", Guard: "web", Active: true})
	require.NoError(t, err)
	ownA, err := store.CreateRole(ctxA, Role{Name: "editor", Guard: "web", Active: true})
	require.NoError(t, err)
	assert.Equal(t, "acme", ownA.TenantID)
	auditorB, err := store.CreateRole(ctxB, Role{Name: "auditor", Guard: "web", Active: true})
	require.NoError(t, err)

	// The same name twice within one tenant is still a conflict.
	var ve *ValidationError
	_, err = store.CreateRole(ctxA, Role{Name: "editor", Guard: "web", Active: true})
	require.ErrorAs(t, err, &ve)

	// Tenant A resolves its own editor; tenant B falls back to the
	// global row.
	found, err := store.FindRoleByName(ctxA, "web", "editor")
	require.NoError(t, err)
	assert.Equal(t, ownA.ID, found.ID)

	found, err = store.FindRoleByName(ctxB, "web", "editor")
	require.NoError(t, err)
	assert.Equal(t, shared.ID, found.ID)
	assert.Empty(t, found.TenantID)

	// Listings are own rows plus global rows, tenant rows shadowing
	// global ones of the same name.
	listA, err := store.ListRoles(ctxA, "web")
	require.NoError(t, err)
	require.Len(t, listA, 1)
	assert.Equal(t, ownA.ID, listA[0].ID)

	listB, err := store.ListRoles(ctxB, "web")
	require.NoError(t, err)
	ids := make([]int64, 0, len(listB))
	for _, role := range listB {
		ids = append(ids, role.ID)
	}
	assert.ElementsMatch(t, []int64{shared.ID, auditorB.ID}, ids)

	// The empty tenant scope sees global rows only.
	listGlobal, err := store.ListRoles(global, "web")
	require.NoError(t, err)
	require.Len(t, listGlobal, 1)
	assert.Equal(t, shared.ID, listGlobal[0].ID)

	// Permissions follow the same policy.
	sharedPerm, err := store.CreatePermission(global, Permission{Name: "posts.view", Guard: "web", Group: "posts", Active: true})
	require.NoError(t, err)
	ownPerm, err := store.CreatePermission(ctxA, Permission{Name: "posts.view", Guard: "web", Group: "posts", Active: true})
	require.NoError(t, err)

	perm, err := store.FindPermissionByName(ctxA, "web", "posts.view")
	require.NoError(t, err)
	assert.Equal(t, ownPerm.ID, perm.ID)

	perm, err = store.FindPermissionByName(ctxB, "web", "posts.view")
	require.NoError(t, err)
	assert.Equal(t, sharedPerm.ID, perm.ID)
}

func TestTenantScopedGrantsStayIsolatedInMatrixFetch(t *testing.T) {
	store := newFakeStore()
	global := teamCtx("")
	ctxA := teamCtx("acme")

	shared, err := store.CreateRole(global, Role{Name: "editor", Guard: "web", Active: true})
	require.NoError(t, err)
	ownA, err := store.CreateRole(ctxA, Role{Name: "editor", Guard: "web", Active: true})
	require.NoError(t, err)

	view := store.addPermission("posts.view", "web", "posts")
	edit := store.addPermission("posts.edit", "web", "posts")
	store.grant(shared.ID, view.ID)
	store.grant(ownA.ID, edit.ID)

	// Under tenant A the join sees only the shadowing role and its own
	// grants; the global editor's grants never leak in.
	grants, err := store.ListRoleGrants(ctxA, "web")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, ownA.ID, grants[0].Role.ID)
	assert.Equal(t, []int64{edit.ID}, grants[0].PermissionIDs)

	grants, err = store.ListRoleGrants(global, "web")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, shared.ID, grants[0].Role.ID)
	assert.Equal(t, []int64{view.ID}, grants[0].PermissionIDs)
}
