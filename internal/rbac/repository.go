package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-iam/gatehouse/internal/platform/db"
	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
)

// RoleGrants couples a role with the IDs of its attached permissions, as
// produced by the single matrix join query.
type RoleGrants struct {
	Role          Role
	PermissionIDs []int64
}

// Store is the persistence contract for roles, permissions and their
// associations. Implementations apply the tenant scoping policy from the
// scope stored in ctx; in team_scoped mode every query matches global rows
// (NULL tenant) plus the current tenant's rows, preferring the latter on
// duplicate names.
type Store interface {
	// WithTx runs fn inside one transaction; any error rolls the whole
	// batch back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	FindRoleByName(ctx context.Context, guard, name string) (Role, error)
	ListRoles(ctx context.Context, guard string) ([]Role, error)
	ListRoleGrants(ctx context.Context, guard string) ([]RoleGrants, error)
	SoftDeleteRole(ctx context.Context, id int64) error
	RestoreRole(ctx context.Context, id int64) error
	ForceDeleteRole(ctx context.Context, id int64) error

	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	UpdatePermission(ctx context.Context, perm Permission) (Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	FindPermissionByName(ctx context.Context, guard, name string) (Permission, error)
	ListPermissions(ctx context.Context, guard string) ([]Permission, error)
	SoftDeletePermission(ctx context.Context, id int64) error
	RestorePermission(ctx context.Context, id int64) error
	ForceDeletePermission(ctx context.Context, id int64) error

	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermissionFromAllRoles(ctx context.Context, permissionID int64) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
	db   querier
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

// WithTx executes fn within a RepeatableRead transaction. Nested calls
// reuse the surrounding transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if r.pool == nil {
		return fn(ctx, r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &Repository{db: tx})
	})
}

const roleColumns = "id, name, guard_name, status, label, description, tenant_id, created_at, updated_at, deleted_at"
const permissionColumns = "id, name, guard_name, group_name, status, group_label, label, description, tenant_id, created_at, updated_at, deleted_at"

// tenantClause returns the scoping predicate for the current tenancy
// scope. Only team_scoped mode filters rows; multi_database relies on
// connection routing, not row filters.
func tenantClause(ctx context.Context, argPos int) (string, []any) {
	scope := tenancy.ScopeFromContext(ctx)
	if scope.Mode != tenancy.ModeTeamScoped {
		return "", nil
	}
	if scope.TenantID == "" {
		return " AND tenant_id IS NULL", nil
	}
	return fmt.Sprintf(" AND (tenant_id IS NULL OR tenant_id = $%d)", argPos), []any{scope.TenantID}
}

func tenantValue(ctx context.Context) *string {
	scope := tenancy.ScopeFromContext(ctx)
	if scope.Mode != tenancy.ModeTeamScoped || scope.TenantID == "" {
		return nil
	}
	id := scope.TenantID
	return &id
}

func statusText(active bool) string {
	if active {
		return string(StatusActive)
	}
	return string(StatusInactive)
}

func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	if err := validateName("name", role.Name); err != nil {
		return Role{}, err
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO roles (name, guard_name, status, label, description, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+roleColumns,
		role.Name, role.Guard, statusText(role.Active), role.Label, role.Description, tenantValue(ctx))
	created, err := scanRole(row)
	if err != nil {
		return Role{}, mapStoreError(err)
	}
	return created, nil
}

func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	if err := validateName("name", role.Name); err != nil {
		return Role{}, err
	}
	row := r.db.QueryRow(ctx, `
		UPDATE roles
		SET name = $2, status = $3, label = $4, description = $5, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+roleColumns,
		role.ID, role.Name, statusText(role.Active), role.Label, role.Description)
	updated, err := scanRole(row)
	if err != nil {
		return Role{}, mapStoreError(err)
	}
	return updated, nil
}

func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 AND deleted_at IS NULL`, id)
	role, err := scanRole(row)
	if err != nil {
		return Role{}, mapStoreError(err)
	}
	return role, nil
}

func (r *Repository) FindRoleByName(ctx context.Context, guard, name string) (Role, error) {
	clause, extra := tenantClause(ctx, 3)
	args := append([]any{guard, name}, extra...)
	row := r.db.QueryRow(ctx, `
		SELECT `+roleColumns+` FROM roles
		WHERE guard_name = $1 AND name = $2 AND deleted_at IS NULL`+clause+`
		ORDER BY tenant_id NULLS LAST
		LIMIT 1`, args...)
	role, err := scanRole(row)
	if err != nil {
		return Role{}, mapStoreError(err)
	}
	return role, nil
}

func (r *Repository) ListRoles(ctx context.Context, guard string) ([]Role, error) {
	clause, extra := tenantClause(ctx, 2)
	args := append([]any{guard}, extra...)
	rows, err := r.db.Query(ctx, `
		SELECT `+roleColumns+` FROM (
			SELECT DISTINCT ON (name) `+roleColumns+` FROM roles
			WHERE guard_name = $1 AND deleted_at IS NULL`+clause+`
			ORDER BY name, tenant_id NULLS LAST
		) scoped
		ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ListRoleGrants fetches all roles of a guard with their permission IDs in
// one round trip.
func (r *Repository) ListRoleGrants(ctx context.Context, guard string) ([]RoleGrants, error) {
	clause, extra := tenantClause(ctx, 2)
	args := append([]any{guard}, extra...)
	rows, err := r.db.Query(ctx, `
		WITH scoped AS (
			SELECT `+roleColumns+` FROM (
				SELECT DISTINCT ON (name) `+roleColumns+` FROM roles
				WHERE guard_name = $1 AND deleted_at IS NULL`+clause+`
				ORDER BY name, tenant_id NULLS LAST
			) deduped
		)
		SELECT s.id, s.name, s.guard_name, s.status, s.label, s.description, s.tenant_id,
		       s.created_at, s.updated_at, s.deleted_at, rp.permission_id
		FROM scoped s
		LEFT JOIN role_permissions rp ON rp.role_id = s.id
		ORDER BY s.id, rp.permission_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []RoleGrants
	index := make(map[int64]int)
	for rows.Next() {
		var role Role
		var status string
		var tenantID *string
		var permissionID *int64
		if err := rows.Scan(&role.ID, &role.Name, &role.Guard, &status, &role.Label, &role.Description,
			&tenantID, &role.CreatedAt, &role.UpdatedAt, &role.DeletedAt, &permissionID); err != nil {
			return nil, err
		}
		role.Active = status == string(StatusActive)
		if tenantID != nil {
			role.TenantID = *tenantID
		}
		pos, ok := index[role.ID]
		if !ok {
			pos = len(grants)
			index[role.ID] = pos
			grants = append(grants, RoleGrants{Role: role})
		}
		if permissionID != nil {
			grants[pos].PermissionIDs = append(grants[pos].PermissionIDs, *permissionID)
		}
	}
	return grants, rows.Err()
}

func (r *Repository) SoftDeleteRole(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE roles SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) RestoreRole(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE roles SET deleted_at = NULL, status = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NOT NULL`, id, string(StatusActive))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ForceDeleteRole(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if err := validateName("name", perm.Name); err != nil {
		return Permission{}, err
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO permissions (name, guard_name, group_name, status, group_label, label, description, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+permissionColumns,
		perm.Name, perm.Guard, perm.Group, statusText(perm.Active), perm.GroupLabel, perm.Label, perm.Description, tenantValue(ctx))
	created, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapStoreError(err)
	}
	return created, nil
}

func (r *Repository) UpdatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if err := validateName("name", perm.Name); err != nil {
		return Permission{}, err
	}
	row := r.db.QueryRow(ctx, `
		UPDATE permissions
		SET name = $2, group_name = $3, status = $4, group_label = $5, label = $6, description = $7, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+permissionColumns,
		perm.ID, perm.Name, perm.Group, statusText(perm.Active), perm.GroupLabel, perm.Label, perm.Description)
	updated, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapStoreError(err)
	}
	return updated, nil
}

func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	row := r.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1 AND deleted_at IS NULL`, id)
	perm, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapStoreError(err)
	}
	return perm, nil
}

func (r *Repository) FindPermissionByName(ctx context.Context, guard, name string) (Permission, error) {
	clause, extra := tenantClause(ctx, 3)
	args := append([]any{guard, name}, extra...)
	row := r.db.QueryRow(ctx, `
		SELECT `+permissionColumns+` FROM permissions
		WHERE guard_name = $1 AND name = $2 AND deleted_at IS NULL`+clause+`
		ORDER BY tenant_id NULLS LAST
		LIMIT 1`, args...)
	perm, err := scanPermission(row)
	if err != nil {
		return Permission{}, mapStoreError(err)
	}
	return perm, nil
}

func (r *Repository) ListPermissions(ctx context.Context, guard string) ([]Permission, error) {
	clause, extra := tenantClause(ctx, 2)
	args := append([]any{guard}, extra...)
	rows, err := r.db.Query(ctx, `
		SELECT `+permissionColumns+` FROM (
			SELECT DISTINCT ON (name) `+permissionColumns+` FROM permissions
			WHERE guard_name = $1 AND deleted_at IS NULL`+clause+`
			ORDER BY name, tenant_id NULLS LAST
		) scoped
		ORDER BY group_name, name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (r *Repository) SoftDeletePermission(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE permissions SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) RestorePermission(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE permissions SET deleted_at = NULL, status = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NOT NULL`, id, string(StatusActive))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ForceDeletePermission(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.name
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 AND p.deleted_at IS NULL
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AttachPermission adds one association. The association is a set: an
// existing row is left untouched.
func (r *Repository) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roleID, permissionID)
	return err
}

func (r *Repository) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return err
}

func (r *Repository) DetachPermissionFromAllRoles(ctx context.Context, permissionID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE permission_id = $1`, permissionID)
	return err
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	var status string
	var tenantID *string
	if err := row.Scan(&role.ID, &role.Name, &role.Guard, &status, &role.Label, &role.Description,
		&tenantID, &role.CreatedAt, &role.UpdatedAt, &role.DeletedAt); err != nil {
		return Role{}, err
	}
	role.Active = status == string(StatusActive)
	if tenantID != nil {
		role.TenantID = *tenantID
	}
	return role, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	var status string
	var tenantID *string
	if err := row.Scan(&perm.ID, &perm.Name, &perm.Guard, &perm.Group, &status, &perm.GroupLabel,
		&perm.Label, &perm.Description, &tenantID, &perm.CreatedAt, &perm.UpdatedAt, &perm.DeletedAt); err != nil {
		return Permission{}, err
	}
	perm.Active = status == string(StatusActive)
	if tenantID != nil {
		perm.TenantID = *tenantID
	}
	return perm, nil
}

// mapStoreError translates driver errors into the package taxonomy.
func mapStoreError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ValidationError{Field: "name", Message: "duplicate name for guard and tenant"}
	}
	return err
}

var _ Store = (*Repository)(nil)
