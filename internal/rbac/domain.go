package rbac

import (
	"encoding/json"
	"time"
)

// Status describes the lifecycle state of a role or permission.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// Label holds a localized text, either a plain string or a per-locale map.
// A plain string is stored under the empty locale key.
type Label map[string]string

// UnmarshalJSON accepts both `"text"` and `{"en": "text"}` forms.
func (l *Label) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		*l = Label{"": plain}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*l = m
	return nil
}

// Role is a named permission bundle scoped to one guard.
type Role struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Guard       string     `json:"guard_name"`
	Active      bool       `json:"-"`
	Label       Label      `json:"label,omitempty"`
	Description Label      `json:"description,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Status derives the lifecycle state. Deletion is carried solely by
// DeletedAt so the two can never disagree.
func (r Role) Status() Status {
	return deriveStatus(r.Active, r.DeletedAt)
}

// Permission is a named capability, conventionally "<group>.<action>".
type Permission struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Guard       string     `json:"guard_name"`
	Group       string     `json:"group,omitempty"`
	Active      bool       `json:"-"`
	GroupLabel  Label      `json:"group_label,omitempty"`
	Label       Label      `json:"label,omitempty"`
	Description Label      `json:"description,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Status derives the lifecycle state, see Role.Status.
func (p Permission) Status() Status {
	return deriveStatus(p.Active, p.DeletedAt)
}

func deriveStatus(active bool, deletedAt *time.Time) Status {
	if deletedAt != nil {
		return StatusDeleted
	}
	if !active {
		return StatusInactive
	}
	return StatusActive
}

// MatrixRole is a role column of the permission matrix.
type MatrixRole struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// MatrixPermission is a permission entry of the matrix with its label
// already resolved for the request locale.
type MatrixPermission struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
	Group string `json:"group,omitempty"`
}

// MatrixCell marks whether one role holds one permission.
type MatrixCell struct {
	RoleID        int64 `json:"role_id"`
	HasPermission bool  `json:"has_permission"`
}

// MatrixRow is one permission row with a per-role cell map keyed by role name.
type MatrixRow struct {
	MatrixPermission
	Roles map[string]MatrixCell `json:"roles"`
}

// Matrix is the full Role×Permission grid for one guard.
type Matrix struct {
	Guard       string             `json:"guard"`
	Roles       []MatrixRole       `json:"roles"`
	Permissions []MatrixPermission `json:"permissions"`
	Rows        []MatrixRow        `json:"matrix"`
}

// PermissionGroup collects the permissions of one group for the grouped
// matrix view.
type PermissionGroup struct {
	Label       string             `json:"label"`
	Permissions []MatrixPermission `json:"permissions"`
}

// GroupedMatrix is the matrix organized by permission group.
type GroupedMatrix struct {
	Guard  string                     `json:"guard"`
	Roles  []MatrixRole               `json:"roles"`
	Groups map[string]PermissionGroup `json:"groups"`
}

// SkipReason explains why a grant or revoke entry was skipped.
type SkipReason string

const (
	SkipAlreadyGranted SkipReason = "already_granted"
	SkipNotFound       SkipReason = "not_found"
	SkipNotAssigned    SkipReason = "not_assigned"
)

// SkippedPermission reports a non-fatal per-name outcome of a diff sync.
type SkippedPermission struct {
	Permission string     `json:"permission"`
	Reason     SkipReason `json:"reason"`
}

// DiffResult is the outcome of a DiffSync call. Unresolvable names land in
// Skipped, never in an error.
type DiffResult struct {
	Granted []string            `json:"granted"`
	Revoked []string            `json:"revoked"`
	Skipped []SkippedPermission `json:"skipped"`
}

// SeedRoleResult reports one successfully synced role of a config seed run.
type SeedRoleResult struct {
	Role             string   `json:"role"`
	PermissionsCount int      `json:"permissions_count"`
	Permissions      []string `json:"permissions"`
}

// SeedError reports one failed item of a config seed run.
type SeedError struct {
	Role  string `json:"role"`
	Error string `json:"error"`
}

// PruneFailure reports one permission that could not be pruned.
type PruneFailure struct {
	Permission string `json:"permission"`
	Error      string `json:"error"`
}

// SeedResult is the outcome of SyncFromConfig. One bad mapping never aborts
// the others; every item's outcome is reported here.
type SeedResult struct {
	Synced        []SeedRoleResult `json:"synced"`
	Errors        []SeedError      `json:"errors"`
	Pruned        []string         `json:"pruned,omitempty"`
	PruneFailures []PruneFailure   `json:"prune_failures,omitempty"`
}

// CacheStats describes the matrix cache state for the current context.
type CacheStats struct {
	CacheEnabled bool          `json:"cache_enabled"`
	CacheKey     string        `json:"cache_key"`
	TTL          time.Duration `json:"ttl"`
	IsCached     bool          `json:"is_cached"`
}

// SeedPermission is one catalogue entry of the seed configuration.
type SeedPermission struct {
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	Label       Label  `json:"label,omitempty"`
	Description Label  `json:"description,omitempty"`
}

// SeedConfig is the configured permission catalogue plus the role→pattern
// mapping consumed by SyncFromConfig.
type SeedConfig struct {
	Permissions []SeedPermission    `json:"permissions"`
	Roles       map[string][]string `json:"roles"`
}
