package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-iam/gatehouse/internal/guard"
	"github.com/gatehouse-iam/gatehouse/internal/platform/httpx"
)

// Handler exposes the RBAC operations as a JSON API.
type Handler struct {
	logger   *slog.Logger
	store    Store
	matrix   *MatrixService
	sync     *SyncService
	guards   *guard.Resolver
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, store Store, matrix *MatrixService, sync *SyncService, guards *guard.Resolver) *Handler {
	return &Handler{
		logger:   logger,
		store:    store,
		matrix:   matrix,
		sync:     sync,
		guards:   guards,
		validate: validator.New(),
	}
}

// MountRoutes registers the RBAC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/matrix", h.buildMatrix)
	r.Get("/matrix/grouped", h.buildGroupedMatrix)
	r.Get("/matrix/stats", h.cacheStats)
	r.Post("/matrix/invalidate", h.invalidateMatrix)

	r.Post("/sync", h.syncFromConfig)

	r.Route("/roles", func(r chi.Router) {
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getRole)
			r.Patch("/", h.updateRole)
			r.Delete("/", h.deleteRole)
			r.Post("/restore", h.restoreRole)
			r.Get("/permissions", h.rolePermissions)
			r.Put("/permissions", h.assignPermissions)
			r.Post("/diff-sync", h.diffSync)
		})
	})

	r.Route("/permissions", func(r chi.Router) {
		r.Get("/", h.listPermissions)
		r.Post("/", h.createPermission)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getPermission)
			r.Patch("/", h.updatePermission)
			r.Delete("/", h.deletePermission)
			r.Post("/restore", h.restorePermission)
			r.Get("/roles", h.rolesWithPermission)
		})
	})
}

func (h *Handler) buildMatrix(w http.ResponseWriter, r *http.Request) {
	var (
		m   Matrix
		err error
	)
	if g := r.URL.Query().Get("guard"); g != "" {
		m, err = h.matrix.ForGuard(r.Context(), g)
	} else {
		m, err = h.matrix.Build(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}

func (h *Handler) buildGroupedMatrix(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.matrix.BuildGrouped(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, grouped)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.matrix.CacheStats(r.Context()))
}

func (h *Handler) invalidateMatrix(w http.ResponseWriter, r *http.Request) {
	h.matrix.Invalidate(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) syncFromConfig(w http.ResponseWriter, r *http.Request) {
	prune := r.URL.Query().Get("prune") == "true"
	result, err := h.sync.SyncFromConfig(r.Context(), prune)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type diffSyncRequest struct {
	Grant  []string `json:"grant"`
	Revoke []string `json:"revoke"`
}

func (h *Handler) diffSync(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req diffSyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.sync.DiffSync(r.Context(), id, req.Grant, req.Revoke)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type assignRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) assignPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.sync.AssignPermissions(r.Context(), id, req.PermissionIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, role)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	perms, err := h.matrix.PermissionsForRole(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, perms)
}

func (h *Handler) rolesWithPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	roles, err := h.matrix.RolesWithPermission(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, roles)
}

type roleRequest struct {
	Name        string `json:"name" validate:"required"`
	Label       Label  `json:"label"`
	Description Label  `json:"description"`
	Active      *bool  `json:"active"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context(), h.guards.Guard(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, roles)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role := Role{
		Name:        req.Name,
		Guard:       h.guards.Guard(r.Context()),
		Active:      req.Active == nil || *req.Active,
		Label:       req.Label,
		Description: req.Description,
	}
	created, err := h.store.CreateRole(r.Context(), role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	role, err := h.store.GetRole(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Label       Label   `json:"label"`
		Description Label   `json:"description"`
		Active      *bool   `json:"active"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, &ValidationError{Field: "body", Message: "invalid json"})
		return
	}
	if req.Name != nil {
		role.Name = *req.Name
	}
	if req.Label != nil {
		role.Label = req.Label
	}
	if req.Description != nil {
		role.Description = req.Description
	}
	if req.Active != nil {
		role.Active = *req.Active
	}
	updated, err := h.store.UpdateRole(r.Context(), role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var err error
	if r.URL.Query().Get("force") == "true" {
		err = h.store.ForceDeleteRole(r.Context(), id)
	} else {
		err = h.store.SoftDeleteRole(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restoreRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.RestoreRole(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	Name        string `json:"name" validate:"required"`
	Group       string `json:"group"`
	GroupLabel  Label  `json:"group_label"`
	Label       Label  `json:"label"`
	Description Label  `json:"description"`
	Active      *bool  `json:"active"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.store.ListPermissions(r.Context(), h.guards.Guard(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, perms)
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm := Permission{
		Name:        req.Name,
		Guard:       h.guards.Guard(r.Context()),
		Group:       req.Group,
		Active:      req.Active == nil || *req.Active,
		GroupLabel:  req.GroupLabel,
		Label:       req.Label,
		Description: req.Description,
	}
	created, err := h.store.CreatePermission(r.Context(), perm)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	h.writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	perm, err := h.store.GetPermission(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, perm)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	perm, err := h.store.GetPermission(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Group       *string `json:"group"`
		GroupLabel  Label   `json:"group_label"`
		Label       Label   `json:"label"`
		Description Label   `json:"description"`
		Active      *bool   `json:"active"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, &ValidationError{Field: "body", Message: "invalid json"})
		return
	}
	if req.Name != nil {
		perm.Name = *req.Name
	}
	if req.Group != nil {
		perm.Group = *req.Group
	}
	if req.GroupLabel != nil {
		perm.GroupLabel = req.GroupLabel
	}
	if req.Label != nil {
		perm.Label = req.Label
	}
	if req.Description != nil {
		perm.Description = req.Description
	}
	if req.Active != nil {
		perm.Active = *req.Active
	}
	updated, err := h.store.UpdatePermission(r.Context(), perm)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	h.writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var err error
	if r.URL.Query().Get("force") == "true" {
		err = h.store.ForceDeletePermission(r.Context(), id)
	} else {
		err = h.store.SoftDeletePermission(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restorePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.RestorePermission(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.matrix.Invalidate(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, &ValidationError{Field: "id", Message: "must be an integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		h.writeError(w, &ValidationError{Field: "body", Message: "invalid json"})
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		h.writeError(w, &ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := httpx.JSON(w, status, payload); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, guard.ErrInvalidGuard):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Guard", err.Error())
	case errors.As(err, &ve):
		httpx.FieldProblem(w, http.StatusUnprocessableEntity, "Validation Failed", ve.Message, ve.Field)
	default:
		h.logger.Error("rbac handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
