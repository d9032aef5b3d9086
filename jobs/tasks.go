package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-iam/gatehouse/internal/guard"
	"github.com/gatehouse-iam/gatehouse/internal/rbac"
	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSeedSync is the task type for replaying the configured
	// role/permission seed, typically on a cron schedule.
	TaskTypeSeedSync = "rbac:seed_sync"
)

// SeedSyncPayload configures one seed sync run.
type SeedSyncPayload struct {
	Prune bool `json:"prune"`
}

// NewSeedSyncTask constructs an Asynq task.
func NewSeedSyncTask(payload SeedSyncPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSeedSync, data), nil
}

// Handlers processes the RBAC background tasks.
type Handlers struct {
	matrix  *rbac.MatrixService
	sync    *rbac.SyncService
	guards  *guard.Resolver
	tenants *tenancy.Resolver
	logger  *slog.Logger
}

// NewHandlers wires the task handlers.
func NewHandlers(matrix *rbac.MatrixService, sync *rbac.SyncService, guards *guard.Resolver, tenants *tenancy.Resolver, logger *slog.Logger) *Handlers {
	return &Handlers{matrix: matrix, sync: sync, guards: guards, tenants: tenants, logger: logger}
}

// HandlePermissionsChanged drops the cached matrix for the scope named by
// the event. The mutation path already invalidated its own caches; this
// listener covers other processes sharing the same cache backend.
func (h *Handlers) HandlePermissionsChanged(ctx context.Context, t *asynq.Task) error {
	var event rbac.PermissionsChangedEvent
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}
	if event.TenantID != "" {
		ctx = tenancy.WithTenant(ctx, event.TenantID)
	}
	ctx = tenancy.WithScope(ctx, h.tenants.Resolve(ctx))
	h.matrix.Invalidate(ctx)
	h.logger.Info("permissions changed",
		slog.String("event_id", event.EventID),
		slog.String("role", event.RoleName),
		slog.String("guard", event.Guard),
		slog.Int("permissions", len(event.Permissions)))
	return nil
}

// HandleSeedSync replays the configured seed mapping.
func (h *Handlers) HandleSeedSync(ctx context.Context, t *asynq.Task) error {
	var payload SeedSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	result, err := h.sync.SyncFromConfig(ctx, payload.Prune)
	if err != nil {
		return err
	}
	h.logger.Info("seed sync",
		slog.Int("synced", len(result.Synced)),
		slog.Int("errors", len(result.Errors)),
		slog.Int("pruned", len(result.Pruned)))
	return nil
}
