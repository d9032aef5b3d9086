package rbac

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskTypePermissionsChanged is the task type carrying role permission
// change notifications to cache-invalidation listeners and audit sinks.
const TaskTypePermissionsChanged = "rbac:permissions_changed"

// PermissionsChangedEvent notifies listeners that a role's permission set
// changed, carrying the resulting set.
type PermissionsChangedEvent struct {
	EventID     string    `json:"event_id"`
	RoleID      int64     `json:"role_id"`
	RoleName    string    `json:"role_name"`
	Guard       string    `json:"guard"`
	TenantID    string    `json:"tenant_id,omitempty"`
	Permissions []string  `json:"permissions"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// EventPublisher is the sink for domain events. Publish failures after a
// committed mutation are logged by callers, never surfaced: the mutation
// path invalidates caches directly and the listener is an extra safety
// net.
type EventPublisher interface {
	PermissionsChanged(ctx context.Context, event PermissionsChangedEvent) error
}

// NewPermissionsChangedEvent stamps identity and time onto an event.
func NewPermissionsChangedEvent(role Role, permissions []string) PermissionsChangedEvent {
	return PermissionsChangedEvent{
		EventID:     uuid.NewString(),
		RoleID:      role.ID,
		RoleName:    role.Name,
		Guard:       role.Guard,
		TenantID:    role.TenantID,
		Permissions: permissions,
		OccurredAt:  time.Now().UTC(),
	}
}

// AsynqPublisher enqueues events as asynq tasks.
type AsynqPublisher struct {
	client *asynq.Client
}

// NewAsynqPublisher wraps an asynq client.
func NewAsynqPublisher(client *asynq.Client) *AsynqPublisher {
	return &AsynqPublisher{client: client}
}

func (p *AsynqPublisher) PermissionsChanged(ctx context.Context, event PermissionsChangedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypePermissionsChanged, payload)
	_, err = p.client.EnqueueContext(ctx, task)
	return err
}
