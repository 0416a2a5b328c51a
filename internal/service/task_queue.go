package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// TaskQueue is the read-only work list over ACTIVE step-instances.
type TaskQueue struct {
	instances repository.InstanceStore
}

// NewTaskQueue creates a new TaskQueue.
func NewTaskQueue(instances repository.InstanceStore) *TaskQueue {
	return &TaskQueue{instances: instances}
}

// ListPendingTasks returns the steps awaiting userID, oldest activation first.
func (q *TaskQueue) ListPendingTasks(ctx context.Context, tenantID, userID string) ([]*repository.WorkflowStepInstance, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	return q.instances.ListActiveSteps(ctx, tenantID, userID)
}
