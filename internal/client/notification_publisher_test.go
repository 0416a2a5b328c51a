package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

func TestNotificationPublisher_TaskAssigned(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNotificationPublisher(pub, "", logger.Nop())

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	due := at.Add(24 * time.Hour)
	err := p.OnAssigned(context.Background(), service.Assignment{
		SubjectType: service.SubjectWorkflowInstance,
		SubjectID:   "inst-1",
		TenantID:    "t1",
		Title:       "Annual leave",
		StepID:      "si-2",
		StepName:    "Manager",
		StepOrder:   2,
		ActorID:     "emp-1",
		Recipients:  []string{"mgr-1"},
		DueAt:       &due,
		AssignedAt:  at,
	})
	require.NoError(t, err)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "notifications.workflows.task_assigned", pub.subjects[0])

	var evt NotificationEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &evt))
	assert.Equal(t, "task_assigned", evt.EventType)
	assert.Equal(t, []string{"mgr-1"}, evt.Recipients)
	assert.Equal(t, "workflow_instance", evt.ResourceType)
	assert.Equal(t, "inst-1", evt.ResourceID)
	assert.True(t, evt.IsActionable)
	assert.Equal(t, "Manager", evt.Payload["step_name"])
	assert.Equal(t, due.Format(time.RFC3339), evt.Payload["due_at"])
}

func TestNotificationPublisher_ApprovalRequired(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNotificationPublisher(pub, "notify.wf", logger.Nop())

	err := p.OnAssigned(context.Background(), service.Assignment{
		SubjectType: service.SubjectApprovalRequest,
		SubjectID:   "req-1",
		Recipients:  []string{"cfo", "deputy"},
	})
	require.NoError(t, err)
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "notify.wf.approval_required", pub.subjects[0])
}

func TestNotificationPublisher_SkipsWithoutRecipients(t *testing.T) {
	pub := &fakePublisher{}
	p := NewNotificationPublisher(pub, "", logger.Nop())

	require.NoError(t, p.OnAssigned(context.Background(), service.Assignment{SubjectID: "inst-1"}))
	assert.Empty(t, pub.subjects)
}
