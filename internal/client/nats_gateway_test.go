package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSGateway_PublishesCompletion(t *testing.T) {
	pub := &fakePublisher{}
	gw := NewNATSGateway(pub, "wf", logger.Nop())

	entityType, entityID := "leave_request", "lr-7"
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := gw.OnWorkflowComplete(context.Background(), service.Completion{
		SubjectType: service.SubjectWorkflowInstance,
		SubjectID:   "inst-1",
		TenantID:    "t1",
		EntityType:  &entityType,
		EntityID:    &entityID,
		Outcome:     service.OutcomeApproved,
		ActorID:     "hr-1",
		CompletedAt: at,
	})
	require.NoError(t, err)

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "wf.workflow_instance.approved", pub.subjects[0])

	var evt CompletionEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &evt))
	assert.Equal(t, "inst-1", evt.SubjectID)
	assert.Equal(t, "t1", evt.TenantID)
	assert.Equal(t, "lr-7", evt.EntityID)
	assert.Equal(t, "APPROVED", evt.Outcome)
	assert.Equal(t, "hr-1", evt.ActorID)
	assert.True(t, at.Equal(evt.CompletedAt))
	assert.Empty(t, evt.Comments)
}

func TestNATSGateway_DefaultPrefixAndRejectedSubject(t *testing.T) {
	gw := NewNATSGateway(&fakePublisher{}, "", logger.Nop())
	subject := gw.Subject(service.Completion{
		SubjectType: service.SubjectApprovalRequest,
		Outcome:     service.OutcomeRejected,
	})
	assert.Equal(t, "workflows.approval_request.rejected", subject)
}

func TestNATSGateway_ReturnsPublishError(t *testing.T) {
	pub := &fakePublisher{err: stderrors.New("nats: connection closed")}
	gw := NewNATSGateway(pub, "wf", logger.Nop())

	err := gw.OnWorkflowComplete(context.Background(), service.Completion{
		SubjectType: service.SubjectApprovalRequest,
		SubjectID:   "req-1",
		Outcome:     service.OutcomeRejected,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wf.approval_request.rejected")
}

func TestNATSGateway_CancelledContext(t *testing.T) {
	pub := &fakePublisher{}
	gw := NewNATSGateway(pub, "wf", logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := gw.OnWorkflowComplete(ctx, service.Completion{SubjectID: "x", Outcome: service.OutcomeApproved})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.subjects)
}
