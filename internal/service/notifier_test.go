package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

func TestInstanceAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := f.activeDefinition(t)
	inst := f.startInstance(t, def.ID)

	calls := f.notifier.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, SubjectWorkflowInstance, calls[0].SubjectType)
	assert.Equal(t, inst.ID, calls[0].SubjectID)
	assert.Equal(t, "Manager", calls[0].StepName)
	assert.Equal(t, []string{"mgr-1"}, calls[0].Recipients)
	assert.Equal(t, "emp-1", calls[0].ActorID)
	require.NotNil(t, calls[0].DueAt)

	_, err := f.instances.TakeAction(ctx, tenant, inst.ID, "mgr-1", repository.ActionApprove, nil)
	require.NoError(t, err)
	calls = f.notifier.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "HR", calls[1].StepName)
	assert.Equal(t, []string{"hr-1"}, calls[1].Recipients)
	assert.Nil(t, calls[1].DueAt)

	// Completion assigns nothing.
	_, err = f.instances.TakeAction(ctx, tenant, inst.ID, "hr-1", repository.ActionComplete, nil)
	require.NoError(t, err)
	assert.Len(t, f.notifier.calls(), 2)
}

func TestApprovalAssignments_IncludeDelegate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.delegate(t, CreateDelegateInput{ApproverID: "cfo", DelegateID: "deputy"})
	req := f.openRequest(t, "lead", "cfo")

	calls := f.notifier.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, SubjectApprovalRequest, calls[0].SubjectType)
	assert.Equal(t, []string{"lead"}, calls[0].Recipients)
	assert.Equal(t, 1, calls[0].StepOrder)

	_, err := f.approvals.Approve(ctx, tenant, req.ID, "lead", nil)
	require.NoError(t, err)
	calls = f.notifier.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"cfo", "deputy"}, calls[1].Recipients)
	assert.Equal(t, "lead", calls[1].ActorID)

	_, err = f.approvals.Approve(ctx, tenant, req.ID, "deputy", nil)
	require.NoError(t, err)
	assert.Len(t, f.notifier.calls(), 2)
}

func TestAssignmentFailureKeepsTransition(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = stderrors.New("nats down")
	def := f.activeDefinition(t)

	inst := f.startInstance(t, def.ID)
	got, err := f.instances.GetInstance(context.Background(), tenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, got.Status)
	requireInstanceInvariants(t, got)
}
