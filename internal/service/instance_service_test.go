package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

func TestCreateInstance_MaterializesSteps(t *testing.T) {
	f := newFixture(t)
	def := f.activeDefinition(t)

	inst := f.startInstance(t, def.ID)

	assert.Equal(t, repository.InstanceRunning, inst.Status)
	assert.Equal(t, def.Version, inst.DefinitionVersion)
	require.Len(t, inst.Steps, 4)
	requireInstanceInvariants(t, inst)

	start := stepByName(inst, "Submit")
	assert.Equal(t, repository.StepInstanceCompleted, start.Status)
	require.NotNil(t, start.ActionTaken)
	assert.Equal(t, repository.ActionSubmit, *start.ActionTaken)
	assert.Equal(t, "emp-1", *start.ActionByID)

	mgr := stepByName(inst, "Manager")
	assert.Equal(t, repository.StepInstanceActive, mgr.Status)
	assert.Equal(t, mgr.ID, *inst.CurrentStepID)
	assert.Equal(t, "mgr-1", *mgr.AssignedToID)
	require.NotNil(t, mgr.DueAt)
	assert.Equal(t, mgr.ActivatedAt.Add(24*time.Hour), *mgr.DueAt)

	assert.Equal(t, repository.StepInstancePending, stepByName(inst, "HR").Status)
	assert.Equal(t, repository.StepInstancePending, stepByName(inst, "Done").Status)

	history, err := f.instances.ListHistory(context.Background(), tenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.HistoryEventType{repository.EventCreated}, eventTypes(history))
}

func TestCreateInstance_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("draft definition", func(t *testing.T) {
		f := newFixture(t)
		def, err := f.defs.CreateDefinition(ctx, leaveRequest())
		require.NoError(t, err)

		_, err = f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
		})
		assert.True(t, errors.IsValidation(err), "got %v", err)
	})

	t.Run("unknown definition", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: "missing", Title: "x", InitiatorID: "emp-1",
		})
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})

	t.Run("actionable step without assignee", func(t *testing.T) {
		f := newFixture(t)
		req := leaveRequest()
		req.Steps[2].AssigneeID = nil
		def, err := f.defs.CreateDefinition(ctx, req)
		require.NoError(t, err)
		_, err = f.defs.Activate(ctx, tenant, def.ID)
		require.NoError(t, err)

		_, err = f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
		})
		assert.True(t, errors.IsValidation(err), "got %v", err)

		inst, err := f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
			Assignees: map[int]string{3: "hr-2"},
		})
		require.NoError(t, err)
		assert.Equal(t, "hr-2", *stepByName(inst, "HR").AssignedToID)
	})

	t.Run("missing initiator", func(t *testing.T) {
		f := newFixture(t)
		def := f.activeDefinition(t)
		_, err := f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x",
		})
		assert.True(t, errors.IsValidation(err), "got %v", err)
	})
}

func TestTakeAction_CompletesWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := f.activeDefinition(t)
	inst := f.startInstance(t, def.ID)

	inst, err := f.instances.TakeAction(ctx, tenant, inst.ID, "mgr-1", repository.ActionApprove, ptr("ok"))
	require.NoError(t, err)
	requireInstanceInvariants(t, inst)
	assert.Equal(t, repository.InstanceRunning, inst.Status)
	hr := stepByName(inst, "HR")
	assert.Equal(t, hr.ID, *inst.CurrentStepID)
	assert.Equal(t, repository.StepInstanceActive, hr.Status)
	assert.Empty(t, f.gateway.calls())

	inst, err = f.instances.TakeAction(ctx, tenant, inst.ID, "hr-1", repository.ActionComplete, nil)
	require.NoError(t, err)
	requireInstanceInvariants(t, inst)
	assert.Equal(t, repository.InstanceCompleted, inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	for _, s := range inst.Steps {
		assert.Equal(t, repository.StepInstanceCompleted, s.Status, "step %s", s.StepName)
	}

	stored, err := f.instances.GetInstance(ctx, tenant, inst.ID)
	require.NoError(t, err)
	requireInstanceInvariants(t, stored)
	assert.Equal(t, repository.InstanceCompleted, stored.Status)

	history, err := f.instances.ListHistory(ctx, tenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.HistoryEventType{
		repository.EventCreated,
		repository.EventActionTaken,
		repository.EventActionTaken,
		repository.EventCompleted,
	}, eventTypes(history))
	assert.Equal(t, "mgr-1", history[1].ActorID)
	assert.Equal(t, "hr-1", history[2].ActorID)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}

	calls := f.gateway.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, OutcomeApproved, calls[0].Outcome)
	assert.Equal(t, SubjectWorkflowInstance, calls[0].SubjectType)
	assert.Equal(t, inst.ID, calls[0].SubjectID)
	assert.Equal(t, "lr-1", *calls[0].EntityID)
}

func TestCreateInstance_AssigneeOverrides(t *testing.T) {
	ctx := context.Background()

	t.Run("fixed assignees cannot be replaced", func(t *testing.T) {
		f := newFixture(t)
		def := f.activeDefinition(t)

		_, err := f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
			Assignees: map[int]string{2: "emp-1", 3: "emp-1"},
		})
		assert.True(t, errors.IsValidation(err), "got %v", err)

		_, err = f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
			Assignees: map[int]string{2: "mgr-2"},
		})
		assert.True(t, errors.IsValidation(err), "got %v", err)
		assert.Empty(t, f.gateway.calls())

		tasks, err := f.tasks.ListPendingTasks(ctx, tenant, "emp-1")
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("open step rejects the initiator", func(t *testing.T) {
		f := newFixture(t)
		req := leaveRequest()
		req.Steps[1].AssigneeID = nil
		def, err := f.defs.CreateDefinition(ctx, req)
		require.NoError(t, err)
		_, err = f.defs.Activate(ctx, tenant, def.ID)
		require.NoError(t, err)

		_, err = f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
			Assignees: map[int]string{2: "emp-1"},
		})
		assert.True(t, errors.IsValidation(err), "got %v", err)

		inst, err := f.instances.CreateInstance(ctx, CreateInstanceRequest{
			TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
			Assignees: map[int]string{2: "mgr-7"},
		})
		require.NoError(t, err)
		assert.Equal(t, "mgr-7", *stepByName(inst, "Manager").AssignedToID)

		_, err = f.instances.TakeAction(ctx, tenant, inst.ID, "emp-1", repository.ActionApprove, nil)
		assert.True(t, errors.IsForbidden(err), "got %v", err)
	})

	t.Run("unknown and non-actionable steps", func(t *testing.T) {
		f := newFixture(t)
		def := f.activeDefinition(t)
		for _, order := range []int{1, 4, 9} {
			_, err := f.instances.CreateInstance(ctx, CreateInstanceRequest{
				TenantID: tenant, DefinitionID: def.ID, Title: "x", InitiatorID: "emp-1",
				Assignees: map[int]string{order: "someone"},
			})
			assert.True(t, errors.IsValidation(err), "order %d: got %v", order, err)
		}
	})
}

func TestTakeAction_RejectShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := f.activeDefinition(t)
	inst := f.startInstance(t, def.ID)

	inst, err := f.instances.TakeAction(ctx, tenant, inst.ID, "mgr-1", repository.ActionReject, ptr("no budget"))
	require.NoError(t, err)
	requireInstanceInvariants(t, inst)
	assert.Equal(t, repository.InstanceRejected, inst.Status)
	assert.Equal(t, repository.StepInstanceRejected, stepByName(inst, "Manager").Status)
	assert.Equal(t, repository.StepInstancePending, stepByName(inst, "HR").Status)
	assert.Equal(t, repository.StepInstancePending, stepByName(inst, "Done").Status)

	history, err := f.instances.ListHistory(ctx, tenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.HistoryEventType{
		repository.EventCreated,
		repository.EventActionTaken,
		repository.EventRejected,
	}, eventTypes(history))

	calls := f.gateway.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, OutcomeRejected, calls[0].Outcome)
	assert.Equal(t, "no budget", *calls[0].Comments)

	_, err = f.instances.TakeAction(ctx, tenant, inst.ID, "hr-1", repository.ActionComplete, nil)
	assert.True(t, errors.IsInvalidState(err), "got %v", err)
}

func TestTakeAction_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := f.activeDefinition(t)
	inst := f.startInstance(t, def.ID)

	tests := []struct {
		name    string
		tenant  string
		id      string
		actor   string
		action  repository.Action
		isError func(error) bool
	}{
		{"submit is not takeable", tenant, inst.ID, "mgr-1", repository.ActionSubmit, errors.IsValidation},
		{"unknown action", tenant, inst.ID, "mgr-1", repository.Action("ESCALATE"), errors.IsValidation},
		{"unknown instance", tenant, "missing", "mgr-1", repository.ActionApprove, errors.IsNotFound},
		{"other tenant", "tenant-2", inst.ID, "mgr-1", repository.ActionApprove, errors.IsNotFound},
		{"not the assignee", tenant, inst.ID, "hr-1", repository.ActionApprove, errors.IsForbidden},
		{"initiator cannot approve", tenant, inst.ID, "emp-1", repository.ActionApprove, errors.IsForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.instances.TakeAction(ctx, tt.tenant, tt.id, tt.actor, tt.action, nil)
			require.Error(t, err)
			assert.True(t, tt.isError(err), "got %v", err)
		})
	}

	// Nothing above changed state.
	stored, err := f.instances.GetInstance(ctx, tenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, *inst.CurrentStepID, *stored.CurrentStepID)
	history, err := f.instances.ListHistory(ctx, tenant, inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTakeAction_ConcurrentCallersOneWins(t *testing.T) {
	ctx := context.Background()
	store := newBarrierStore()
	f := newFixtureWithStore(t, store)
	def := f.activeDefinition(t)
	inst := f.startInstance(t, def.ID)

	const racers = 2
	store.arm(racers)
	errs := raceOutcome(racers, func() error {
		_, err := f.instances.TakeAction(ctx, tenant, inst.ID, "mgr-1", repository.ActionApprove, nil)
		return err
	})
	store.disarm()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.IsInvalidState(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	history, err := f.instances.ListHistory(ctx, tenant, inst.ID)
	require.NoError(t, err)
	taken := 0
	for _, e := range history {
		if e.EventType == repository.EventActionTaken {
			taken++
		}
	}
	assert.Equal(t, 1, taken)

	stored, err := f.instances.GetInstance(ctx, tenant, inst.ID)
	require.NoError(t, err)
	requireInstanceInvariants(t, stored)
	assert.Equal(t, stepByName(stored, "HR").ID, *stored.CurrentStepID)
}

func TestTakeAction_GatewayFailureKeepsTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gateway.err = errGatewayDown
	def := f.activeDefinition(t)
	inst := f.startInstance(t, def.ID)

	_, err := f.instances.TakeAction(ctx, tenant, inst.ID, "mgr-1", repository.ActionReject, nil)
	require.NoError(t, err)

	stored, err := f.instances.GetInstance(ctx, tenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, stored.Status)
	assert.Len(t, f.gateway.calls(), 1)
}

func TestCancelInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := f.activeDefinition(t)
	inst := f.startInstance(t, def.ID)

	inst, err := f.instances.CancelInstance(ctx, tenant, inst.ID, "emp-1", "changed plans")
	require.NoError(t, err)
	requireInstanceInvariants(t, inst)
	assert.Equal(t, repository.InstanceCancelled, inst.Status)
	assert.Equal(t, "changed plans", *inst.CancelReason)

	mgr := stepByName(inst, "Manager")
	assert.Equal(t, repository.StepInstancePending, mgr.Status)
	assert.Nil(t, mgr.ActionTaken)
	assert.Nil(t, mgr.ActivatedAt)

	history, err := f.instances.ListHistory(ctx, tenant, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []repository.HistoryEventType{repository.EventCreated, repository.EventCancelled}, eventTypes(history))
	assert.Empty(t, f.gateway.calls())

	tasks, err := f.tasks.ListPendingTasks(ctx, tenant, "mgr-1")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = f.instances.CancelInstance(ctx, tenant, inst.ID, "emp-1", "again")
	assert.True(t, errors.IsInvalidState(err), "got %v", err)
	_, err = f.instances.TakeAction(ctx, tenant, inst.ID, "mgr-1", repository.ActionApprove, nil)
	assert.True(t, errors.IsInvalidState(err), "got %v", err)
}

func TestInstancesPinDefinitionVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v1 := f.activeDefinition(t)
	inst := f.startInstance(t, v1.ID)

	_, err := f.defs.Retire(ctx, tenant, v1.ID)
	require.NoError(t, err)

	req := leaveRequest()
	req.Steps[1].AssigneeID = ptr("mgr-2")
	v2, err := f.defs.CreateDefinition(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	_, err = f.defs.Activate(ctx, tenant, v2.ID)
	require.NoError(t, err)

	// The v1 instance keeps its v1 assignees and can still finish.
	inst, err = f.instances.TakeAction(ctx, tenant, inst.ID, "mgr-1", repository.ActionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.DefinitionVersion)
	inst, err = f.instances.TakeAction(ctx, tenant, inst.ID, "hr-1", repository.ActionComplete, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceCompleted, inst.Status)

	_, err = f.instances.CreateInstance(ctx, CreateInstanceRequest{
		TenantID: tenant, DefinitionID: v1.ID, Title: "late", InitiatorID: "emp-1",
	})
	assert.True(t, errors.IsValidation(err), "retired definition must not start instances, got %v", err)
}
