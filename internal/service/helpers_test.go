package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

const tenant = "tenant-1"

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fakeClock advances one second on every read so events get distinct,
// increasing timestamps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: baseTime} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingGateway struct {
	mu          sync.Mutex
	completions []Completion
	err         error
}

func (g *recordingGateway) OnWorkflowComplete(_ context.Context, c Completion) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completions = append(g.completions, c)
	return g.err
}

func (g *recordingGateway) calls() []Completion {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Completion(nil), g.completions...)
}

type recordingNotifier struct {
	mu          sync.Mutex
	assignments []Assignment
	err         error
}

func (n *recordingNotifier) OnAssigned(_ context.Context, a Assignment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assignments = append(n.assignments, a)
	return n.err
}

func (n *recordingNotifier) calls() []Assignment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Assignment(nil), n.assignments...)
}

type fixture struct {
	store     repository.Store
	gateway   *recordingGateway
	notifier  *recordingNotifier
	clock     *fakeClock
	defs      *DefinitionService
	instances *InstanceService
	tasks     *TaskQueue
	approvals *ApprovalChainService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, repository.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store repository.Store) *fixture {
	t.Helper()
	f := &fixture{store: store, gateway: &recordingGateway{}, notifier: &recordingNotifier{}, clock: newFakeClock()}
	log := logger.Nop()
	f.defs = NewDefinitionService(store, log, WithClock(f.clock.Now))
	f.instances = NewInstanceService(store, store, f.gateway, log, WithClock(f.clock.Now), WithNotifier(f.notifier))
	f.tasks = NewTaskQueue(store)
	f.approvals = NewApprovalChainService(store, store, f.gateway, log, WithClock(f.clock.Now), WithNotifier(f.notifier))
	return f
}

func ptr[T any](v T) *T { return &v }

// leaveRequest is START -> MANAGER (approval) -> HR (task) -> END.
func leaveRequest() CreateDefinitionRequest {
	return CreateDefinitionRequest{
		TenantID:  tenant,
		Code:      "leave-request",
		Name:      "Leave request",
		CreatedBy: "admin",
		Steps: []StepInput{
			{Name: "Submit", StepOrder: 1, StepType: repository.StepStart},
			{Name: "Manager", StepOrder: 2, StepType: repository.StepApproval, AssigneeID: ptr("mgr-1"), SLAHours: ptr(24)},
			{Name: "HR", StepOrder: 3, StepType: repository.StepTask, AssigneeID: ptr("hr-1")},
			{Name: "Done", StepOrder: 4, StepType: repository.StepEnd},
		},
		Transitions: []TransitionInput{
			{FromOrder: 1, ToOrder: 2, TriggerAction: repository.ActionSubmit},
			{FromOrder: 2, ToOrder: 3, TriggerAction: repository.ActionApprove},
			{FromOrder: 2, ToOrder: 4, TriggerAction: repository.ActionReject},
			{FromOrder: 3, ToOrder: 4, TriggerAction: repository.ActionComplete},
		},
	}
}

// activeDefinition creates and activates the leave request definition.
func (f *fixture) activeDefinition(t *testing.T) *repository.WorkflowDefinition {
	t.Helper()
	ctx := context.Background()
	def, err := f.defs.CreateDefinition(ctx, leaveRequest())
	require.NoError(t, err)
	def, err = f.defs.Activate(ctx, tenant, def.ID)
	require.NoError(t, err)
	return def
}

func (f *fixture) startInstance(t *testing.T, defID string) *repository.WorkflowInstance {
	t.Helper()
	inst, err := f.instances.CreateInstance(context.Background(), CreateInstanceRequest{
		TenantID:     tenant,
		DefinitionID: defID,
		Title:        "Annual leave",
		EntityType:   ptr("leave_request"),
		EntityID:     ptr("lr-1"),
		InitiatorID:  "emp-1",
	})
	require.NoError(t, err)
	return inst
}

// requireInstanceInvariants checks the single-active-step contract.
func requireInstanceInvariants(t *testing.T, inst *repository.WorkflowInstance) {
	t.Helper()
	var active []*repository.WorkflowStepInstance
	for _, s := range inst.Steps {
		if s.Status == repository.StepInstanceActive {
			active = append(active, s)
		}
	}
	if inst.Status == repository.InstanceRunning {
		require.NotNil(t, inst.CurrentStepID, "running instance must have a current step")
		require.Len(t, active, 1, "running instance must have exactly one ACTIVE step")
		require.Equal(t, *inst.CurrentStepID, active[0].ID)
		return
	}
	require.Nil(t, inst.CurrentStepID, "terminal instance must not have a current step")
	require.Empty(t, active, "terminal instance must not have an ACTIVE step")
}

func eventTypes(events []*repository.WorkflowHistory) []repository.HistoryEventType {
	out := make([]repository.HistoryEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func stepByName(inst *repository.WorkflowInstance, name string) *repository.WorkflowStepInstance {
	for _, s := range inst.Steps {
		if s.StepName == name {
			return s
		}
	}
	return nil
}

// barrierStore holds every reader of an aggregate until n readers arrived, so
// concurrent callers all observe the same pre-state before any of them writes.
// It is transparent until armed.
type barrierStore struct {
	*repository.MemoryStore
	mu   sync.Mutex
	gate *sync.WaitGroup
}

func newBarrierStore() *barrierStore {
	return &barrierStore{MemoryStore: repository.NewMemoryStore()}
}

func (b *barrierStore) arm(n int) {
	gate := &sync.WaitGroup{}
	gate.Add(n)
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
}

func (b *barrierStore) disarm() {
	b.mu.Lock()
	b.gate = nil
	b.mu.Unlock()
}

func (b *barrierStore) wait() {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate == nil {
		return
	}
	gate.Done()
	gate.Wait()
}

func (b *barrierStore) GetInstance(ctx context.Context, tenantID, id string) (*repository.WorkflowInstance, error) {
	inst, err := b.MemoryStore.GetInstance(ctx, tenantID, id)
	b.wait()
	return inst, err
}

func (b *barrierStore) GetRequest(ctx context.Context, tenantID, id string) (*repository.ApprovalRequest, error) {
	req, err := b.MemoryStore.GetRequest(ctx, tenantID, id)
	b.wait()
	return req, err
}

// raceOutcome runs fn from n goroutines at once and collects their errors.
func raceOutcome(n int, fn func() error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn()
		}()
	}
	wg.Wait()
	return errs
}

var errGatewayDown = stderrors.New("gateway down")
