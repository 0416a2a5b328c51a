package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// MemoryStore is a Store held in process memory. Every method holds one mutex
// for its whole read-check-write sequence, which gives transitions the same
// all-or-nothing behaviour as the Postgres repositories. Values are copied on
// the way in and out so callers never alias stored state.
type MemoryStore struct {
	mu sync.Mutex

	definitions     map[string]*WorkflowDefinition
	definitionOrder []string

	instances     map[string]*WorkflowInstance
	instanceOrder []string
	history       map[string][]*WorkflowHistory

	requests     map[string]*ApprovalRequest
	requestOrder []string
	decisions    map[string][]*ApprovalDecision

	delegates     map[string]*ApprovalDelegate
	delegateOrder []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*WorkflowDefinition),
		instances:   make(map[string]*WorkflowInstance),
		history:     make(map[string][]*WorkflowHistory),
		requests:    make(map[string]*ApprovalRequest),
		decisions:   make(map[string][]*ApprovalDecision),
		delegates:   make(map[string]*ApprovalDelegate),
	}
}

// ── Definitions ──────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateDefinition(_ context.Context, def *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.definitions[def.ID]; exists {
		return errors.InvalidState("workflow definition " + def.ID + " already exists")
	}

	version := 0
	for _, d := range m.definitions {
		if d.TenantID == def.TenantID && d.Code == def.Code && d.Version > version {
			version = d.Version
		}
	}
	def.Version = version + 1

	m.definitions[def.ID] = cloneDefinition(def)
	m.definitionOrder = append(m.definitionOrder, def.ID)
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, tenantID, id string) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.definitions[id]
	if !ok || def.TenantID != tenantID {
		return nil, errors.NotFound("workflow_definition", id)
	}
	return cloneDefinition(def), nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, tenantID, code string) ([]*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowDefinition
	for _, id := range m.definitionOrder {
		d := m.definitions[id]
		if d.TenantID != tenantID || (code != "" && d.Code != code) {
			continue
		}
		out = append(out, cloneDefinition(d))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) ActivateDefinition(_ context.Context, tenantID, id string, at time.Time) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.definitions[id]
	if !ok || def.TenantID != tenantID {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if def.Status != DefinitionDraft {
		return nil, errors.InvalidState("workflow definition is not DRAFT (status: " + string(def.Status) + ")")
	}
	for _, other := range m.definitions {
		if other.ID != id && other.TenantID == tenantID && other.Code == def.Code && other.Status == DefinitionActive {
			return nil, errors.InvalidState("another version of " + def.Code + " is still ACTIVE")
		}
	}

	for _, other := range m.definitions {
		if other.TenantID == tenantID && other.Code == def.Code {
			other.IsCurrentVersion = false
		}
	}
	def.Status = DefinitionActive
	def.IsCurrentVersion = true
	def.ActivatedAt = &at
	return cloneDefinition(def), nil
}

func (m *MemoryStore) RetireDefinition(_ context.Context, tenantID, id string, at time.Time) (*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.definitions[id]
	if !ok || def.TenantID != tenantID {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if def.Status != DefinitionActive {
		return nil, errors.InvalidState("workflow definition is not ACTIVE (status: " + string(def.Status) + ")")
	}
	def.Status = DefinitionRetired
	def.IsCurrentVersion = false
	def.RetiredAt = &at
	return cloneDefinition(def), nil
}

// ── Instances ────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateInstance(_ context.Context, inst *WorkflowInstance, events []*WorkflowHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.ID]; exists {
		return errors.InvalidState("workflow instance " + inst.ID + " already exists")
	}
	m.instances[inst.ID] = cloneInstance(inst)
	m.instanceOrder = append(m.instanceOrder, inst.ID)
	for _, e := range events {
		m.history[inst.ID] = append(m.history[inst.ID], cloneHistory(e))
	}
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, tenantID, id string) (*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok || inst.TenantID != tenantID {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return cloneInstance(inst), nil
}

func (m *MemoryStore) ApplyInstanceTransition(_ context.Context, t *InstanceTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[t.Instance.ID]
	if !ok || inst.TenantID != t.Instance.TenantID {
		return errors.NotFound("workflow_instance", t.Instance.ID)
	}
	if inst.Status != t.ExpectedStatus || !equalPtr(inst.CurrentStepID, t.ExpectedCurrentStepID) {
		return errors.InvalidState("workflow instance changed concurrently")
	}
	for _, st := range t.Steps {
		cur := inst.StepByID(st.Step.ID)
		if cur == nil {
			return errors.NotFound("workflow_step_instance", st.Step.ID)
		}
		if cur.Status != st.ExpectedStatus {
			return errors.InvalidState("step instance " + st.Step.ID + " is no longer " + string(st.ExpectedStatus))
		}
	}

	// All guards hold; apply.
	steps := inst.Steps
	*inst = *cloneInstanceHeader(t.Instance)
	inst.Steps = steps
	for _, st := range t.Steps {
		for i, cur := range inst.Steps {
			if cur.ID == st.Step.ID {
				inst.Steps[i] = cloneStepInstance(st.Step)
			}
		}
	}
	for _, e := range t.Events {
		m.history[inst.ID] = append(m.history[inst.ID], cloneHistory(e))
	}
	return nil
}

func (m *MemoryStore) ListHistory(_ context.Context, tenantID, instanceID string) ([]*WorkflowHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return nil, errors.NotFound("workflow_instance", instanceID)
	}
	out := make([]*WorkflowHistory, 0, len(m.history[instanceID]))
	for _, e := range m.history[instanceID] {
		out = append(out, cloneHistory(e))
	}
	return out, nil
}

func (m *MemoryStore) ListActiveSteps(_ context.Context, tenantID, userID string) ([]*WorkflowStepInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowStepInstance
	for _, id := range m.instanceOrder {
		inst := m.instances[id]
		if inst.TenantID != tenantID {
			continue
		}
		for _, s := range inst.Steps {
			if s.Status == StepInstanceActive && s.AssignedToID != nil && *s.AssignedToID == userID {
				out = append(out, cloneStepInstance(s))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return timeOrZero(out[i].ActivatedAt).Before(timeOrZero(out[j].ActivatedAt))
	})
	return out, nil
}

// ── Approval requests ────────────────────────────────────────────────────────

func (m *MemoryStore) CreateRequest(_ context.Context, req *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return errors.InvalidState("approval request " + req.ID + " already exists")
	}
	m.requests[req.ID] = cloneRequest(req)
	m.requestOrder = append(m.requestOrder, req.ID)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, tenantID, id string) (*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || req.TenantID != tenantID {
		return nil, errors.NotFound("approval_request", id)
	}
	return cloneRequest(req), nil
}

func (m *MemoryStore) ApplyApprovalTransition(_ context.Context, t *ApprovalTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[t.Request.ID]
	if !ok || req.TenantID != t.Request.TenantID {
		return errors.NotFound("approval_request", t.Request.ID)
	}
	if req.Status != ApprovalPending {
		return errors.InvalidState("approval request is no longer PENDING")
	}
	for _, st := range t.Steps {
		var cur *ApprovalStep
		for _, s := range req.Steps {
			if s.ID == st.Step.ID {
				cur = s
			}
		}
		if cur == nil {
			return errors.NotFound("approval_step", st.Step.ID)
		}
		if cur.Status != ApprovalPending || cur.IsCurrent != st.ExpectedCurrent {
			return errors.InvalidState("approval step " + st.Step.ID + " changed concurrently")
		}
	}

	steps := req.Steps
	*req = *cloneRequestHeader(t.Request)
	req.Steps = steps
	for _, st := range t.Steps {
		for i, cur := range req.Steps {
			if cur.ID == st.Step.ID {
				c := *st.Step
				req.Steps[i] = &c
			}
		}
	}
	if t.Decision != nil {
		d := *t.Decision
		m.decisions[req.ID] = append(m.decisions[req.ID], &d)
	}
	return nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, tenantID, requestID string) ([]*ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok || req.TenantID != tenantID {
		return nil, errors.NotFound("approval_request", requestID)
	}
	out := make([]*ApprovalDecision, 0, len(m.decisions[requestID]))
	for _, d := range m.decisions[requestID] {
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) ListPendingRequestsFor(_ context.Context, tenantID string, approverIDs []string) ([]*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ApprovalRequest
	for _, id := range m.requestOrder {
		req := m.requests[id]
		if req.TenantID != tenantID || req.Status != ApprovalPending {
			continue
		}
		if cur := req.CurrentStep(); cur != nil && slices.Contains(approverIDs, cur.ApproverID) {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

// ── Delegates ────────────────────────────────────────────────────────────────

func (m *MemoryStore) CreateDelegate(_ context.Context, d *ApprovalDelegate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.delegates[d.ID]; exists {
		return errors.InvalidState("approval delegate " + d.ID + " already exists")
	}
	m.delegates[d.ID] = cloneDelegate(d)
	m.delegateOrder = append(m.delegateOrder, d.ID)
	return nil
}

func (m *MemoryStore) GetDelegate(_ context.Context, tenantID, id string) (*ApprovalDelegate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.delegates[id]
	if !ok || d.TenantID != tenantID {
		return nil, errors.NotFound("approval_delegate", id)
	}
	return cloneDelegate(d), nil
}

func (m *MemoryStore) RevokeDelegate(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.delegates[id]
	if !ok || d.TenantID != tenantID {
		return errors.NotFound("approval_delegate", id)
	}
	d.IsActive = false
	return nil
}

func (m *MemoryStore) ListDelegatesByApprover(_ context.Context, tenantID, approverID string) ([]*ApprovalDelegate, error) {
	return m.listDelegates(tenantID, func(d *ApprovalDelegate) bool { return d.ApproverID == approverID }), nil
}

func (m *MemoryStore) ListDelegatesByDelegate(_ context.Context, tenantID, delegateID string) ([]*ApprovalDelegate, error) {
	return m.listDelegates(tenantID, func(d *ApprovalDelegate) bool { return d.DelegateID == delegateID }), nil
}

func (m *MemoryStore) listDelegates(tenantID string, match func(*ApprovalDelegate) bool) []*ApprovalDelegate {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ApprovalDelegate
	for _, id := range m.delegateOrder {
		d := m.delegates[id]
		if d.TenantID == tenantID && match(d) {
			out = append(out, cloneDelegate(d))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

// ── copy helpers ─────────────────────────────────────────────────────────────

func cloneDefinition(d *WorkflowDefinition) *WorkflowDefinition {
	c := *d
	c.Steps = make([]*WorkflowStep, 0, len(d.Steps))
	for _, s := range d.Steps {
		sc := *s
		c.Steps = append(c.Steps, &sc)
	}
	c.Transitions = make([]*WorkflowTransition, 0, len(d.Transitions))
	for _, t := range d.Transitions {
		tc := *t
		c.Transitions = append(c.Transitions, &tc)
	}
	return &c
}

func cloneInstanceHeader(i *WorkflowInstance) *WorkflowInstance {
	c := *i
	c.CurrentStepID = copyPtr(i.CurrentStepID)
	c.Steps = nil
	return &c
}

func cloneInstance(i *WorkflowInstance) *WorkflowInstance {
	c := cloneInstanceHeader(i)
	c.Steps = make([]*WorkflowStepInstance, 0, len(i.Steps))
	for _, s := range i.Steps {
		c.Steps = append(c.Steps, cloneStepInstance(s))
	}
	return c
}

func cloneStepInstance(s *WorkflowStepInstance) *WorkflowStepInstance {
	c := *s
	return &c
}

func cloneHistory(h *WorkflowHistory) *WorkflowHistory {
	c := *h
	return &c
}

func cloneRequestHeader(r *ApprovalRequest) *ApprovalRequest {
	c := *r
	c.Steps = nil
	return &c
}

func cloneRequest(r *ApprovalRequest) *ApprovalRequest {
	c := cloneRequestHeader(r)
	c.Steps = make([]*ApprovalStep, 0, len(r.Steps))
	for _, s := range r.Steps {
		sc := *s
		c.Steps = append(c.Steps, &sc)
	}
	return c
}

func cloneDelegate(d *ApprovalDelegate) *ApprovalDelegate {
	c := *d
	c.WorkflowIDs = slices.Clone(d.WorkflowIDs)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
