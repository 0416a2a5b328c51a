package repository

import "time"

// ── Definition (compile-time graph) ──────────────────────────────────────────

// DefinitionStatus is the lifecycle of a definition version.
type DefinitionStatus string

const (
	DefinitionDraft   DefinitionStatus = "DRAFT"
	DefinitionActive  DefinitionStatus = "ACTIVE"
	DefinitionRetired DefinitionStatus = "RETIRED"
)

// StepType classifies a node of the definition graph.
type StepType string

const (
	StepStart    StepType = "START"
	StepApproval StepType = "APPROVAL"
	StepTask     StepType = "TASK"
	StepEnd      StepType = "END"
)

// Actionable reports whether an actor takes this step. START and END are
// stamped by the engine itself.
func (t StepType) Actionable() bool {
	return t == StepApproval || t == StepTask
}

func (t StepType) Valid() bool {
	switch t {
	case StepStart, StepApproval, StepTask, StepEnd:
		return true
	}
	return false
}

// Action is the closed set of trigger actions.
type Action string

const (
	ActionSubmit   Action = "SUBMIT"
	ActionApprove  Action = "APPROVE"
	ActionComplete Action = "COMPLETE"
	ActionReject   Action = "REJECT"
)

// ValidTrigger reports whether a transition may be keyed by a.
func (a Action) ValidTrigger() bool {
	switch a {
	case ActionSubmit, ActionApprove, ActionComplete, ActionReject:
		return true
	}
	return false
}

// Takeable reports whether an actor may submit a on an active step.
func (a Action) Takeable() bool {
	return a == ActionApprove || a == ActionComplete || a == ActionReject
}

// Advances reports whether a moves the instance forward (as opposed to
// rejecting it).
func (a Action) Advances() bool {
	return a == ActionApprove || a == ActionComplete
}

// WorkflowDefinition is one immutable version of a process graph.
type WorkflowDefinition struct {
	ID               string                `json:"id"`
	TenantID         string                `json:"tenant_id"`
	Code             string                `json:"code"`
	Name             string                `json:"name"`
	Description      *string               `json:"description,omitempty"`
	Version          int                   `json:"version"`
	Status           DefinitionStatus      `json:"status"`
	IsCurrentVersion bool                  `json:"is_current_version"`
	CreatedBy        string                `json:"created_by"`
	CreatedAt        time.Time             `json:"created_at"`
	ActivatedAt      *time.Time            `json:"activated_at,omitempty"`
	RetiredAt        *time.Time            `json:"retired_at,omitempty"`
	Steps            []*WorkflowStep       `json:"steps,omitempty"`
	Transitions      []*WorkflowTransition `json:"transitions,omitempty"`
}

// WorkflowStep is a node in a definition.
type WorkflowStep struct {
	ID           string   `json:"id"`
	DefinitionID string   `json:"definition_id"`
	Name         string   `json:"name"`
	StepOrder    int      `json:"step_order"`
	StepType     StepType `json:"step_type"`
	AssigneeID   *string  `json:"assignee_id,omitempty"`
	SLAHours     *int     `json:"sla_hours,omitempty"`
}

// WorkflowTransition is a directed edge keyed by a trigger action.
type WorkflowTransition struct {
	ID            string `json:"id"`
	DefinitionID  string `json:"definition_id"`
	FromStepID    string `json:"from_step_id"`
	ToStepID      string `json:"to_step_id"`
	TriggerAction Action `json:"trigger_action"`
}

// ── Instance (runtime graph walk) ─────────────────────────────────────────────

// InstanceStatus is the instance state machine. Everything but RUNNING is a sink.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceRejected  InstanceStatus = "REJECTED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceRejected || s == InstanceCancelled
}

// StepInstanceStatus is the state of one materialized step.
type StepInstanceStatus string

const (
	StepInstancePending   StepInstanceStatus = "PENDING"
	StepInstanceActive    StepInstanceStatus = "ACTIVE"
	StepInstanceCompleted StepInstanceStatus = "COMPLETED"
	StepInstanceRejected  StepInstanceStatus = "REJECTED"
)

// WorkflowInstance is one execution of a pinned definition version.
type WorkflowInstance struct {
	ID                string                  `json:"id"`
	TenantID          string                  `json:"tenant_id"`
	DefinitionID      string                  `json:"definition_id"`
	DefinitionVersion int                     `json:"definition_version"`
	Title             string                  `json:"title"`
	Status            InstanceStatus          `json:"status"`
	CurrentStepID     *string                 `json:"current_step_id"` // step-instance id; nil unless RUNNING
	InitiatorID       string                  `json:"initiator_id"`
	EntityType        *string                 `json:"entity_type,omitempty"`
	EntityID          *string                 `json:"entity_id,omitempty"`
	CancelReason      *string                 `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
	CompletedAt       *time.Time              `json:"completed_at,omitempty"`
	Steps             []*WorkflowStepInstance `json:"steps,omitempty"` // ordered by step_order
}

// StepByID returns the materialized step with the given id.
func (i *WorkflowInstance) StepByID(id string) *WorkflowStepInstance {
	for _, s := range i.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// WorkflowStepInstance is the runtime row of one WorkflowStep.
type WorkflowStepInstance struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	InstanceID   string             `json:"instance_id"`
	StepID       string             `json:"step_id"`
	StepName     string             `json:"step_name"`
	StepOrder    int                `json:"step_order"`
	StepType     StepType           `json:"step_type"`
	Status       StepInstanceStatus `json:"status"`
	AssignedToID *string            `json:"assigned_to_id,omitempty"`
	ActivatedAt  *time.Time         `json:"activated_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	DueAt        *time.Time         `json:"due_at,omitempty"`
	ActionTaken  *Action            `json:"action_taken,omitempty"`
	ActionByID   *string            `json:"action_by_id,omitempty"`
	Comments     *string            `json:"comments,omitempty"`
}

// HistoryEventType enumerates lifecycle events.
type HistoryEventType string

const (
	EventCreated     HistoryEventType = "CREATED"
	EventActionTaken HistoryEventType = "ACTION_TAKEN"
	EventCompleted   HistoryEventType = "COMPLETED"
	EventRejected    HistoryEventType = "REJECTED"
	EventCancelled   HistoryEventType = "CANCELLED"
)

// WorkflowHistory is one append-only audit event.
type WorkflowHistory struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	InstanceID     string           `json:"instance_id"`
	StepInstanceID *string          `json:"step_instance_id,omitempty"`
	EventType      HistoryEventType `json:"event_type"`
	ActorID        string           `json:"actor_id"`
	Action         *Action          `json:"action,omitempty"`
	Comments       *string          `json:"comments,omitempty"`
	FromStepID     *string          `json:"from_step_id,omitempty"`
	ToStepID       *string          `json:"to_step_id,omitempty"`
	FromStatus     *string          `json:"from_status,omitempty"`
	ToStatus       *string          `json:"to_status,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ── Guarded transitions ──────────────────────────────────────────────────────

// InstanceTransition is the unit of work persisted for one mutation of the
// instance aggregate. Stores apply every row only if the expected pre-state
// still holds and otherwise reject the whole transition with InvalidState.
type InstanceTransition struct {
	Instance              *WorkflowInstance // post-state
	ExpectedStatus        InstanceStatus
	ExpectedCurrentStepID *string
	Steps                 []StepTransition
	Events                []*WorkflowHistory
}

// StepTransition is the post-state of one step-instance plus the status it
// must still have.
type StepTransition struct {
	Step           *WorkflowStepInstance
	ExpectedStatus StepInstanceStatus
}
