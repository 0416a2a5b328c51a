package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// CreateInstanceRequest is the input of CreateInstance.
type CreateInstanceRequest struct {
	TenantID     string
	DefinitionID string
	Title        string
	EntityType   *string
	EntityID     *string
	InitiatorID  string
	// Assignees fills actionable steps that have no static assignee, keyed by
	// step order. Steps with a static assignee cannot be overridden, and the
	// initiator can never be named.
	Assignees map[int]string
}

// InstanceService runs definitions: it materializes instances and walks them
// one active step at a time.
type InstanceService struct {
	definitions repository.DefinitionStore
	instances   repository.InstanceStore
	gateway     Gateway
	log         *logger.Logger
	opts        options
	m           *metrics
}

// NewInstanceService creates a new InstanceService.
func NewInstanceService(
	definitions repository.DefinitionStore,
	instances repository.InstanceStore,
	gateway Gateway,
	log *logger.Logger,
	opts ...Option,
) *InstanceService {
	o := buildOptions(opts)
	if gateway == nil {
		gateway = NopGateway{}
	}
	return &InstanceService{
		definitions: definitions,
		instances:   instances,
		gateway:     gateway,
		log:         log,
		opts:        o,
		m:           newMetrics(o.meter),
	}
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateInstance starts a RUNNING instance of an ACTIVE definition. The START
// step records the submission itself and the first APPROVAL/TASK step becomes
// the single ACTIVE step.
func (s *InstanceService) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*repository.WorkflowInstance, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, errors.InvalidInput("tenant_id", "is required")
	}
	if strings.TrimSpace(req.InitiatorID) == "" {
		return nil, errors.InvalidInput("initiator_id", "is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.InvalidInput("title", "is required")
	}

	def, err := s.definitions.GetDefinition(ctx, req.TenantID, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	if def.Status != repository.DefinitionActive {
		return nil, errors.InvalidInput("definition_id",
			fmt.Sprintf("workflow definition is not ACTIVE (status: %s)", def.Status))
	}

	if err := checkAssignees(def, req.InitiatorID, req.Assignees); err != nil {
		return nil, err
	}

	now := s.opts.now()
	inst := &repository.WorkflowInstance{
		ID:                s.opts.newID(),
		TenantID:          req.TenantID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Title:             req.Title,
		Status:            repository.InstanceRunning,
		InitiatorID:       req.InitiatorID,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var first *repository.WorkflowStepInstance
	for _, st := range def.Steps {
		si := &repository.WorkflowStepInstance{
			ID:         s.opts.newID(),
			TenantID:   req.TenantID,
			InstanceID: inst.ID,
			StepID:     st.ID,
			StepName:   st.Name,
			StepOrder:  st.StepOrder,
			StepType:   st.StepType,
			Status:     repository.StepInstancePending,
		}

		switch {
		case st.StepType == repository.StepStart:
			submit := repository.ActionSubmit
			si.Status = repository.StepInstanceCompleted
			si.AssignedToID = &req.InitiatorID
			si.ActivatedAt = &now
			si.CompletedAt = &now
			si.ActionTaken = &submit
			si.ActionByID = &req.InitiatorID

		case st.StepType.Actionable():
			assignee := st.AssigneeID
			if override, ok := req.Assignees[st.StepOrder]; ok {
				assignee = &override
			}
			if assignee == nil || strings.TrimSpace(*assignee) == "" {
				return nil, errors.InvalidInput("assignees",
					fmt.Sprintf("step %q (order %d) has no assignee", st.Name, st.StepOrder))
			}
			si.AssignedToID = assignee
			if first == nil {
				first = si
				activate(si, st.SLAHours, now)
			}
		}
		inst.Steps = append(inst.Steps, si)
	}
	if first == nil {
		return nil, errors.InvalidInput("definition_id", "workflow definition has no actionable step")
	}
	inst.CurrentStepID = &first.ID

	submit := repository.ActionSubmit
	toStatus := string(repository.InstanceRunning)
	created := &repository.WorkflowHistory{
		ID:             s.opts.newID(),
		TenantID:       inst.TenantID,
		InstanceID:     inst.ID,
		StepInstanceID: &first.ID,
		EventType:      repository.EventCreated,
		ActorID:        req.InitiatorID,
		Action:         &submit,
		ToStepID:       &first.ID,
		ToStatus:       &toStatus,
		CreatedAt:      now,
	}

	if err := s.instances.CreateInstance(ctx, inst, []*repository.WorkflowHistory{created}); err != nil {
		return nil, err
	}

	s.m.transition(ctx, "instance", string(inst.Status))
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("definition_id", def.ID).
		Int("definition_version", def.Version).
		Str("current_step", first.StepName).
		Msg("Workflow instance created")

	notifyAssignment(ctx, s.opts.notifier, s.log, stepAssignment(inst, first, req.InitiatorID, now))

	return inst, nil
}

// checkAssignees rejects overrides that target unknown, non-actionable or
// statically assigned steps, blank ids, and the initiator.
func checkAssignees(def *repository.WorkflowDefinition, initiatorID string, assignees map[int]string) error {
	for order, userID := range assignees {
		var step *repository.WorkflowStep
		for _, st := range def.Steps {
			if st.StepOrder == order {
				step = st
				break
			}
		}
		switch {
		case step == nil || !step.StepType.Actionable():
			return errors.InvalidInput("assignees", fmt.Sprintf("step order %d is not an actionable step", order))
		case step.AssigneeID != nil && strings.TrimSpace(*step.AssigneeID) != "":
			return errors.InvalidInput("assignees",
				fmt.Sprintf("step %q (order %d) has a fixed assignee", step.Name, order))
		case strings.TrimSpace(userID) == "":
			return errors.InvalidInput("assignees", fmt.Sprintf("assignee for step order %d is blank", order))
		case userID == initiatorID:
			return errors.InvalidInput("assignees", "the initiator cannot be assigned a step")
		}
	}
	return nil
}

// ── Take action ───────────────────────────────────────────────────────────────

// TakeAction applies an APPROVE, COMPLETE or REJECT from the current step's
// assignee. Exactly one of several concurrent callers succeeds; the others get
// InvalidState.
func (s *InstanceService) TakeAction(
	ctx context.Context,
	tenantID, instanceID, actorID string,
	action repository.Action,
	comments *string,
) (*repository.WorkflowInstance, error) {
	if !action.Takeable() {
		return nil, errors.InvalidInput("action", fmt.Sprintf("%q is not one of APPROVE, COMPLETE, REJECT", action))
	}

	inst, err := s.instances.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != repository.InstanceRunning {
		return nil, errors.InvalidState(fmt.Sprintf("workflow instance is not RUNNING (status: %s)", inst.Status))
	}
	if inst.CurrentStepID == nil {
		return nil, errors.NotFound("workflow_step_instance", "current")
	}
	cur := inst.StepByID(*inst.CurrentStepID)
	if cur == nil {
		return nil, errors.NotFound("workflow_step_instance", *inst.CurrentStepID)
	}
	if cur.Status != repository.StepInstanceActive {
		return nil, errors.InvalidState(fmt.Sprintf("step %q is not ACTIVE (status: %s)", cur.StepName, cur.Status))
	}
	if cur.AssignedToID == nil || *cur.AssignedToID != actorID {
		return nil, errors.Forbidden("user is not the assignee of the current step")
	}

	now := s.opts.now()
	expectedCurrent := cur.ID
	stepTransitions := []repository.StepTransition{{Step: cur, ExpectedStatus: repository.StepInstanceActive}}

	fromStatus := string(repository.StepInstanceActive)
	cur.CompletedAt = &now
	cur.ActionTaken = &action
	cur.ActionByID = &actorID
	cur.Comments = comments
	if action.Advances() {
		cur.Status = repository.StepInstanceCompleted
	} else {
		cur.Status = repository.StepInstanceRejected
	}
	toStatus := string(cur.Status)

	taken := &repository.WorkflowHistory{
		ID:             s.opts.newID(),
		TenantID:       inst.TenantID,
		InstanceID:     inst.ID,
		StepInstanceID: &cur.ID,
		EventType:      repository.EventActionTaken,
		ActorID:        actorID,
		Action:         &action,
		Comments:       comments,
		FromStepID:     &cur.ID,
		FromStatus:     &fromStatus,
		ToStatus:       &toStatus,
		CreatedAt:      now,
	}
	events := []*repository.WorkflowHistory{taken}

	var outcome Outcome
	var assigned *repository.WorkflowStepInstance
	if action.Advances() {
		if next := nextActionable(inst, cur.StepOrder); next != nil {
			sla, err := s.slaHours(ctx, inst, next.StepID)
			if err != nil {
				return nil, err
			}
			activate(next, sla, now)
			stepTransitions = append(stepTransitions, repository.StepTransition{Step: next, ExpectedStatus: repository.StepInstancePending})
			inst.CurrentStepID = &next.ID
			taken.ToStepID = &next.ID
			assigned = next
		} else {
			for _, st := range inst.Steps {
				if st.StepType == repository.StepEnd && st.Status == repository.StepInstancePending {
					st.Status = repository.StepInstanceCompleted
					st.ActivatedAt = &now
					st.CompletedAt = &now
					stepTransitions = append(stepTransitions, repository.StepTransition{Step: st, ExpectedStatus: repository.StepInstancePending})
				}
			}
			events = append(events, s.terminate(inst, repository.InstanceCompleted, repository.EventCompleted, actorID, comments, now))
			outcome = OutcomeApproved
		}
	} else {
		events = append(events, s.terminate(inst, repository.InstanceRejected, repository.EventRejected, actorID, comments, now))
		outcome = OutcomeRejected
	}
	inst.UpdatedAt = now

	err = s.instances.ApplyInstanceTransition(ctx, &repository.InstanceTransition{
		Instance:              inst,
		ExpectedStatus:        repository.InstanceRunning,
		ExpectedCurrentStepID: &expectedCurrent,
		Steps:                 stepTransitions,
		Events:                events,
	})
	if err != nil {
		if errors.IsInvalidState(err) {
			s.m.conflict(ctx, "instance")
		}
		return nil, err
	}

	s.m.transition(ctx, "instance", string(inst.Status))
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("step", cur.StepName).
		Str("action", string(action)).
		Str("actor_id", actorID).
		Str("status", string(inst.Status)).
		Msg("Workflow action taken")

	if assigned != nil {
		notifyAssignment(ctx, s.opts.notifier, s.log, stepAssignment(inst, assigned, actorID, now))
	}
	if outcome != "" {
		notifyCompletion(ctx, s.gateway, s.log, Completion{
			SubjectType: SubjectWorkflowInstance,
			SubjectID:   inst.ID,
			TenantID:    inst.TenantID,
			EntityType:  inst.EntityType,
			EntityID:    inst.EntityID,
			Outcome:     outcome,
			ActorID:     actorID,
			Comments:    comments,
			CompletedAt: now,
		})
	}

	return inst, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelInstance stops a RUNNING instance. The in-flight step returns to
// PENDING because nobody acted on it. No gateway call is made.
func (s *InstanceService) CancelInstance(ctx context.Context, tenantID, instanceID, actorID, reason string) (*repository.WorkflowInstance, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, errors.InvalidInput("actor_id", "is required")
	}

	inst, err := s.instances.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != repository.InstanceRunning {
		return nil, errors.InvalidState(fmt.Sprintf("workflow instance cannot be cancelled from status '%s'", inst.Status))
	}

	now := s.opts.now()
	expectedCurrent := inst.CurrentStepID
	var stepTransitions []repository.StepTransition
	if expectedCurrent != nil {
		if cur := inst.StepByID(*expectedCurrent); cur != nil && cur.Status == repository.StepInstanceActive {
			cur.Status = repository.StepInstancePending
			cur.ActivatedAt = nil
			cur.DueAt = nil
			stepTransitions = append(stepTransitions, repository.StepTransition{Step: cur, ExpectedStatus: repository.StepInstanceActive})
		}
	}

	var comments *string
	if reason != "" {
		comments = &reason
		inst.CancelReason = &reason
	}
	cancelled := s.terminate(inst, repository.InstanceCancelled, repository.EventCancelled, actorID, comments, now)
	cancelled.FromStepID = expectedCurrent
	inst.UpdatedAt = now

	err = s.instances.ApplyInstanceTransition(ctx, &repository.InstanceTransition{
		Instance:              inst,
		ExpectedStatus:        repository.InstanceRunning,
		ExpectedCurrentStepID: expectedCurrent,
		Steps:                 stepTransitions,
		Events:                []*repository.WorkflowHistory{cancelled},
	})
	if err != nil {
		if errors.IsInvalidState(err) {
			s.m.conflict(ctx, "instance")
		}
		return nil, err
	}

	s.m.transition(ctx, "instance", string(inst.Status))
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("actor_id", actorID).
		Msg("Workflow instance cancelled")

	return inst, nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetInstance returns an instance with its step-instances.
func (s *InstanceService) GetInstance(ctx context.Context, tenantID, id string) (*repository.WorkflowInstance, error) {
	return s.instances.GetInstance(ctx, tenantID, id)
}

// ListHistory returns an instance's audit trail, oldest first.
func (s *InstanceService) ListHistory(ctx context.Context, tenantID, instanceID string) ([]*repository.WorkflowHistory, error) {
	return s.instances.ListHistory(ctx, tenantID, instanceID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// terminate moves inst into a sink status and returns the matching event.
func (s *InstanceService) terminate(
	inst *repository.WorkflowInstance,
	status repository.InstanceStatus,
	eventType repository.HistoryEventType,
	actorID string,
	comments *string,
	now time.Time,
) *repository.WorkflowHistory {
	fromStatus := string(inst.Status)
	toStatus := string(status)
	stepID := inst.CurrentStepID

	inst.Status = status
	inst.CurrentStepID = nil
	inst.CompletedAt = &now

	return &repository.WorkflowHistory{
		ID:             s.opts.newID(),
		TenantID:       inst.TenantID,
		InstanceID:     inst.ID,
		StepInstanceID: stepID,
		EventType:      eventType,
		ActorID:        actorID,
		Comments:       comments,
		FromStatus:     &fromStatus,
		ToStatus:       &toStatus,
		CreatedAt:      now,
	}
}

// slaHours looks up the SLA of a definition step. Instances are pinned to a
// definition version, so the step always exists.
func (s *InstanceService) slaHours(ctx context.Context, inst *repository.WorkflowInstance, stepID string) (*int, error) {
	def, err := s.definitions.GetDefinition(ctx, inst.TenantID, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	for _, st := range def.Steps {
		if st.ID == stepID {
			return st.SLAHours, nil
		}
	}
	return nil, nil
}

// nextActionable returns the first PENDING APPROVAL/TASK step after order.
func nextActionable(inst *repository.WorkflowInstance, order int) *repository.WorkflowStepInstance {
	var next *repository.WorkflowStepInstance
	for _, st := range inst.Steps {
		if st.StepOrder <= order || !st.StepType.Actionable() || st.Status != repository.StepInstancePending {
			continue
		}
		if next == nil || st.StepOrder < next.StepOrder {
			next = st
		}
	}
	return next
}

// activate marks si ACTIVE at now and derives its informational due date.
func activate(si *repository.WorkflowStepInstance, slaHours *int, now time.Time) {
	si.Status = repository.StepInstanceActive
	si.ActivatedAt = &now
	if slaHours != nil && *slaHours > 0 {
		due := now.Add(time.Duration(*slaHours) * time.Hour)
		si.DueAt = &due
	}
}
