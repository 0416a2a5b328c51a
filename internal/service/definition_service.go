package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// StepInput describes one step of a new definition.
type StepInput struct {
	Name       string
	StepOrder  int
	StepType   repository.StepType
	AssigneeID *string
	SLAHours   *int
}

// TransitionInput is an edge addressed by step orders, since step ids do not
// exist until the definition is created.
type TransitionInput struct {
	FromOrder     int
	ToOrder       int
	TriggerAction repository.Action
}

// CreateDefinitionRequest is the input of CreateDefinition.
type CreateDefinitionRequest struct {
	TenantID    string
	Code        string
	Name        string
	Description *string
	CreatedBy   string
	Steps       []StepInput
	Transitions []TransitionInput
}

// DefinitionService manages versioned process definitions.
type DefinitionService struct {
	store repository.DefinitionStore
	log   *logger.Logger
	opts  options
	m     *metrics
}

// NewDefinitionService creates a new DefinitionService.
func NewDefinitionService(store repository.DefinitionStore, log *logger.Logger, opts ...Option) *DefinitionService {
	o := buildOptions(opts)
	return &DefinitionService{store: store, log: log, opts: o, m: newMetrics(o.meter)}
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateDefinition validates the graph and stores it as the next DRAFT version
// of req.Code.
func (s *DefinitionService) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) (*repository.WorkflowDefinition, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, errors.InvalidInput("tenant_id", "is required")
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, errors.InvalidInput("created_by", "is required")
	}

	def := &repository.WorkflowDefinition{
		ID:          s.opts.newID(),
		TenantID:    req.TenantID,
		Code:        strings.TrimSpace(req.Code),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Status:      repository.DefinitionDraft,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   s.opts.now(),
	}

	byOrder := make(map[int]*repository.WorkflowStep, len(req.Steps))
	for _, in := range req.Steps {
		step := &repository.WorkflowStep{
			ID:           s.opts.newID(),
			DefinitionID: def.ID,
			Name:         strings.TrimSpace(in.Name),
			StepOrder:    in.StepOrder,
			StepType:     in.StepType,
			AssigneeID:   in.AssigneeID,
			SLAHours:     in.SLAHours,
		}
		def.Steps = append(def.Steps, step)
		if _, dup := byOrder[in.StepOrder]; !dup {
			byOrder[in.StepOrder] = step
		}
	}
	sort.SliceStable(def.Steps, func(i, j int) bool { return def.Steps[i].StepOrder < def.Steps[j].StepOrder })

	for _, in := range req.Transitions {
		from, ok := byOrder[in.FromOrder]
		if !ok {
			return nil, errors.InvalidInput("transitions", fmt.Sprintf("no step with order %d", in.FromOrder))
		}
		to, ok := byOrder[in.ToOrder]
		if !ok {
			return nil, errors.InvalidInput("transitions", fmt.Sprintf("no step with order %d", in.ToOrder))
		}
		def.Transitions = append(def.Transitions, &repository.WorkflowTransition{
			ID:            s.opts.newID(),
			DefinitionID:  def.ID,
			FromStepID:    from.ID,
			ToStepID:      to.ID,
			TriggerAction: in.TriggerAction,
		})
	}

	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.m.transition(ctx, "definition", string(def.Status))
	s.log.Info().
		Str("definition_id", def.ID).
		Str("code", def.Code).
		Int("version", def.Version).
		Int("steps", len(def.Steps)).
		Msg("Workflow definition created")

	return def, nil
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Activate moves a DRAFT to ACTIVE and makes it the current version of its code.
func (s *DefinitionService) Activate(ctx context.Context, tenantID, id string) (*repository.WorkflowDefinition, error) {
	def, err := s.store.GetDefinition(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if def.Status != repository.DefinitionDraft {
		return nil, errors.InvalidState(fmt.Sprintf("workflow definition is not DRAFT (status: %s)", def.Status))
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	def, err = s.store.ActivateDefinition(ctx, tenantID, id, s.opts.now())
	if err != nil {
		return nil, err
	}

	s.m.transition(ctx, "definition", string(def.Status))
	s.log.Info().
		Str("definition_id", def.ID).
		Str("code", def.Code).
		Int("version", def.Version).
		Msg("Workflow definition activated")

	return def, nil
}

// Retire moves an ACTIVE version to RETIRED. Instances already pinned to it
// keep running.
func (s *DefinitionService) Retire(ctx context.Context, tenantID, id string) (*repository.WorkflowDefinition, error) {
	def, err := s.store.RetireDefinition(ctx, tenantID, id, s.opts.now())
	if err != nil {
		return nil, err
	}

	s.m.transition(ctx, "definition", string(def.Status))
	s.log.Info().
		Str("definition_id", def.ID).
		Str("code", def.Code).
		Int("version", def.Version).
		Msg("Workflow definition retired")

	return def, nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetDefinition returns one definition version with its graph.
func (s *DefinitionService) GetDefinition(ctx context.Context, tenantID, id string) (*repository.WorkflowDefinition, error) {
	return s.store.GetDefinition(ctx, tenantID, id)
}

// ListDefinitions returns every version of code, or of every code when code is empty.
func (s *DefinitionService) ListDefinitions(ctx context.Context, tenantID, code string) ([]*repository.WorkflowDefinition, error) {
	return s.store.ListDefinitions(ctx, tenantID, code)
}

// ── Seeds ─────────────────────────────────────────────────────────────────────

// ApplySeed creates every definition in seed for tenantID, activating those
// flagged so. It stops at the first failure.
func (s *DefinitionService) ApplySeed(ctx context.Context, tenantID string, seed *repository.SeedFile) ([]*repository.WorkflowDefinition, error) {
	var out []*repository.WorkflowDefinition
	for _, sd := range seed.Definitions {
		req := CreateDefinitionRequest{
			TenantID:    tenantID,
			Code:        sd.Code,
			Name:        sd.Name,
			Description: sd.Description,
			CreatedBy:   sd.CreatedBy,
		}
		if req.CreatedBy == "" {
			req.CreatedBy = "seed"
		}
		for _, st := range sd.Steps {
			req.Steps = append(req.Steps, StepInput{
				Name:       st.Name,
				StepOrder:  st.Order,
				StepType:   repository.StepType(strings.ToUpper(st.Type)),
				AssigneeID: st.Assignee,
				SLAHours:   st.SLAHours,
			})
		}
		for _, tr := range sd.Transitions {
			req.Transitions = append(req.Transitions, TransitionInput{
				FromOrder:     tr.From,
				ToOrder:       tr.To,
				TriggerAction: repository.Action(strings.ToUpper(tr.Trigger)),
			})
		}

		def, err := s.CreateDefinition(ctx, req)
		if err != nil {
			return out, fmt.Errorf("seed %s: %w", sd.Code, err)
		}
		if sd.Activate {
			if def, err = s.Activate(ctx, tenantID, def.ID); err != nil {
				return out, fmt.Errorf("seed %s: %w", sd.Code, err)
			}
		}
		out = append(out, def)
	}
	return out, nil
}

// ── Validation ────────────────────────────────────────────────────────────────

// ValidateDefinition checks the structural rules every runnable graph obeys.
func ValidateDefinition(def *repository.WorkflowDefinition) error {
	if def.Code == "" {
		return errors.InvalidInput("code", "is required")
	}
	if def.Name == "" {
		return errors.InvalidInput("name", "is required")
	}
	if len(def.Steps) == 0 {
		return errors.InvalidInput("steps", "at least one step is required")
	}

	var start *repository.WorkflowStep
	ends, actionable := 0, 0
	orders := make(map[int]bool, len(def.Steps))
	ids := make(map[string]*repository.WorkflowStep, len(def.Steps))
	lowest := def.Steps[0].StepOrder

	for _, st := range def.Steps {
		if st.Name == "" {
			return errors.InvalidInput("steps", fmt.Sprintf("step %d has no name", st.StepOrder))
		}
		if !st.StepType.Valid() {
			return errors.InvalidInput("steps", fmt.Sprintf("unknown step type %q", st.StepType))
		}
		if orders[st.StepOrder] {
			return errors.InvalidInput("steps", fmt.Sprintf("duplicate step order %d", st.StepOrder))
		}
		if st.SLAHours != nil && *st.SLAHours <= 0 {
			return errors.InvalidInput("steps", fmt.Sprintf("step %d sla_hours must be positive", st.StepOrder))
		}
		orders[st.StepOrder] = true
		ids[st.ID] = st
		lowest = min(lowest, st.StepOrder)

		switch {
		case st.StepType == repository.StepStart:
			if start != nil {
				return errors.InvalidInput("steps", "exactly one START step is required")
			}
			start = st
		case st.StepType == repository.StepEnd:
			ends++
		case st.StepType.Actionable():
			actionable++
		}
	}

	if start == nil {
		return errors.InvalidInput("steps", "exactly one START step is required")
	}
	if start.StepOrder != lowest {
		return errors.InvalidInput("steps", "START must have the lowest step order")
	}
	if ends == 0 {
		return errors.InvalidInput("steps", "at least one END step is required")
	}
	if actionable == 0 {
		return errors.InvalidInput("steps", "at least one APPROVAL or TASK step is required")
	}

	edges := make(map[string][]string, len(def.Steps))
	for _, t := range def.Transitions {
		if !t.TriggerAction.ValidTrigger() {
			return errors.InvalidInput("transitions", fmt.Sprintf("unknown trigger action %q", t.TriggerAction))
		}
		if ids[t.FromStepID] == nil || ids[t.ToStepID] == nil {
			return errors.InvalidInput("transitions", "transition endpoint is not a step of this definition")
		}
		edges[t.FromStepID] = append(edges[t.FromStepID], t.ToStepID)
	}

	seen := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range edges[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, st := range def.Steps {
		if !seen[st.ID] {
			return errors.InvalidInput("steps", fmt.Sprintf("step %q is not reachable from START", st.Name))
		}
	}
	return nil
}
