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

// CreateRequestInput is the input of CreateRequest.
type CreateRequestInput struct {
	TenantID     string
	WorkflowID   *string
	Title        string
	EntityType   *string
	EntityID     *string
	RequesterID  string
	Approvers    []string // in approval order
	Amount       int64
	Currency     string
	ApprovalType repository.ApprovalType // empty means SEQUENTIAL
}

// CreateDelegateInput is the input of CreateDelegate.
type CreateDelegateInput struct {
	TenantID    string
	ApproverID  string
	DelegateID  string
	StartDate   time.Time
	EndDate     time.Time
	MaxAmount   *int64
	WorkflowIDs []string
	Reason      *string
}

// ApprovalChainService walks sequential approver lists with time-boxed
// delegation.
type ApprovalChainService struct {
	approvals repository.ApprovalStore
	delegates repository.DelegateStore
	gateway   Gateway
	log       *logger.Logger
	opts      options
	m         *metrics
}

// NewApprovalChainService creates a new ApprovalChainService.
func NewApprovalChainService(
	approvals repository.ApprovalStore,
	delegates repository.DelegateStore,
	gateway Gateway,
	log *logger.Logger,
	opts ...Option,
) *ApprovalChainService {
	o := buildOptions(opts)
	if gateway == nil {
		gateway = NopGateway{}
	}
	return &ApprovalChainService{
		approvals: approvals,
		delegates: delegates,
		gateway:   gateway,
		log:       log,
		opts:      o,
		m:         newMetrics(o.meter),
	}
}

// ── Request creation ──────────────────────────────────────────────────────────

// CreateRequest opens a PENDING request with one step per approver; the first
// step is current.
func (s *ApprovalChainService) CreateRequest(ctx context.Context, in CreateRequestInput) (*repository.ApprovalRequest, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, errors.InvalidInput("tenant_id", "is required")
	}
	if strings.TrimSpace(in.RequesterID) == "" {
		return nil, errors.InvalidInput("requester_id", "is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.InvalidInput("title", "is required")
	}
	if len(in.Approvers) == 0 {
		return nil, errors.InvalidInput("approvers", "at least one approver is required")
	}
	if in.Amount < 0 {
		return nil, errors.InvalidInput("amount", "must not be negative")
	}
	approvalType := in.ApprovalType
	if approvalType == "" {
		approvalType = repository.ApprovalSequential
	}
	switch approvalType {
	case repository.ApprovalSequential:
	case repository.ApprovalParallel:
		return nil, errors.InvalidInput("approval_type", "PARALLEL approval is not supported")
	default:
		return nil, errors.InvalidInput("approval_type", fmt.Sprintf("unknown approval type %q", approvalType))
	}

	now := s.opts.now()
	req := &repository.ApprovalRequest{
		ID:           s.opts.newID(),
		TenantID:     in.TenantID,
		WorkflowID:   in.WorkflowID,
		Title:        in.Title,
		EntityType:   in.EntityType,
		EntityID:     in.EntityID,
		RequesterID:  in.RequesterID,
		ApprovalType: approvalType,
		Amount:       in.Amount,
		Currency:     in.Currency,
		Status:       repository.ApprovalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, approver := range in.Approvers {
		if strings.TrimSpace(approver) == "" {
			return nil, errors.InvalidInput("approvers", fmt.Sprintf("approver %d is blank", i+1))
		}
		req.Steps = append(req.Steps, &repository.ApprovalStep{
			ID:         s.opts.newID(),
			TenantID:   in.TenantID,
			RequestID:  req.ID,
			StepOrder:  i + 1,
			ApproverID: approver,
			Status:     repository.ApprovalPending,
			IsCurrent:  i == 0,
		})
	}

	if err := s.approvals.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.m.transition(ctx, "approval_request", string(req.Status))
	s.log.Info().
		Str("request_id", req.ID).
		Str("requester_id", req.RequesterID).
		Int("total_steps", len(req.Steps)).
		Msg("Approval request created")

	s.notifyApprover(ctx, req, req.Steps[0], in.RequesterID, now)

	return req, nil
}

// ── Delegation ────────────────────────────────────────────────────────────────

// ResolveActor returns who may act for approverID on req at now: the approver,
// or the delegate of the earliest-starting active delegation that covers the
// request. The delegation is returned when one applied.
func (s *ApprovalChainService) ResolveActor(
	ctx context.Context,
	req *repository.ApprovalRequest,
	approverID string,
	now time.Time,
) (string, *repository.ApprovalDelegate, error) {
	delegates, err := s.delegates.ListDelegatesByApprover(ctx, req.TenantID, approverID)
	if err != nil {
		return "", nil, err
	}
	var chosen *repository.ApprovalDelegate
	for _, d := range delegates {
		if !d.Covers(req, now) {
			continue
		}
		if chosen == nil || d.StartDate.Before(chosen.StartDate) {
			chosen = d
		}
	}
	if chosen != nil {
		return chosen.DelegateID, chosen, nil
	}
	return approverID, nil, nil
}

// CreateDelegate lets DelegateID act for ApproverID inside [StartDate, EndDate].
func (s *ApprovalChainService) CreateDelegate(ctx context.Context, in CreateDelegateInput) (*repository.ApprovalDelegate, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, errors.InvalidInput("tenant_id", "is required")
	}
	if strings.TrimSpace(in.ApproverID) == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}
	if strings.TrimSpace(in.DelegateID) == "" {
		return nil, errors.InvalidInput("delegate_id", "is required")
	}
	if in.ApproverID == in.DelegateID {
		return nil, errors.InvalidInput("delegate_id", "an approver cannot delegate to themselves")
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return nil, errors.InvalidInput("start_date", "start and end dates are required")
	}
	if in.EndDate.Before(in.StartDate) {
		return nil, errors.InvalidInput("end_date", "must not be before start_date")
	}
	if in.MaxAmount != nil && *in.MaxAmount < 0 {
		return nil, errors.InvalidInput("max_amount", "must not be negative")
	}

	d := &repository.ApprovalDelegate{
		ID:          s.opts.newID(),
		TenantID:    in.TenantID,
		ApproverID:  in.ApproverID,
		DelegateID:  in.DelegateID,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		MaxAmount:   in.MaxAmount,
		WorkflowIDs: in.WorkflowIDs,
		IsActive:    true,
		Reason:      in.Reason,
		CreatedAt:   s.opts.now(),
	}
	if err := s.delegates.CreateDelegate(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("delegate_id", d.ID).
		Str("approver_id", d.ApproverID).
		Str("delegate", d.DelegateID).
		Time("start_date", d.StartDate).
		Time("end_date", d.EndDate).
		Msg("Approval delegate created")

	return d, nil
}

// RevokeDelegate deactivates a delegation. Only the granting approver may revoke it.
func (s *ApprovalChainService) RevokeDelegate(ctx context.Context, tenantID, id, actorID string) error {
	d, err := s.delegates.GetDelegate(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if d.ApproverID != actorID {
		return errors.Forbidden("only the granting approver can revoke a delegation")
	}
	if err := s.delegates.RevokeDelegate(ctx, tenantID, id); err != nil {
		return err
	}

	s.log.Info().
		Str("delegate_id", id).
		Str("approver_id", d.ApproverID).
		Msg("Approval delegate revoked")

	return nil
}

// ListDelegates returns the delegations granted by approverID.
func (s *ApprovalChainService) ListDelegates(ctx context.Context, tenantID, approverID string) ([]*repository.ApprovalDelegate, error) {
	return s.delegates.ListDelegatesByApprover(ctx, tenantID, approverID)
}

// ── Approve / Reject ──────────────────────────────────────────────────────────

// Approve records approval of the current step and makes the next one current,
// or approves the request when it was the last.
func (s *ApprovalChainService) Approve(ctx context.Context, tenantID, requestID, actorID string, comments *string) (*repository.ApprovalRequest, error) {
	return s.decide(ctx, tenantID, requestID, actorID, repository.ApprovalApproved, comments)
}

// Reject rejects the current step and the request; later steps never become current.
func (s *ApprovalChainService) Reject(ctx context.Context, tenantID, requestID, actorID string, comments *string) (*repository.ApprovalRequest, error) {
	return s.decide(ctx, tenantID, requestID, actorID, repository.ApprovalRejected, comments)
}

func (s *ApprovalChainService) decide(
	ctx context.Context,
	tenantID, requestID, actorID string,
	decision repository.ApprovalStatus,
	comments *string,
) (*repository.ApprovalRequest, error) {
	req, err := s.approvals.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.ApprovalPending {
		return nil, errors.InvalidState(fmt.Sprintf("approval request is not PENDING (status: %s)", req.Status))
	}
	cur := req.CurrentStep()
	if cur == nil {
		return nil, errors.NotFound("approval_step", "current")
	}

	now := s.opts.now()
	allowed, delegation, err := s.ResolveActor(ctx, req, cur.ApproverID, now)
	if err != nil {
		return nil, err
	}
	if actorID != allowed {
		return nil, errors.Forbidden("user is not authorized to act on this approval step")
	}

	cur.Status = decision
	cur.IsCurrent = false
	cur.ActedByID = &actorID
	cur.ActedAt = &now
	cur.Comments = comments
	steps := []repository.ApprovalStepTransition{{Step: cur, ExpectedCurrent: true}}

	terminal := decision == repository.ApprovalRejected
	var assigned *repository.ApprovalStep
	if decision == repository.ApprovalApproved {
		if next := nextApprovalStep(req, cur.StepOrder); next != nil {
			next.IsCurrent = true
			assigned = next
			steps = append(steps, repository.ApprovalStepTransition{Step: next, ExpectedCurrent: false})
		} else {
			terminal = true
		}
	}
	if terminal {
		final := decision
		req.Status = decision
		req.FinalStatus = &final
		req.CompletedAt = &now
	}
	req.UpdatedAt = now

	record := &repository.ApprovalDecision{
		ID:          s.opts.newID(),
		TenantID:    req.TenantID,
		RequestID:   req.ID,
		StepID:      cur.ID,
		Decision:    decision,
		DecidedByID: actorID,
		Comments:    comments,
		DecidedAt:   now,
	}
	if delegation != nil {
		onBehalfOf := cur.ApproverID
		record.OnBehalfOfID = &onBehalfOf
	}

	err = s.approvals.ApplyApprovalTransition(ctx, &repository.ApprovalTransition{
		Request:  req,
		Steps:    steps,
		Decision: record,
	})
	if err != nil {
		if errors.IsInvalidState(err) {
			s.m.conflict(ctx, "approval_request")
		}
		return nil, err
	}

	s.m.transition(ctx, "approval_request", string(req.Status))
	evt := s.log.Info().
		Str("request_id", req.ID).
		Int("step", cur.StepOrder).
		Str("decision", string(decision)).
		Str("actor_id", actorID).
		Str("status", string(req.Status))
	if delegation != nil {
		evt = evt.Str("on_behalf_of", cur.ApproverID)
	}
	evt.Msg("Approval decision recorded")

	if assigned != nil {
		s.notifyApprover(ctx, req, assigned, actorID, now)
	}
	if terminal {
		outcome := OutcomeApproved
		if decision == repository.ApprovalRejected {
			outcome = OutcomeRejected
		}
		notifyCompletion(ctx, s.gateway, s.log, Completion{
			SubjectType: SubjectApprovalRequest,
			SubjectID:   req.ID,
			TenantID:    req.TenantID,
			EntityType:  req.EntityType,
			EntityID:    req.EntityID,
			Outcome:     outcome,
			ActorID:     actorID,
			Comments:    comments,
			CompletedAt: now,
		})
	}

	return req, nil
}

// notifyApprover tells the step's approver, and whoever currently holds a
// delegation for them, that the request is waiting.
func (s *ApprovalChainService) notifyApprover(ctx context.Context, req *repository.ApprovalRequest, step *repository.ApprovalStep, actorID string, now time.Time) {
	recipients := []string{step.ApproverID}
	if actor, _, err := s.ResolveActor(ctx, req, step.ApproverID, now); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to resolve delegate for notification")
	} else if actor != step.ApproverID {
		recipients = append(recipients, actor)
	}
	notifyAssignment(ctx, s.opts.notifier, s.log, Assignment{
		SubjectType: SubjectApprovalRequest,
		SubjectID:   req.ID,
		TenantID:    req.TenantID,
		Title:       req.Title,
		StepID:      step.ID,
		StepName:    fmt.Sprintf("Approval %d of %d", step.StepOrder, len(req.Steps)),
		StepOrder:   step.StepOrder,
		ActorID:     actorID,
		Recipients:  recipients,
		AssignedAt:  now,
	})
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetRequest returns a request with its steps.
func (s *ApprovalChainService) GetRequest(ctx context.Context, tenantID, id string) (*repository.ApprovalRequest, error) {
	return s.approvals.GetRequest(ctx, tenantID, id)
}

// ListDecisions returns the decisions on a request, oldest first.
func (s *ApprovalChainService) ListDecisions(ctx context.Context, tenantID, requestID string) ([]*repository.ApprovalDecision, error) {
	return s.approvals.ListDecisions(ctx, tenantID, requestID)
}

// ListPendingApprovals returns the requests userID may act on right now,
// either as designated approver or through a covering delegation.
func (s *ApprovalChainService) ListPendingApprovals(ctx context.Context, tenantID, userID string) ([]*repository.ApprovalRequest, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}

	held, err := s.delegates.ListDelegatesByDelegate(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	candidates := []string{userID}
	for _, d := range held {
		if d.IsActive {
			candidates = append(candidates, d.ApproverID)
		}
	}

	reqs, err := s.approvals.ListPendingRequestsFor(ctx, tenantID, candidates)
	if err != nil {
		return nil, err
	}

	now := s.opts.now()
	out := make([]*repository.ApprovalRequest, 0, len(reqs))
	for _, req := range reqs {
		cur := req.CurrentStep()
		if cur == nil {
			continue
		}
		actor, _, err := s.ResolveActor(ctx, req, cur.ApproverID, now)
		if err != nil {
			return nil, err
		}
		if actor == userID {
			out = append(out, req)
		}
	}
	return out, nil
}

// nextApprovalStep returns the first PENDING step after order.
func nextApprovalStep(req *repository.ApprovalRequest, order int) *repository.ApprovalStep {
	var next *repository.ApprovalStep
	for _, st := range req.Steps {
		if st.StepOrder <= order || st.Status != repository.ApprovalPending {
			continue
		}
		if next == nil || st.StepOrder < next.StepOrder {
			next = st
		}
	}
	return next
}
