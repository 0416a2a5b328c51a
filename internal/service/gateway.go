package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
)

// Outcome is the terminal result reported to external systems.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

// SubjectType names the aggregate that reached a terminal outcome.
type SubjectType string

const (
	SubjectWorkflowInstance SubjectType = "workflow_instance"
	SubjectApprovalRequest  SubjectType = "approval_request"
)

// Completion describes one terminal outcome.
type Completion struct {
	SubjectType SubjectType
	SubjectID   string
	TenantID    string
	EntityType  *string
	EntityID    *string
	Outcome     Outcome
	ActorID     string
	Comments    *string
	CompletedAt time.Time
}

// Gateway is notified once per terminal transition, after the transition has
// been committed. Its error never reverts or fails the transition.
type Gateway interface {
	OnWorkflowComplete(ctx context.Context, c Completion) error
}

// NopGateway drops every completion.
type NopGateway struct{}

func (NopGateway) OnWorkflowComplete(context.Context, Completion) error { return nil }

// MultiGateway fans a completion out to every gateway and joins their errors.
type MultiGateway []Gateway

func (m MultiGateway) OnWorkflowComplete(ctx context.Context, c Completion) error {
	var errs []error
	for _, g := range m {
		if err := g.OnWorkflowComplete(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// notifyCompletion calls the gateway and logs a warning on failure (never returns error).
func notifyCompletion(ctx context.Context, gw Gateway, log *logger.Logger, c Completion) {
	if gw == nil {
		return
	}
	if err := gw.OnWorkflowComplete(ctx, c); err != nil {
		log.Warn().Err(err).
			Str("subject_type", string(c.SubjectType)).
			Str("subject_id", c.SubjectID).
			Str("outcome", string(c.Outcome)).
			Msg("Integration gateway failed; transition kept")
	}
}
