package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// Assignment tells recipients that a step is waiting on them.
type Assignment struct {
	SubjectType SubjectType
	SubjectID   string
	TenantID    string
	Title       string
	StepID      string
	StepName    string
	StepOrder   int
	ActorID     string   // who caused the assignment
	Recipients  []string // assignee first, then an active delegate if any
	DueAt       *time.Time
	AssignedAt  time.Time
}

// Notifier is told about every step that becomes actionable, after commit.
// Like Gateway, its error never fails the operation.
type Notifier interface {
	OnAssigned(ctx context.Context, a Assignment) error
}

// NopNotifier drops every assignment.
type NopNotifier struct{}

func (NopNotifier) OnAssigned(context.Context, Assignment) error { return nil }

// WithNotifier sets the notifier told about new assignments.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func notifyAssignment(ctx context.Context, n Notifier, log *logger.Logger, a Assignment) {
	if n == nil || len(a.Recipients) == 0 {
		return
	}
	if err := n.OnAssigned(ctx, a); err != nil {
		log.Warn().Err(err).
			Str("subject_type", string(a.SubjectType)).
			Str("subject_id", a.SubjectID).
			Str("step", a.StepName).
			Msg("Assignment notification failed (non-fatal)")
	}
}

func stepAssignment(inst *repository.WorkflowInstance, si *repository.WorkflowStepInstance, actorID string, now time.Time) Assignment {
	a := Assignment{
		SubjectType: SubjectWorkflowInstance,
		SubjectID:   inst.ID,
		TenantID:    inst.TenantID,
		Title:       inst.Title,
		StepID:      si.ID,
		StepName:    si.StepName,
		StepOrder:   si.StepOrder,
		ActorID:     actorID,
		DueAt:       si.DueAt,
		AssignedAt:  now,
	}
	if si.AssignedToID != nil {
		a.Recipients = []string{*si.AssignedToID}
	}
	return a
}
