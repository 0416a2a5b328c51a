package repository

import "time"

// ── Domain types for approval chains ─────────────────────────────────────────

// ApprovalStatus is shared by requests and their steps.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ApprovalType selects how steps are walked. Only SEQUENTIAL is accepted.
type ApprovalType string

const (
	ApprovalSequential ApprovalType = "SEQUENTIAL"
	ApprovalParallel   ApprovalType = "PARALLEL"
)

// ApprovalRequest is a linear multi-approver request.
type ApprovalRequest struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	WorkflowID   *string         `json:"workflow_id,omitempty"` // scope key matched against delegate workflow ids
	Title        string          `json:"title"`
	EntityType   *string         `json:"entity_type,omitempty"`
	EntityID     *string         `json:"entity_id,omitempty"`
	RequesterID  string          `json:"requester_id"`
	ApprovalType ApprovalType    `json:"approval_type"`
	Amount       int64           `json:"amount"` // minor units; audit context only
	Currency     string          `json:"currency"`
	Status       ApprovalStatus  `json:"status"`
	FinalStatus  *ApprovalStatus `json:"final_status,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Steps        []*ApprovalStep `json:"steps,omitempty"` // ordered by step_order
}

// CurrentStep returns the step flagged current, or nil.
func (r *ApprovalRequest) CurrentStep() *ApprovalStep {
	for _, s := range r.Steps {
		if s.IsCurrent {
			return s
		}
	}
	return nil
}

// ApprovalStep is one approver slot of a request.
type ApprovalStep struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	RequestID  string         `json:"request_id"`
	StepOrder  int            `json:"step_order"`
	ApproverID string         `json:"approver_id"`
	Status     ApprovalStatus `json:"status"`
	IsCurrent  bool           `json:"is_current"`
	ActedByID  *string        `json:"acted_by_id,omitempty"`
	ActedAt    *time.Time     `json:"acted_at,omitempty"`
	Comments   *string        `json:"comments,omitempty"`
}

// ApprovalDecision is one immutable decision record.
type ApprovalDecision struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	RequestID    string         `json:"request_id"`
	StepID       string         `json:"step_id"`
	Decision     ApprovalStatus `json:"decision"`                  // APPROVED | REJECTED
	DecidedByID  string         `json:"decided_by_id"`             // who actually acted
	OnBehalfOfID *string        `json:"on_behalf_of_id,omitempty"` // designated approver when a delegate acted
	Comments     *string        `json:"comments,omitempty"`
	DecidedAt    time.Time      `json:"decided_at"`
}

// ApprovalDelegate lets DelegateID act for ApproverID inside [StartDate, EndDate].
type ApprovalDelegate struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ApproverID  string    `json:"approver_id"`
	DelegateID  string    `json:"delegate_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	MaxAmount   *int64    `json:"max_amount,omitempty"`   // nil = any amount
	WorkflowIDs []string  `json:"workflow_ids,omitempty"` // empty = any workflow
	IsActive    bool      `json:"is_active"`
	Reason      *string   `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Covers reports whether the delegate may act on req at instant at.
func (d *ApprovalDelegate) Covers(req *ApprovalRequest, at time.Time) bool {
	if !d.IsActive {
		return false
	}
	if at.Before(d.StartDate) || at.After(d.EndDate) {
		return false
	}
	if d.MaxAmount != nil && req.Amount > *d.MaxAmount {
		return false
	}
	if len(d.WorkflowIDs) > 0 {
		if req.WorkflowID == nil {
			return false
		}
		for _, id := range d.WorkflowIDs {
			if id == *req.WorkflowID {
				return true
			}
		}
		return false
	}
	return true
}

// ApprovalTransition is the unit of work for one decision on a request.
// The request must still be PENDING and every step must still be PENDING
// with the expected current flag.
type ApprovalTransition struct {
	Request  *ApprovalRequest // post-state
	Steps    []ApprovalStepTransition
	Decision *ApprovalDecision
}

// ApprovalStepTransition is a step post-state plus its expected current flag.
type ApprovalStepTransition struct {
	Step            *ApprovalStep
	ExpectedCurrent bool
}
