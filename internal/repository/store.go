package repository

import (
	"context"
	"time"
)

// DefinitionStore persists versioned process graphs.
type DefinitionStore interface {
	// CreateDefinition stores def with its steps and transitions as the next
	// version of def.Code and sets def.Version.
	CreateDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetDefinition(ctx context.Context, tenantID, id string) (*WorkflowDefinition, error)
	// ListDefinitions returns every version, newest first. An empty code lists all codes.
	ListDefinitions(ctx context.Context, tenantID, code string) ([]*WorkflowDefinition, error)
	// ActivateDefinition moves a DRAFT to ACTIVE and makes it the current
	// version. It fails with InvalidState if another version of the code is ACTIVE.
	ActivateDefinition(ctx context.Context, tenantID, id string, at time.Time) (*WorkflowDefinition, error)
	// RetireDefinition moves an ACTIVE version to RETIRED.
	RetireDefinition(ctx context.Context, tenantID, id string, at time.Time) (*WorkflowDefinition, error)
}

// InstanceStore persists the instance aggregate and its history log.
type InstanceStore interface {
	// CreateInstance inserts the instance, every step-instance and the
	// CREATED event atomically.
	CreateInstance(ctx context.Context, inst *WorkflowInstance, events []*WorkflowHistory) error
	// GetInstance returns the instance with Steps populated.
	GetInstance(ctx context.Context, tenantID, id string) (*WorkflowInstance, error)
	// ApplyInstanceTransition persists t atomically or not at all.
	ApplyInstanceTransition(ctx context.Context, t *InstanceTransition) error
	// ListHistory returns the instance's events oldest first.
	ListHistory(ctx context.Context, tenantID, instanceID string) ([]*WorkflowHistory, error)
	// ListActiveSteps returns ACTIVE step-instances assigned to userID,
	// oldest activation first.
	ListActiveSteps(ctx context.Context, tenantID, userID string) ([]*WorkflowStepInstance, error)
}

// ApprovalStore persists the approval request aggregate and its decisions.
type ApprovalStore interface {
	CreateRequest(ctx context.Context, req *ApprovalRequest) error
	// GetRequest returns the request with Steps populated.
	GetRequest(ctx context.Context, tenantID, id string) (*ApprovalRequest, error)
	// ApplyApprovalTransition persists t atomically or not at all.
	ApplyApprovalTransition(ctx context.Context, t *ApprovalTransition) error
	// ListDecisions returns the request's decisions oldest first.
	ListDecisions(ctx context.Context, tenantID, requestID string) ([]*ApprovalDecision, error)
	// ListPendingRequestsFor returns PENDING requests whose current step is
	// designated to one of approverIDs, oldest first.
	ListPendingRequestsFor(ctx context.Context, tenantID string, approverIDs []string) ([]*ApprovalRequest, error)
}

// DelegateStore persists approval delegations.
type DelegateStore interface {
	CreateDelegate(ctx context.Context, d *ApprovalDelegate) error
	GetDelegate(ctx context.Context, tenantID, id string) (*ApprovalDelegate, error)
	// RevokeDelegate clears IsActive.
	RevokeDelegate(ctx context.Context, tenantID, id string) error
	// ListDelegatesByApprover returns delegations granted by approverID,
	// earliest start first.
	ListDelegatesByApprover(ctx context.Context, tenantID, approverID string) ([]*ApprovalDelegate, error)
	// ListDelegatesByDelegate returns delegations held by delegateID.
	ListDelegatesByDelegate(ctx context.Context, tenantID, delegateID string) ([]*ApprovalDelegate, error)
}

// Store is every store the engine needs.
type Store interface {
	DefinitionStore
	InstanceStore
	ApprovalStore
	DelegateStore
}
