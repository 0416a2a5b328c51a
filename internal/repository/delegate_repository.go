package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// DelegateRepository stores approval delegations.
type DelegateRepository struct {
	db *database.DB
}

// NewDelegateRepository creates a new DelegateRepository.
func NewDelegateRepository(db *database.DB) *DelegateRepository {
	return &DelegateRepository{db: db}
}

const delegateColumns = `
	id, tenant_id, approver_id, delegate_id, start_date, end_date, max_amount,
	workflow_ids, is_active, reason, created_at
`

// CreateDelegate inserts a delegation.
func (r *DelegateRepository) CreateDelegate(ctx context.Context, d *ApprovalDelegate) error {
	workflowIDs := d.WorkflowIDs
	if workflowIDs == nil {
		workflowIDs = []string{}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO approval_delegates
		    (id, tenant_id, approver_id, delegate_id, start_date, end_date, max_amount,
		     workflow_ids, is_active, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8, $9, $10, $11)
	`,
		d.ID, d.TenantID, d.ApproverID, d.DelegateID, d.StartDate, d.EndDate, d.MaxAmount,
		workflowIDs, d.IsActive, d.Reason, d.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval delegate")
	}
	return nil
}

// GetDelegate returns one delegation.
func (r *DelegateRepository) GetDelegate(ctx context.Context, tenantID, id string) (*ApprovalDelegate, error) {
	if !isKey(id) {
		return nil, errors.NotFound("approval_delegate", id)
	}
	d, err := scanDelegate(r.db.QueryRow(ctx,
		`SELECT `+delegateColumns+` FROM approval_delegates WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_delegate", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval delegate")
	}
	return d, nil
}

// RevokeDelegate clears is_active. Revoking twice is not an error.
func (r *DelegateRepository) RevokeDelegate(ctx context.Context, tenantID, id string) error {
	if !isKey(id) {
		return errors.NotFound("approval_delegate", id)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE approval_delegates SET is_active = FALSE WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke approval delegate")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_delegate", id)
	}
	return nil
}

// ListDelegatesByApprover returns delegations granted by approverID.
func (r *DelegateRepository) ListDelegatesByApprover(ctx context.Context, tenantID, approverID string) ([]*ApprovalDelegate, error) {
	return r.list(ctx, `approver_id = $2`, tenantID, approverID)
}

// ListDelegatesByDelegate returns delegations held by delegateID.
func (r *DelegateRepository) ListDelegatesByDelegate(ctx context.Context, tenantID, delegateID string) ([]*ApprovalDelegate, error) {
	return r.list(ctx, `delegate_id = $2`, tenantID, delegateID)
}

func (r *DelegateRepository) list(ctx context.Context, filter, tenantID, userID string) ([]*ApprovalDelegate, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+delegateColumns+`
		FROM approval_delegates
		WHERE tenant_id = $1 AND `+filter+`
		ORDER BY start_date ASC, created_at ASC
	`, tenantID, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval delegates")
	}
	delegates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ApprovalDelegate, error) {
		return scanDelegate(row)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval delegate")
	}
	return delegates, nil
}

func scanDelegate(row rowScanner) (*ApprovalDelegate, error) {
	d := &ApprovalDelegate{}
	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.ApproverID,
		&d.DelegateID,
		&d.StartDate,
		&d.EndDate,
		&d.MaxAmount,
		&d.WorkflowIDs,
		&d.IsActive,
		&d.Reason,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
