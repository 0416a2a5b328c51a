package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// ApprovalRepository stores approval requests, their steps and decisions.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const requestColumns = `
	r.id, r.tenant_id, r.workflow_id, r.title, r.entity_type, r.entity_id, r.requester_id,
	r.approval_type, r.amount, r.currency, r.status, r.final_status, r.completed_at,
	r.created_at, r.updated_at
`

const approvalStepColumns = `
	id, tenant_id, request_id, step_order, approver_id, status, is_current,
	acted_by_id, acted_at, comments
`

// CreateRequest inserts the request and all of its steps.
func (r *ApprovalRepository) CreateRequest(ctx context.Context, req *ApprovalRequest) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_requests
			    (id, tenant_id, workflow_id, title, entity_type, entity_id, requester_id,
			     approval_type, amount, currency, status, final_status, completed_at,
			     created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7,
			        $8, $9, $10, $11, $12, $13,
			        $14, $15)
		`,
			req.ID, req.TenantID, req.WorkflowID, req.Title, req.EntityType, req.EntityID, req.RequesterID,
			string(req.ApprovalType), req.Amount, req.Currency, string(req.Status), strPtr(req.FinalStatus), req.CompletedAt,
			req.CreatedAt, req.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		for _, s := range req.Steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO approval_steps
				    (id, tenant_id, request_id, step_order, approver_id, status, is_current,
				     acted_by_id, acted_at, comments)
				VALUES ($1, $2, $3, $4, $5, $6, $7,
				        $8, $9, $10)
			`,
				s.ID, req.TenantID, req.ID, s.StepOrder, s.ApproverID, string(s.Status), s.IsCurrent,
				s.ActedByID, s.ActedAt, s.Comments,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
			}
		}
		return nil
	})
}

// GetRequest returns a request with its steps.
func (r *ApprovalRepository) GetRequest(ctx context.Context, tenantID, id string) (*ApprovalRequest, error) {
	if !isKey(id) {
		return nil, errors.NotFound("approval_request", id)
	}
	req, err := scanRequest(r.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM approval_requests r WHERE r.id = $1 AND r.tenant_id = $2`,
		id, tenantID,
	))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	if err := r.loadSteps(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// ApplyApprovalTransition persists one decision or nothing.
func (r *ApprovalRepository) ApplyApprovalTransition(ctx context.Context, t *ApprovalTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		req := t.Request

		tag, err := tx.Exec(ctx, `
			UPDATE approval_requests
			SET status       = $3,
			    final_status = $4,
			    completed_at = $5,
			    updated_at   = $6
			WHERE id = $1 AND tenant_id = $2 AND status = 'PENDING'
		`, req.ID, req.TenantID, string(req.Status), strPtr(req.FinalStatus), req.CompletedAt, req.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}
		if tag.RowsAffected() == 0 {
			found, err := exists(ctx, tx, "approval_requests", req.TenantID, req.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to look up approval request")
			}
			if !found {
				return errors.NotFound("approval_request", req.ID)
			}
			return errors.InvalidState("approval request is no longer PENDING")
		}

		// Callers order the current step before the next one so the
		// one-current-step index never sees two flagged rows.
		for _, st := range t.Steps {
			s := st.Step
			tag, err := tx.Exec(ctx, `
				UPDATE approval_steps
				SET status      = $3,
				    is_current  = $4,
				    acted_by_id = $5,
				    acted_at    = $6,
				    comments    = $7
				WHERE id = $1
				  AND request_id = $2
				  AND status = 'PENDING'
				  AND is_current = $8
			`,
				s.ID, req.ID,
				string(s.Status), s.IsCurrent, s.ActedByID, s.ActedAt, s.Comments,
				st.ExpectedCurrent,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
			}
			if tag.RowsAffected() == 0 {
				return errors.InvalidState("approval step " + s.ID + " changed concurrently")
			}
		}

		if d := t.Decision; d != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO approval_decisions
				    (id, tenant_id, request_id, step_id, decision, decided_by_id, on_behalf_of_id, comments, decided_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, d.ID, d.TenantID, d.RequestID, d.StepID, string(d.Decision), d.DecidedByID, d.OnBehalfOfID, d.Comments, d.DecidedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval decision")
			}
		}
		return nil
	})
}

// ListDecisions returns decisions on a request, oldest first.
func (r *ApprovalRepository) ListDecisions(ctx context.Context, tenantID, requestID string) ([]*ApprovalDecision, error) {
	found, err := exists(ctx, r.db, "approval_requests", tenantID, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to look up approval request")
	}
	if !found {
		return nil, errors.NotFound("approval_request", requestID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, request_id, step_id, decision, decided_by_id, on_behalf_of_id, comments, decided_at
		FROM approval_decisions
		WHERE request_id = $1
		ORDER BY seq ASC
	`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval decisions")
	}
	decisions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ApprovalDecision, error) {
		d := &ApprovalDecision{}
		var decision string
		err := row.Scan(&d.ID, &d.TenantID, &d.RequestID, &d.StepID, &decision, &d.DecidedByID, &d.OnBehalfOfID, &d.Comments, &d.DecidedAt)
		d.Decision = ApprovalStatus(decision)
		return d, err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval decision")
	}
	return decisions, nil
}

// ListPendingRequestsFor returns PENDING requests whose current step belongs to
// one of approverIDs.
func (r *ApprovalRepository) ListPendingRequestsFor(ctx context.Context, tenantID string, approverIDs []string) ([]*ApprovalRequest, error) {
	if len(approverIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM approval_requests r
		JOIN approval_steps s ON s.request_id = r.id AND s.is_current
		WHERE r.tenant_id = $1
		  AND r.status = 'PENDING'
		  AND s.approver_id = ANY($2)
		ORDER BY r.created_at ASC, r.id ASC
	`, tenantID, approverIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	reqs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ApprovalRequest, error) {
		return scanRequest(row)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
	}
	for _, req := range reqs {
		if err := r.loadSteps(ctx, req); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalRepository) loadSteps(ctx context.Context, req *ApprovalRequest) error {
	rows, err := r.db.Query(ctx,
		`SELECT `+approvalStepColumns+` FROM approval_steps WHERE request_id = $1 ORDER BY step_order ASC`,
		req.ID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	req.Steps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ApprovalStep, error) {
		s := &ApprovalStep{}
		var status string
		err := row.Scan(
			&s.ID, &s.TenantID, &s.RequestID, &s.StepOrder, &s.ApproverID, &status, &s.IsCurrent,
			&s.ActedByID, &s.ActedAt, &s.Comments,
		)
		s.Status = ApprovalStatus(status)
		return s, err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
	}
	return nil
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var approvalType, status string
	var finalStatus *string
	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.WorkflowID,
		&req.Title,
		&req.EntityType,
		&req.EntityID,
		&req.RequesterID,
		&approvalType,
		&req.Amount,
		&req.Currency,
		&status,
		&finalStatus,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.ApprovalType = ApprovalType(approvalType)
	req.Status = ApprovalStatus(status)
	req.FinalStatus = enumPtr[ApprovalStatus](finalStatus)
	return req, nil
}
