package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// InstanceRepository stores the instance aggregate: the instance row, its
// step-instances and its history. Every mutation is one transaction whose
// UPDATEs carry the expected pre-state in their WHERE clause; a zero row count
// aborts the transaction with InvalidState.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `
	id, tenant_id, definition_id, definition_version, title, status, current_step_id,
	initiator_id, entity_type, entity_id, cancel_reason, created_at, updated_at, completed_at
`

const stepInstanceColumns = `
	id, tenant_id, instance_id, step_id, step_name, step_order, step_type, status,
	assigned_to_id, activated_at, completed_at, due_at, action_taken, action_by_id, comments
`

// CreateInstance inserts the instance, its step-instances and events in one transaction.
func (r *InstanceRepository) CreateInstance(ctx context.Context, inst *WorkflowInstance, events []*WorkflowHistory) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances
			    (id, tenant_id, definition_id, definition_version, title, status, current_step_id,
			     initiator_id, entity_type, entity_id, cancel_reason, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7,
			        $8, $9, $10, $11, $12, $13, $14)
		`,
			inst.ID, inst.TenantID, inst.DefinitionID, inst.DefinitionVersion, inst.Title, string(inst.Status), inst.CurrentStepID,
			inst.InitiatorID, inst.EntityType, inst.EntityID, inst.CancelReason, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
		}

		for _, s := range inst.Steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO workflow_step_instances
				    (id, tenant_id, instance_id, step_id, step_name, step_order, step_type, status,
				     assigned_to_id, activated_at, completed_at, due_at, action_taken, action_by_id, comments)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
				        $9, $10, $11, $12, $13, $14, $15)
			`,
				s.ID, inst.TenantID, inst.ID, s.StepID, s.StepName, s.StepOrder, string(s.StepType), string(s.Status),
				s.AssignedToID, s.ActivatedAt, s.CompletedAt, s.DueAt, strPtr(s.ActionTaken), s.ActionByID, s.Comments,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step instance")
			}
		}

		return appendHistory(ctx, tx, events)
	})
}

// GetInstance returns an instance with its step-instances ordered by step_order.
func (r *InstanceRepository) GetInstance(ctx context.Context, tenantID, id string) (*WorkflowInstance, error) {
	if !isKey(id) {
		return nil, errors.NotFound("workflow_instance", id)
	}
	inst, err := scanInstance(r.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instance")
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+stepInstanceColumns+` FROM workflow_step_instances WHERE instance_id = $1 ORDER BY step_order ASC`,
		id,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow step instances")
	}
	inst.Steps, err = scanStepInstances(rows)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ApplyInstanceTransition persists t or nothing.
func (r *InstanceRepository) ApplyInstanceTransition(ctx context.Context, t *InstanceTransition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		inst := t.Instance

		// The instance row goes first: it takes the row lock that serializes
		// competing actions, and a loser re-evaluates the guard after the
		// winner commits.
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances
			SET status          = $3,
			    current_step_id = $4,
			    cancel_reason   = $5,
			    updated_at      = $6,
			    completed_at    = $7
			WHERE id = $1
			  AND tenant_id = $2
			  AND status = $8
			  AND current_step_id IS NOT DISTINCT FROM $9::uuid
		`,
			inst.ID, inst.TenantID,
			string(inst.Status), inst.CurrentStepID, inst.CancelReason, inst.UpdatedAt, inst.CompletedAt,
			string(t.ExpectedStatus), t.ExpectedCurrentStepID,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow instance")
		}
		if tag.RowsAffected() == 0 {
			found, err := exists(ctx, tx, "workflow_instances", inst.TenantID, inst.ID)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to look up workflow instance")
			}
			if !found {
				return errors.NotFound("workflow_instance", inst.ID)
			}
			return errors.InvalidState("workflow instance changed concurrently")
		}

		for _, st := range t.Steps {
			s := st.Step
			tag, err := tx.Exec(ctx, `
				UPDATE workflow_step_instances
				SET status       = $3,
				    activated_at = $4,
				    completed_at = $5,
				    due_at       = $6,
				    action_taken = $7,
				    action_by_id = $8,
				    comments     = $9
				WHERE id = $1
				  AND instance_id = $2
				  AND status = $10
			`,
				s.ID, inst.ID,
				string(s.Status), s.ActivatedAt, s.CompletedAt, s.DueAt, strPtr(s.ActionTaken), s.ActionByID, s.Comments,
				string(st.ExpectedStatus),
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow step instance")
			}
			if tag.RowsAffected() == 0 {
				return errors.InvalidState("step instance " + s.ID + " is no longer " + string(st.ExpectedStatus))
			}
		}

		return appendHistory(ctx, tx, t.Events)
	})
}

// ListHistory returns the history of an instance, oldest first.
func (r *InstanceRepository) ListHistory(ctx context.Context, tenantID, instanceID string) ([]*WorkflowHistory, error) {
	found, err := exists(ctx, r.db, "workflow_instances", tenantID, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to look up workflow instance")
	}
	if !found {
		return nil, errors.NotFound("workflow_instance", instanceID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, instance_id, step_instance_id, event_type, actor_id, action, comments,
		       from_step_id, to_step_id, from_status, to_status, created_at
		FROM workflow_history
		WHERE instance_id = $1
		ORDER BY seq ASC
	`, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow history")
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WorkflowHistory, error) {
		h := &WorkflowHistory{}
		var eventType string
		var action *string
		err := row.Scan(
			&h.ID, &h.TenantID, &h.InstanceID, &h.StepInstanceID, &eventType, &h.ActorID, &action, &h.Comments,
			&h.FromStepID, &h.ToStepID, &h.FromStatus, &h.ToStatus, &h.CreatedAt,
		)
		h.EventType = HistoryEventType(eventType)
		h.Action = enumPtr[Action](action)
		return h, err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow history")
	}
	return events, nil
}

// ListActiveSteps returns the ACTIVE step-instances assigned to a user, FIFO.
func (r *InstanceRepository) ListActiveSteps(ctx context.Context, tenantID, userID string) ([]*WorkflowStepInstance, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+stepInstanceColumns+`
		FROM workflow_step_instances
		WHERE tenant_id = $1
		  AND assigned_to_id = $2
		  AND status = 'ACTIVE'
		ORDER BY activated_at ASC, id ASC
	`, tenantID, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending tasks")
	}
	return scanStepInstances(rows)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func appendHistory(ctx context.Context, tx pgx.Tx, events []*WorkflowHistory) error {
	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_history
			    (id, tenant_id, instance_id, step_instance_id, event_type, actor_id, action, comments,
			     from_step_id, to_step_id, from_status, to_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			        $9, $10, $11, $12, $13)
		`,
			e.ID, e.TenantID, e.InstanceID, e.StepInstanceID, string(e.EventType), e.ActorID, strPtr(e.Action), e.Comments,
			e.FromStepID, e.ToStepID, e.FromStatus, e.ToStatus, e.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append workflow history")
		}
	}
	return nil
}

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	i := &WorkflowInstance{}
	var status string
	err := row.Scan(
		&i.ID,
		&i.TenantID,
		&i.DefinitionID,
		&i.DefinitionVersion,
		&i.Title,
		&status,
		&i.CurrentStepID,
		&i.InitiatorID,
		&i.EntityType,
		&i.EntityID,
		&i.CancelReason,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	i.Status = InstanceStatus(status)
	return i, nil
}

func scanStepInstances(rows pgx.Rows) ([]*WorkflowStepInstance, error) {
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WorkflowStepInstance, error) {
		s := &WorkflowStepInstance{}
		var stepType, status string
		var action *string
		err := row.Scan(
			&s.ID,
			&s.TenantID,
			&s.InstanceID,
			&s.StepID,
			&s.StepName,
			&s.StepOrder,
			&stepType,
			&status,
			&s.AssignedToID,
			&s.ActivatedAt,
			&s.CompletedAt,
			&s.DueAt,
			&action,
			&s.ActionByID,
			&s.Comments,
		)
		s.StepType = StepType(stepType)
		s.Status = StepInstanceStatus(status)
		s.ActionTaken = enumPtr[Action](action)
		return s, err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step instance")
	}
	return steps, nil
}
