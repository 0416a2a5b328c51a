package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// DefinitionRepository stores versioned definitions in Postgres. A definition
// and its graph are always written together in a single transaction.
type DefinitionRepository struct {
	db *database.DB
}

// NewDefinitionRepository creates a new DefinitionRepository.
func NewDefinitionRepository(db *database.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

const definitionColumns = `
	id, tenant_id, code, name, description, version, status,
	is_current_version, created_by, created_at, activated_at, retired_at
`

// lockCode serializes version allocation and activation per (tenant, code).
func lockCode(ctx context.Context, tx pgx.Tx, tenantID, code string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, tenantID, code)
	return err
}

// CreateDefinition inserts def, its steps and transitions as the next version of def.Code.
func (r *DefinitionRepository) CreateDefinition(ctx context.Context, def *WorkflowDefinition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockCode(ctx, tx, def.TenantID, def.Code); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock definition code")
		}

		var latest int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE tenant_id = $1 AND code = $2`,
			def.TenantID, def.Code,
		).Scan(&latest)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read latest definition version")
		}
		def.Version = latest + 1

		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_definitions
			    (id, tenant_id, code, name, description, version, status,
			     is_current_version, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7,
			        $8, $9, $10)
		`,
			def.ID, def.TenantID, def.Code, def.Name, def.Description, def.Version, string(def.Status),
			def.IsCurrentVersion, def.CreatedBy, def.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow definition")
		}

		for _, s := range def.Steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO workflow_steps
				    (id, tenant_id, definition_id, name, step_order, step_type, assignee_id, sla_hours)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, s.ID, def.TenantID, def.ID, s.Name, s.StepOrder, string(s.StepType), s.AssigneeID, s.SLAHours)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow step")
			}
		}

		for _, t := range def.Transitions {
			_, err := tx.Exec(ctx, `
				INSERT INTO workflow_transitions
				    (id, tenant_id, definition_id, from_step_id, to_step_id, trigger_action)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, t.ID, def.TenantID, def.ID, t.FromStepID, t.ToStepID, string(t.TriggerAction))
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow transition")
			}
		}
		return nil
	})
}

// GetDefinition returns a definition with its graph.
func (r *DefinitionRepository) GetDefinition(ctx context.Context, tenantID, id string) (*WorkflowDefinition, error) {
	return r.getDefinition(ctx, r.db, tenantID, id, false)
}

func (r *DefinitionRepository) getDefinition(ctx context.Context, q querier, tenantID, id string, forUpdate bool) (*WorkflowDefinition, error) {
	if !isKey(id) {
		return nil, errors.NotFound("workflow_definition", id)
	}
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = $1 AND tenant_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	def, err := scanDefinition(q.QueryRow(ctx, query, id, tenantID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow definition")
	}
	if err := r.loadGraph(ctx, q, def); err != nil {
		return nil, err
	}
	return def, nil
}

// ListDefinitions returns definitions for a tenant, newest version first.
func (r *DefinitionRepository) ListDefinitions(ctx context.Context, tenantID, code string) ([]*WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tenant_id = $1`
	args := []any{tenantID}
	if code != "" {
		query += ` AND code = $2`
		args = append(args, code)
	}
	query += ` ORDER BY code ASC, version DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow definitions")
	}
	defs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WorkflowDefinition, error) {
		return scanDefinition(row)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow definition")
	}

	for _, def := range defs {
		if err := r.loadGraph(ctx, r.db, def); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// ActivateDefinition moves a DRAFT to ACTIVE and marks it the current version.
func (r *DefinitionRepository) ActivateDefinition(ctx context.Context, tenantID, id string, at time.Time) (*WorkflowDefinition, error) {
	var out *WorkflowDefinition
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		def, err := r.getDefinition(ctx, tx, tenantID, id, false)
		if err != nil {
			return err
		}
		if err := lockCode(ctx, tx, tenantID, def.Code); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock definition code")
		}
		// Re-read under the code lock.
		def, err = r.getDefinition(ctx, tx, tenantID, id, true)
		if err != nil {
			return err
		}
		if def.Status != DefinitionDraft {
			return errors.InvalidState(fmt.Sprintf("workflow definition is not DRAFT (status: %s)", def.Status))
		}

		var activeVersion *int
		err = tx.QueryRow(ctx, `
			SELECT MIN(version) FROM workflow_definitions
			WHERE tenant_id = $1 AND code = $2 AND status = 'ACTIVE' AND id <> $3
		`, tenantID, def.Code, id).Scan(&activeVersion)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check active versions")
		}
		if activeVersion != nil {
			return errors.InvalidState(fmt.Sprintf("version %d of %s is still ACTIVE", *activeVersion, def.Code))
		}

		if _, err := tx.Exec(ctx, `
			UPDATE workflow_definitions SET is_current_version = FALSE
			WHERE tenant_id = $1 AND code = $2 AND is_current_version
		`, tenantID, def.Code); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear current version")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE workflow_definitions
			SET status = 'ACTIVE', is_current_version = TRUE, activated_at = $3
			WHERE id = $1 AND tenant_id = $2
		`, id, tenantID, at); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to activate workflow definition")
		}

		out, err = r.getDefinition(ctx, tx, tenantID, id, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetireDefinition moves an ACTIVE version to RETIRED.
func (r *DefinitionRepository) RetireDefinition(ctx context.Context, tenantID, id string, at time.Time) (*WorkflowDefinition, error) {
	if !isKey(id) {
		return nil, errors.NotFound("workflow_definition", id)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_definitions
		SET status = 'RETIRED', is_current_version = FALSE, retired_at = $3
		WHERE id = $1 AND tenant_id = $2 AND status = 'ACTIVE'
	`, id, tenantID, at)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to retire workflow definition")
	}
	if tag.RowsAffected() == 0 {
		found, err := exists(ctx, r.db, "workflow_definitions", tenantID, id)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to look up workflow definition")
		}
		if !found {
			return nil, errors.NotFound("workflow_definition", id)
		}
		return nil, errors.InvalidState("workflow definition is not ACTIVE")
	}
	return r.GetDefinition(ctx, tenantID, id)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *DefinitionRepository) loadGraph(ctx context.Context, q querier, def *WorkflowDefinition) error {
	rows, err := q.Query(ctx, `
		SELECT id, definition_id, name, step_order, step_type, assignee_id, sla_hours
		FROM workflow_steps
		WHERE definition_id = $1
		ORDER BY step_order ASC
	`, def.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow steps")
	}
	def.Steps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WorkflowStep, error) {
		s := &WorkflowStep{}
		var stepType string
		err := row.Scan(&s.ID, &s.DefinitionID, &s.Name, &s.StepOrder, &stepType, &s.AssigneeID, &s.SLAHours)
		s.StepType = StepType(stepType)
		return s, err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow step")
	}

	rows, err = q.Query(ctx, `
		SELECT id, definition_id, from_step_id, to_step_id, trigger_action
		FROM workflow_transitions
		WHERE definition_id = $1
		ORDER BY id ASC
	`, def.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow transitions")
	}
	def.Transitions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WorkflowTransition, error) {
		t := &WorkflowTransition{}
		var trigger string
		err := row.Scan(&t.ID, &t.DefinitionID, &t.FromStepID, &t.ToStepID, &trigger)
		t.TriggerAction = Action(trigger)
		return t, err
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow transition")
	}
	return nil
}

func scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	d := &WorkflowDefinition{}
	var status string
	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.Code,
		&d.Name,
		&d.Description,
		&d.Version,
		&status,
		&d.IsCurrentVersion,
		&d.CreatedBy,
		&d.CreatedAt,
		&d.ActivatedAt,
		&d.RetiredAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DefinitionStatus(status)
	return d, nil
}
