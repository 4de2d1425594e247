package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flowmaestro/flowmaestro/internal/platform/database"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/repository"
)

// WorkflowRepository implements the workflow repository interface for PostgreSQL
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new PostgreSQL workflow repository
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Save saves a new workflow
func (r *WorkflowRepository) Save(ctx context.Context, workflow *model.Workflow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	definitionJSON, err := json.Marshal(workflow.Definition())
	if err != nil {
		return fmt.Errorf("failed to serialize definition: %w", err)
	}

	query := `
		INSERT INTO workflow_service.workflows (
			id, user_id, name, description, status, folder_id,
			definition, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err = tx.ExecContext(ctx, query,
		workflow.ID().String(),
		workflow.OwnerID(),
		workflow.Name(),
		workflow.Description(),
		string(workflow.Status()),
		workflow.FolderID(),
		definitionJSON,
		workflow.Version(),
		workflow.CreatedAt(),
		workflow.UpdatedAt(),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" { // Unique violation
				return fmt.Errorf("workflow already exists: %w", err)
			}
		}
		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	if err := r.saveEvents(ctx, tx, workflow); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}

	return tx.Commit()
}

func scanWorkflowRow(row rowScanner) (*model.Workflow, error) {
	var (
		workflowID     string
		ownerID        string
		name           string
		description    string
		status         string
		folderID       sql.NullString
		definitionJSON []byte
		ver            int
		createdAt      time.Time
		updatedAt      time.Time
		deletedAt      sql.NullTime
	)

	if err := row.Scan(
		&workflowID, &ownerID, &name, &description, &status, &folderID,
		&definitionJSON, &ver, &createdAt, &updatedAt, &deletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan workflow row: %w", err)
	}

	var definition model.Definition
	if err := json.Unmarshal(definitionJSON, &definition); err != nil {
		return nil, fmt.Errorf("failed to deserialize definition: %w", err)
	}

	var folder *string
	if folderID.Valid {
		v := folderID.String
		folder = &v
	}
	var deleted *time.Time
	if deletedAt.Valid {
		v := deletedAt.Time
		deleted = &v
	}

	return model.ReconstructWorkflow(
		model.WorkflowID(workflowID),
		ownerID,
		name,
		description,
		model.WorkflowStatus(status),
		folder,
		ver,
		definition,
		createdAt,
		updatedAt,
		deleted,
	), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const selectWorkflowColumns = `
	id, user_id, name, description, status, folder_id,
	definition, version, created_at, updated_at, deleted_at
`

// FindByID finds a workflow by ID
func (r *WorkflowRepository) FindByID(ctx context.Context, id model.WorkflowID) (*model.Workflow, error) {
	query := `SELECT ` + selectWorkflowColumns + ` FROM workflow_service.workflows WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, id.String())
	return scanWorkflowRow(row)
}

// FindByUserID finds workflows by user ID
func (r *WorkflowRepository) FindByUserID(ctx context.Context, userID string, offset, limit int) ([]*model.Workflow, error) {
	query := `
		SELECT ` + selectWorkflowColumns + `
		FROM workflow_service.workflows
		WHERE user_id = $1
		AND status != 'archived'
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*model.Workflow
	for rows.Next() {
		w, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}

	return workflows, nil
}

// Update overwrites the workflow row matched by id. No version check is
// made, so ErrOptimisticLock is never returned and the last of two
// concurrent writers wins.
func (r *WorkflowRepository) Update(ctx context.Context, workflow *model.Workflow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	definitionJSON, err := json.Marshal(workflow.Definition())
	if err != nil {
		return fmt.Errorf("failed to serialize definition: %w", err)
	}

	query := `
		UPDATE workflow_service.workflows
		SET
			name = $2,
			description = $3,
			status = $4,
			folder_id = $5,
			definition = $6,
			version = $7,
			updated_at = $8,
			deleted_at = $9
		WHERE id = $1
	`

	result, err := tx.ExecContext(ctx, query,
		workflow.ID().String(),
		workflow.Name(),
		workflow.Description(),
		string(workflow.Status()),
		workflow.FolderID(),
		definitionJSON,
		workflow.Version(),
		workflow.UpdatedAt(),
		workflow.DeletedAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	if err := r.saveEvents(ctx, tx, workflow); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}

	return tx.Commit()
}

// Delete hard-deletes a workflow row. Application code should prefer
// SoftDelete via Update; this exists for administrative cleanup.
func (r *WorkflowRepository) Delete(ctx context.Context, id model.WorkflowID) error {
	query := `DELETE FROM workflow_service.workflows WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Count counts workflows for a user
func (r *WorkflowRepository) Count(ctx context.Context, userID string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM workflow_service.workflows
		WHERE user_id = $1
		AND status != 'archived'
	`

	var count int64
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workflows: %w", err)
	}

	return count, nil
}

// FindActive finds all active workflows
func (r *WorkflowRepository) FindActive(ctx context.Context, offset, limit int) ([]*model.Workflow, error) {
	query := `
		SELECT ` + selectWorkflowColumns + `
		FROM workflow_service.workflows
		WHERE status = 'active'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query active workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*model.Workflow
	for rows.Next() {
		w, err := scanWorkflowRow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}

	return workflows, nil
}

// ExistsByName checks if a workflow with the given name exists for a user
func (r *WorkflowRepository) ExistsByName(ctx context.Context, userID, name string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM workflow_service.workflows
			WHERE user_id = $1 AND name = $2 AND status != 'archived'
		)
	`

	var exists bool
	err := r.db.QueryRowContext(ctx, query, userID, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check workflow existence: %w", err)
	}

	return exists, nil
}

// saveEvents appends domain events raised since the last Save/Update to
// the shared event store table.
func (r *WorkflowRepository) saveEvents(ctx context.Context, tx *sql.Tx, workflow *model.Workflow) error {
	events := workflow.Events()
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO event_store.domain_events (
			id, aggregate_id, aggregate_type, event_type,
			event_version, event_data, user_id, created_at
		) VALUES (
			gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7
		)
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		eventData, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			event.AggregateID(),
			"Workflow",
			event.EventType(),
			1,
			eventData,
			workflow.OwnerID(),
			event.OccurredAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	return nil
}
