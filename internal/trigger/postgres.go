package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRepository is the database/sql-backed Repository. Kind
// configs are stored as one JSONB column discriminated by kind.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type triggerConfig struct {
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Event    *EventConfig    `json:"event,omitempty"`
}

func (r *PostgresRepository) Create(ctx context.Context, t *Trigger) error {
	config, err := json.Marshal(triggerConfig{Schedule: t.Schedule, Webhook: t.Webhook, Event: t.Event})
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_triggers (id, workflow_id, user_id, name, kind, enabled, config,
			trigger_count, last_fired_at, next_fire_at, schedule_handle, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, t.ID, t.WorkflowID, t.UserID, t.Name, t.Kind, t.Enabled, config,
		t.TriggerCount, t.LastFiredAt, t.NextFireAt, t.ScheduleHandle, t.CreatedAt, t.UpdatedAt, t.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *Trigger) error {
	config, err := json.Marshal(triggerConfig{Schedule: t.Schedule, Webhook: t.Webhook, Event: t.Event})
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_triggers
		SET name = $2, enabled = $3, config = $4, trigger_count = $5,
			last_fired_at = $6, next_fire_at = $7, schedule_handle = $8,
			updated_at = $9, deleted_at = $10
		WHERE id = $1
	`, t.ID, t.Name, t.Enabled, config, t.TriggerCount,
		t.LastFiredAt, t.NextFireAt, t.ScheduleHandle, t.UpdatedAt, t.DeletedAt)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const triggerColumns = `id, workflow_id, user_id, name, kind, enabled, config,
	trigger_count, last_fired_at, next_fire_at, schedule_handle, created_at, updated_at, deleted_at`

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Trigger, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+triggerColumns+` FROM workflow_triggers
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return scanTrigger(row)
}

func (r *PostgresRepository) FindForWebhook(ctx context.Context, workflowID, triggerID string) (*Trigger, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+triggerColumns+` FROM workflow_triggers
		WHERE id = $1 AND workflow_id = $2 AND kind = 'webhook' AND deleted_at IS NULL
	`, triggerID, workflowID)
	return scanTrigger(row)
}

func (r *PostgresRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*Trigger, error) {
	return r.query(ctx, `
		SELECT `+triggerColumns+` FROM workflow_triggers
		WHERE workflow_id = $1 AND deleted_at IS NULL ORDER BY created_at
	`, workflowID)
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*Trigger, error) {
	return r.query(ctx, `
		SELECT `+triggerColumns+` FROM workflow_triggers
		WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at
	`, userID)
}

func (r *PostgresRepository) ListEnabled(ctx context.Context, kind Kind) ([]*Trigger, error) {
	return r.query(ctx, `
		SELECT `+triggerColumns+` FROM workflow_triggers
		WHERE kind = $1 AND enabled = TRUE AND deleted_at IS NULL ORDER BY created_at
	`, kind)
}

func (r *PostgresRepository) SoftDelete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_triggers
		SET deleted_at = NOW(), enabled = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("soft-delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) query(ctx context.Context, q string, args ...interface{}) ([]*Trigger, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var t Trigger
	var config []byte
	var scheduleHandle sql.NullString
	err := row.Scan(&t.ID, &t.WorkflowID, &t.UserID, &t.Name, &t.Kind, &t.Enabled, &config,
		&t.TriggerCount, &t.LastFiredAt, &t.NextFireAt, &scheduleHandle, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trigger: %w", err)
	}
	t.ScheduleHandle = scheduleHandle.String

	var c triggerConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &c); err != nil {
			return nil, fmt.Errorf("unmarshal trigger config: %w", err)
		}
	}
	t.Schedule, t.Webhook, t.Event = c.Schedule, c.Webhook, c.Event
	return &t, nil
}

// PostgresWebhookLogRepository is the database/sql-backed webhook log.
type PostgresWebhookLogRepository struct {
	db *sql.DB
}

func NewPostgresWebhookLogRepository(db *sql.DB) *PostgresWebhookLogRepository {
	return &PostgresWebhookLogRepository{db: db}
}

func (r *PostgresWebhookLogRepository) Append(ctx context.Context, log *WebhookLog) error {
	headers, _ := json.Marshal(log.Headers)
	query, _ := json.Marshal(log.Query)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, trigger_id, workflow_id, method, path, headers, query, body,
			response_status, response_body, execution_id, source_ip, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, log.ID, log.TriggerID, log.WorkflowID, log.Method, log.Path, headers, query, log.Body,
		log.ResponseStatus, log.ResponseBody, nullable(log.ExecutionID), log.SourceIP, log.DurationMs, log.Error, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

func (r *PostgresWebhookLogRepository) ListByTrigger(ctx context.Context, triggerID string, limit int) ([]*WebhookLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger_id, workflow_id, method, path, headers, query, body,
			response_status, response_body, execution_id, source_ip, duration_ms, error, created_at
		FROM webhook_logs WHERE trigger_id = $1 ORDER BY created_at DESC LIMIT $2
	`, triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	var out []*WebhookLog
	for rows.Next() {
		var l WebhookLog
		var headers, query []byte
		var execID sql.NullString
		if err := rows.Scan(&l.ID, &l.TriggerID, &l.WorkflowID, &l.Method, &l.Path, &headers, &query, &l.Body,
			&l.ResponseStatus, &l.ResponseBody, &execID, &l.SourceIP, &l.DurationMs, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook log: %w", err)
		}
		l.ExecutionID = execID.String
		_ = json.Unmarshal(headers, &l.Headers)
		_ = json.Unmarshal(query, &l.Query)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// PostgresFireRepository is the database/sql-backed FireRepository.
type PostgresFireRepository struct {
	db *sql.DB
}

func NewPostgresFireRepository(db *sql.DB) *PostgresFireRepository {
	return &PostgresFireRepository{db: db}
}

func (r *PostgresFireRepository) Append(ctx context.Context, rec *FireRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trigger_executions (id, trigger_id, execution_id, fired_at)
		VALUES ($1, $2, $3, $4)
	`, rec.ID, rec.TriggerID, rec.ExecutionID, rec.FiredAt)
	if err != nil {
		return fmt.Errorf("insert trigger execution: %w", err)
	}
	return nil
}

func (r *PostgresFireRepository) CountByTrigger(ctx context.Context, triggerID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trigger_executions WHERE trigger_id = $1
	`, triggerID).Scan(&n)
	return n, err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
