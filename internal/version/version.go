// Package version is the immutable snapshot store for workflow
// definitions: every Execution is pinned to one Version, and the
// current Workflow definition is always also the highest-numbered
// Version.
package version

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

var (
	// ErrNotFound is returned when a version snapshot does not exist.
	ErrNotFound = errors.New("version not found")
	// ErrDuplicate is returned when (workflow_id, version_number) already exists.
	ErrDuplicate = errors.New("version already exists for this workflow")
)

// Snapshot is an immutable copy of a workflow definition.
type Snapshot struct {
	ID           string
	WorkflowID   string
	Number       int
	Label        string
	Definition   model.Definition
	CreatedBy    string
	CreatedAt    time.Time
}

// Store persists and retrieves immutable definition snapshots.
type Store interface {
	// Create writes a new immutable snapshot. It is the caller's
	// responsibility to have already bumped the workflow's version
	// counter to `snapshot.Number` in the same logical transaction.
	Create(ctx context.Context, snapshot *Snapshot) error
	// Get retrieves one snapshot by workflow id and version number.
	Get(ctx context.Context, workflowID string, number int) (*Snapshot, error)
	// GetByID retrieves a snapshot by its own id (used by the
	// per-snapshot version endpoints).
	GetByID(ctx context.Context, id string) (*Snapshot, error)
	// List returns all snapshots for a workflow, newest first.
	List(ctx context.Context, workflowID string) ([]*Snapshot, error)
	// Latest returns the highest-numbered snapshot for a workflow.
	Latest(ctx context.Context, workflowID string) (*Snapshot, error)
	// RenameLabel changes a snapshot's human label. Definition bytes
	// are never touched by this call.
	RenameLabel(ctx context.Context, id string, label string) error
	// Delete removes the whole snapshot record, definition bytes
	// included. A running execution keeps the copy it already loaded,
	// but recovering an execution pinned to a deleted snapshot fails,
	// since recovery reloads the snapshot from the store.
	Delete(ctx context.Context, id string) error
}

// InMemoryStore is a process-local Store, useful for tests and for the
// zero-dependency local runner.
type InMemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Snapshot
	byVersion map[string]map[int]*Snapshot // workflowID -> number -> snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:      make(map[string]*Snapshot),
		byVersion: make(map[string]map[int]*Snapshot),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.byVersion[snap.WorkflowID]
	if !ok {
		versions = make(map[int]*Snapshot)
		s.byVersion[snap.WorkflowID] = versions
	}
	if _, exists := versions[snap.Number]; exists {
		return ErrDuplicate
	}

	// Defensive copy to guarantee byte-stability of stored content.
	cp := *snap
	raw, err := json.Marshal(cp.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	var frozen model.Definition
	if err := json.Unmarshal(raw, &frozen); err != nil {
		return fmt.Errorf("unmarshal definition: %w", err)
	}
	cp.Definition = frozen

	versions[snap.Number] = &cp
	s.byID[snap.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, workflowID string, number int) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.byVersion[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	snap, ok := versions[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *InMemoryStore) GetByID(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *InMemoryStore) List(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.byVersion[workflowID]
	out := make([]*Snapshot, 0, len(versions))
	for _, snap := range versions {
		cp := *snap
		out = append(out, &cp)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Number > out[i].Number {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) Latest(ctx context.Context, workflowID string) (*Snapshot, error) {
	all, err := s.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

func (s *InMemoryStore) RenameLabel(ctx context.Context, id string, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	snap.Label = label
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	if versions, ok := s.byVersion[snap.WorkflowID]; ok {
		delete(versions, snap.Number)
	}
	return nil
}

// PostgresStore is the database/sql-backed Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_versions (id, workflow_id, version_number, label, definition, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, snap.ID, snap.WorkflowID, snap.Number, snap.Label, raw, snap.CreatedBy, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, workflowID string, number int) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, version_number, label, definition, created_by, created_at
		FROM workflow_versions WHERE workflow_id = $1 AND version_number = $2
	`, workflowID, number)
	return scanSnapshot(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, version_number, label, definition, created_by, created_at
		FROM workflow_versions WHERE id = $1
	`, id)
	return scanSnapshot(row)
}

func (s *PostgresStore) List(ctx context.Context, workflowID string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, version_number, label, definition, created_by, created_at
		FROM workflow_versions WHERE workflow_id = $1 ORDER BY version_number DESC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var (
			snap    Snapshot
			raw     []byte
			label   sql.NullString
		)
		if err := rows.Scan(&snap.ID, &snap.WorkflowID, &snap.Number, &label, &raw, &snap.CreatedBy, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		snap.Label = label.String
		if err := json.Unmarshal(raw, &snap.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Latest(ctx context.Context, workflowID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, version_number, label, definition, created_by, created_at
		FROM workflow_versions WHERE workflow_id = $1 ORDER BY version_number DESC LIMIT 1
	`, workflowID)
	return scanSnapshot(row)
}

func (s *PostgresStore) RenameLabel(ctx context.Context, id string, label string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_versions SET label = $1 WHERE id = $2`, label, id)
	if err != nil {
		return fmt.Errorf("rename label: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_versions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap  Snapshot
		raw   []byte
		label sql.NullString
	)
	if err := row.Scan(&snap.ID, &snap.WorkflowID, &snap.Number, &label, &raw, &snap.CreatedBy, &snap.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	snap.Label = label.String
	if err := json.Unmarshal(raw, &snap.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &snap, nil
}
