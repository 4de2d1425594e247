// Package journal is the append-only per-execution log: every node
// lifecycle transition is recorded with a sequence number unique per
// execution, writes are idempotent under replay, and reads page by
// execution id with optional min-sequence/level/node filters.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Severity is the journal entry's log level.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Entry is one append-only journal record.
type Entry struct {
	ExecutionID string
	Sequence    int64
	Level       Severity
	NodeID      string
	Message     string
	Timestamp   time.Time
}

// Journal is the append/read contract the Engine and the HTTP API
// depend on.
type Journal interface {
	// Append writes entry if (ExecutionID, Sequence) hasn't already been
	// recorded; a duplicate append (replayed history) is a no-op, not an
	// error, satisfying the idempotent-writes requirement.
	Append(ctx context.Context, entry Entry) error
	// List pages entries for an execution in sequence order, optionally
	// filtered by a minimum sequence, a level, and a node id. limit <= 0
	// means unbounded.
	List(ctx context.Context, executionID string, minSequence int64, level Severity, nodeID string, limit int) ([]Entry, error)
}

// InMemoryJournal is a process-local Journal for tests and the
// zero-dependency local runner.
type InMemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]Entry // executionID -> sequence-ordered entries
	seen    map[string]map[int64]bool
}

func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{
		entries: make(map[string][]Entry),
		seen:    make(map[string]map[int64]bool),
	}
}

func (j *InMemoryJournal) Append(ctx context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	seen := j.seen[entry.ExecutionID]
	if seen == nil {
		seen = make(map[int64]bool)
		j.seen[entry.ExecutionID] = seen
	}
	if seen[entry.Sequence] {
		return nil
	}
	seen[entry.Sequence] = true

	j.entries[entry.ExecutionID] = append(j.entries[entry.ExecutionID], entry)
	sort.Slice(j.entries[entry.ExecutionID], func(a, b int) bool {
		return j.entries[entry.ExecutionID][a].Sequence < j.entries[entry.ExecutionID][b].Sequence
	})
	return nil
}

func (j *InMemoryJournal) List(ctx context.Context, executionID string, minSequence int64, level Severity, nodeID string, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Entry
	for _, e := range j.entries[executionID] {
		if e.Sequence < minSequence {
			continue
		}
		if level != "" && e.Level != level {
			continue
		}
		if nodeID != "" && e.NodeID != nodeID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PostgresJournal is the database/sql-backed Journal.
type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (j *PostgresJournal) Append(ctx context.Context, entry Entry) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO execution_logs (execution_id, sequence, level, node_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, sequence) DO NOTHING
	`, entry.ExecutionID, entry.Sequence, entry.Level, entry.NodeID, entry.Message, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

func (j *PostgresJournal) List(ctx context.Context, executionID string, minSequence int64, level Severity, nodeID string, limit int) ([]Entry, error) {
	query := `
		SELECT execution_id, sequence, level, node_id, message, created_at
		FROM execution_logs
		WHERE execution_id = $1 AND sequence >= $2
	`
	args := []interface{}{executionID, minSequence}
	if level != "" {
		args = append(args, level)
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}
	if nodeID != "" {
		args = append(args, nodeID)
		query += fmt.Sprintf(" AND node_id = $%d", len(args))
	}
	query += " ORDER BY sequence ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ExecutionID, &e.Sequence, &e.Level, &e.NodeID, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
