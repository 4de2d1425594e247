package features

import (
	"context"
	"time"

	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/journal"
)

// ReplayStep is one step of an execution's reconstructed timeline.
type ReplayStep struct {
	Sequence  int64                  `json:"sequence"`
	NodeName  string                 `json:"nodeName,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Status    string                 `json:"status,omitempty"`
	Output    map[string]interface{} `json:"output,omitempty"`
}

// Replay is the read-only step-by-step view of a finished (or
// in-flight) execution, reconstructed from the journal rather than a
// separate recording store: the journal's sequence order is the
// execution's transition order.
type Replay struct {
	ExecutionID string       `json:"executionId"`
	WorkflowID  string       `json:"workflowId"`
	Status      string       `json:"status"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Steps       []ReplayStep `json:"steps"`
}

// BuildReplay joins the execution's journal stream with its per-node
// results into one ordered timeline.
func BuildReplay(ctx context.Context, j journal.Journal, exec *execmodel.Execution) (*Replay, error) {
	entries, err := j.List(ctx, exec.ID().String(), 0, "", "", 0)
	if err != nil {
		return nil, err
	}

	replay := &Replay{
		ExecutionID: exec.ID().String(),
		WorkflowID:  exec.WorkflowID(),
		Status:      string(exec.Status()),
		StartedAt:   exec.StartedAt(),
		CompletedAt: exec.CompletedAt(),
		Steps:       make([]ReplayStep, 0, len(entries)),
	}

	nodes := exec.NodeExecutions()
	for _, entry := range entries {
		step := ReplayStep{
			Sequence:  entry.Sequence,
			NodeName:  entry.NodeID,
			Level:     string(entry.Level),
			Message:   entry.Message,
			Timestamp: entry.Timestamp,
		}
		if ne, ok := nodes[entry.NodeID]; ok {
			step.Status = string(ne.Status)
			if ne.Status == execmodel.ExecutionStatusCompleted {
				step.Output = ne.OutputData
			}
		}
		replay.Steps = append(replay.Steps, step)
	}
	return replay, nil
}
