package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmaestro/flowmaestro/internal/engine"
	"github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/execution/domain/repository"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/trigger"
	"github.com/flowmaestro/flowmaestro/internal/workflow/features"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotWaiting        = errors.New("execution is not waiting for input")
)

// ExecutionService is the application-facing surface over the trigger
// supervisor (admission), the engine (signals and queries), the
// execution repository (reads), and the journal (log reads).
type ExecutionService struct {
	executionRepo repository.ExecutionRepository
	supervisor    *trigger.Supervisor
	engine        *engine.Engine
	journal       journal.Journal
	logger        logger.Logger
}

// NewExecutionService creates a new execution service
func NewExecutionService(
	executionRepo repository.ExecutionRepository,
	supervisor *trigger.Supervisor,
	eng *engine.Engine,
	j journal.Journal,
	logger logger.Logger,
) *ExecutionService {
	return &ExecutionService{
		executionRepo: executionRepo,
		supervisor:    supervisor,
		engine:        eng,
		journal:       j,
		logger:        logger,
	}
}

// StartExecutionCommand represents a command to start an execution
type StartExecutionCommand struct {
	WorkflowID string
	UserID     string
	InputData  map[string]interface{}
}

// StartExecution starts a manual execution through the supervisor's
// admission control. Queued reports whether it was parked behind the
// caller's running-execution ceiling instead of running immediately.
func (s *ExecutionService) StartExecution(ctx context.Context, cmd StartExecutionCommand) (exec *model.Execution, queued bool, err error) {
	exec, queued, err = s.supervisor.StartManual(ctx, cmd.WorkflowID, cmd.UserID, cmd.InputData)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start execution: %w", err)
	}

	s.logger.Info("Execution started",
		"execution_id", exec.ID(),
		"workflow_id", cmd.WorkflowID,
		"user_id", cmd.UserID,
		"queued", queued,
	)
	return exec, queued, nil
}

// GetExecution gets an execution by ID, enforcing ownership.
func (s *ExecutionService) GetExecution(ctx context.Context, executionID model.ExecutionID, userID string) (*model.Execution, error) {
	execution, err := s.executionRepo.FindByID(ctx, executionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if userID != "" && execution.UserID() != userID {
		return nil, ErrUnauthorized
	}
	return execution, nil
}

// Describe answers the read-only execution query: current status,
// in-flight nodes, suspension reason, partial outputs.
func (s *ExecutionService) Describe(ctx context.Context, executionID model.ExecutionID, userID string) (*engine.DescribeResult, error) {
	if _, err := s.GetExecution(ctx, executionID, userID); err != nil {
		return nil, err
	}
	res, err := s.engine.Describe(ctx, executionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrExecutionNotFound
	}
	return res, err
}

// ListExecutionsQuery represents a query to list executions
type ListExecutionsQuery struct {
	UserID     string
	WorkflowID string
	Status     string
	Offset     int
	Limit      int
}

// ListExecutions lists executions
func (s *ExecutionService) ListExecutions(ctx context.Context, query ListExecutionsQuery) ([]*model.Execution, int64, error) {
	executions, err := s.executionRepo.FindByUserID(ctx, query.UserID, query.Offset, query.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}

	total, err := s.executionRepo.CountByUserID(ctx, query.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	return executions, total, nil
}

// CancelExecution delivers a cancel signal to a running execution.
func (s *ExecutionService) CancelExecution(ctx context.Context, executionID model.ExecutionID, userID string) error {
	if _, err := s.GetExecution(ctx, executionID, userID); err != nil {
		return err
	}

	if err := s.engine.Cancel(ctx, executionID); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("failed to cancel execution: %w", err)
	}

	s.logger.Info("Execution cancel requested", "execution_id", executionID)
	return nil
}

// SubmitInput delivers a user_input signal to an execution parked at a
// user-input node. signalID deduplicates at-least-once delivery; pass 0
// to let the engine assign the next id.
func (s *ExecutionService) SubmitInput(ctx context.Context, executionID model.ExecutionID, userID string, signalID int64, payload interface{}) error {
	if _, err := s.GetExecution(ctx, executionID, userID); err != nil {
		return err
	}

	err := s.engine.SubmitInput(ctx, executionID, signalID, payload)
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		return ErrExecutionNotFound
	case errors.Is(err, engine.ErrNotWaiting):
		return ErrNotWaiting
	case errors.Is(err, engine.ErrSignalStale):
		// Redelivered signal; already applied, nothing to do.
		return nil
	case err != nil:
		return fmt.Errorf("failed to submit input: %w", err)
	}

	s.logger.Info("User input delivered", "execution_id", executionID)
	return nil
}

// Replay reconstructs the execution's step-by-step timeline from its
// journal entries.
func (s *ExecutionService) Replay(ctx context.Context, executionID model.ExecutionID, userID string) (*features.Replay, error) {
	execution, err := s.GetExecution(ctx, executionID, userID)
	if err != nil {
		return nil, err
	}
	return features.BuildReplay(ctx, s.journal, execution)
}

// LogsQuery pages the execution's journal.
type LogsQuery struct {
	MinSequence int64
	Level       string
	NodeID      string
	Limit       int
}

// GetLogs pages an execution's journal entries in sequence order.
func (s *ExecutionService) GetLogs(ctx context.Context, executionID model.ExecutionID, userID string, q LogsQuery) ([]journal.Entry, error) {
	if _, err := s.GetExecution(ctx, executionID, userID); err != nil {
		return nil, err
	}
	return s.journal.List(ctx, executionID.String(), q.MinSequence, journal.Severity(q.Level), q.NodeID, q.Limit)
}
