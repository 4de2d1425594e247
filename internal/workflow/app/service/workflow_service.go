package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/version"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/repository"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/service/domainservice"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidInput     = errors.New("invalid input")
)

// WorkflowService handles workflow application logic
type WorkflowService struct {
	domainService *domainservice.WorkflowDomainService
	repository    repository.WorkflowRepository
	versions      version.Store
	logger        logger.Logger
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(
	domainService *domainservice.WorkflowDomainService,
	repository repository.WorkflowRepository,
	versions version.Store,
	logger logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		domainService: domainService,
		repository:    repository,
		versions:      versions,
		logger:        logger,
	}
}

// snapshotCurrent writes the workflow's current definition as its
// highest-numbered Version, keeping the store in sync with the
// aggregate. Called after every Save/Update that changes the version
// counter.
func (s *WorkflowService) snapshotCurrent(ctx context.Context, w *model.Workflow, createdBy string) error {
	return s.snapshotCurrentLabeled(ctx, w, createdBy, "")
}

func (s *WorkflowService) snapshotCurrentLabeled(ctx context.Context, w *model.Workflow, createdBy, label string) error {
	snap := &version.Snapshot{
		ID:         w.ID().String() + fmt.Sprintf(":v%d", w.Version()),
		WorkflowID: w.ID().String(),
		Number:     w.Version(),
		Label:      label,
		Definition: w.Definition(),
		CreatedBy:  createdBy,
		CreatedAt:  w.UpdatedAt(),
	}
	if err := s.versions.Create(ctx, snap); err != nil && !errors.Is(err, version.ErrDuplicate) {
		return fmt.Errorf("failed to snapshot version: %w", err)
	}
	return nil
}

// CreateWorkflowCommand represents a command to create a workflow
type CreateWorkflowCommand struct {
	UserID      string
	Name        string
	Description string
	Definition  model.Definition
}

// CreateWorkflow creates a new workflow at version 1 and snapshots it.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, cmd CreateWorkflowCommand) (*model.Workflow, error) {
	s.logger.Debug("Creating workflow", "user_id", cmd.UserID, "name", cmd.Name)

	exists, err := s.repository.ExistsByName(ctx, cmd.UserID, cmd.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow existence: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("workflow with name '%s' already exists", cmd.Name)
	}

	workflow, err := model.NewWorkflow(cmd.UserID, cmd.Name, cmd.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	if err := s.repository.Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	if err := s.snapshotCurrent(ctx, workflow, cmd.UserID); err != nil {
		return nil, err
	}

	s.logger.Info("Workflow created successfully", "workflow_id", workflow.ID(), "user_id", cmd.UserID)
	return workflow, nil
}

// GetWorkflow gets a workflow by ID
func (s *WorkflowService) GetWorkflow(ctx context.Context, workflowID model.WorkflowID) (*model.Workflow, error) {
	workflow, err := s.repository.FindByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return workflow, nil
}

// ListWorkflowsQuery represents a query to list workflows
type ListWorkflowsQuery struct {
	UserID string
	Offset int
	Limit  int
	Status string
}

// ListWorkflows lists workflows for a user
func (s *WorkflowService) ListWorkflows(ctx context.Context, query ListWorkflowsQuery) ([]*model.Workflow, int64, error) {
	workflows, err := s.repository.FindByUserID(ctx, query.UserID, query.Offset, query.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list workflows: %w", err)
	}

	total, err := s.repository.Count(ctx, query.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count workflows: %w", err)
	}

	return workflows, total, nil
}

// UpdateWorkflowCommand represents a command to update a workflow's
// metadata and/or definition.
type UpdateWorkflowCommand struct {
	WorkflowID  model.WorkflowID
	UpdatedBy   string
	Name        string
	Description string
	Definition  *model.Definition // nil means "leave definition unchanged"
}

// UpdateWorkflow updates an existing workflow. When Definition is set,
// SetDefinition bumps the version counter and a matching snapshot is
// recorded in the version store.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, cmd UpdateWorkflowCommand) (*model.Workflow, error) {
	workflow, err := s.repository.FindByID(ctx, cmd.WorkflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if cmd.Name != "" && cmd.Name != workflow.Name() {
		if err := workflow.Rename(cmd.Name); err != nil {
			return nil, fmt.Errorf("failed to rename workflow: %w", err)
		}
	}

	if cmd.Definition != nil {
		if _, err := workflow.SetDefinition(*cmd.Definition); err != nil {
			return nil, fmt.Errorf("failed to set definition: %w", err)
		}
	}

	if err := s.repository.Update(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	if cmd.Definition != nil {
		if err := s.snapshotCurrent(ctx, workflow, cmd.UpdatedBy); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Workflow updated successfully", "workflow_id", workflow.ID())
	return workflow, nil
}

// RevertWorkflow rolls the current definition back to a prior version's
// bytes. The revert is itself recorded as a new top-of-history version;
// executions already pinned to earlier versions are unaffected.
func (s *WorkflowService) RevertWorkflow(ctx context.Context, workflowID model.WorkflowID, toVersion int, revertedBy string) (*model.Workflow, error) {
	workflow, err := s.repository.FindByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	snap, err := s.versions.Get(ctx, workflowID.String(), toVersion)
	if err != nil {
		if errors.Is(err, version.ErrNotFound) {
			return nil, fmt.Errorf("version %d not found: %w", toVersion, ErrInvalidInput)
		}
		return nil, fmt.Errorf("failed to load version: %w", err)
	}

	if _, err := workflow.Revert(snap.Definition); err != nil {
		return nil, fmt.Errorf("failed to revert workflow: %w", err)
	}
	if err := s.repository.Update(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	if err := s.snapshotCurrent(ctx, workflow, revertedBy); err != nil {
		return nil, err
	}

	s.logger.Info("Workflow reverted", "workflow_id", workflowID, "to_version", toVersion, "new_version", workflow.Version())
	return workflow, nil
}

// ListVersions returns the full version history, newest first.
func (s *WorkflowService) ListVersions(ctx context.Context, workflowID model.WorkflowID) ([]*version.Snapshot, error) {
	return s.versions.List(ctx, workflowID.String())
}

// SnapshotVersion records the workflow's current definition as a new
// labeled version. The version counter is bumped so the snapshot gets
// its own monotonic number even when the definition bytes are
// unchanged.
func (s *WorkflowService) SnapshotVersion(ctx context.Context, workflowID model.WorkflowID, label, createdBy string) (*version.Snapshot, error) {
	workflow, err := s.repository.FindByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if _, err := workflow.SetDefinition(workflow.Definition()); err != nil {
		return nil, fmt.Errorf("failed to bump version: %w", err)
	}
	if err := s.repository.Update(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	if err := s.snapshotCurrentLabeled(ctx, workflow, createdBy, label); err != nil {
		return nil, err
	}
	return s.versions.Get(ctx, workflowID.String(), workflow.Version())
}

// GetVersion loads one snapshot by its own id.
func (s *WorkflowService) GetVersion(ctx context.Context, snapshotID string) (*version.Snapshot, error) {
	snap, err := s.versions.GetByID(ctx, snapshotID)
	if errors.Is(err, version.ErrNotFound) {
		return nil, ErrWorkflowNotFound
	}
	return snap, err
}

// DeleteVersion removes a snapshot record, definition bytes included.
// A running execution pinned to it keeps the copy it loaded; recovering
// that execution after a restart fails, since recovery reloads the
// snapshot from the store. The workflow's current definition lives on
// the aggregate and is not removed by this call.
func (s *WorkflowService) DeleteVersion(ctx context.Context, snapshotID string) error {
	err := s.versions.Delete(ctx, snapshotID)
	if errors.Is(err, version.ErrNotFound) {
		return ErrWorkflowNotFound
	}
	return err
}

// RenameVersion changes a snapshot's human label; definition bytes are
// untouched.
func (s *WorkflowService) RenameVersion(ctx context.Context, snapshotID, label string) error {
	err := s.versions.RenameLabel(ctx, snapshotID, label)
	if errors.Is(err, version.ErrNotFound) {
		return ErrWorkflowNotFound
	}
	return err
}

// RevertToSnapshot reverts the workflow owning snapshotID to that
// snapshot's definition bytes.
func (s *WorkflowService) RevertToSnapshot(ctx context.Context, snapshotID, revertedBy string) (*model.Workflow, error) {
	snap, err := s.versions.GetByID(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, version.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return s.RevertWorkflow(ctx, model.WorkflowID(snap.WorkflowID), snap.Number, revertedBy)
}

// DeleteWorkflow soft-deletes a workflow
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, workflowID model.WorkflowID) error {
	workflow, err := s.repository.FindByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrWorkflowNotFound
		}
		return fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := workflow.SoftDelete(); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	if err := s.repository.Update(ctx, workflow); err != nil {
		return fmt.Errorf("failed to update deleted workflow: %w", err)
	}

	s.logger.Info("Workflow deleted successfully", "workflow_id", workflowID)
	return nil
}

// ActivateWorkflow activates a workflow
func (s *WorkflowService) ActivateWorkflow(ctx context.Context, workflowID model.WorkflowID) (*model.Workflow, error) {
	workflow, err := s.repository.FindByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := workflow.Activate(); err != nil {
		return nil, fmt.Errorf("failed to activate workflow: %w", err)
	}

	if err := s.repository.Update(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	s.logger.Info("Workflow activated successfully", "workflow_id", workflowID)
	return workflow, nil
}

// DeactivateWorkflow deactivates a workflow
func (s *WorkflowService) DeactivateWorkflow(ctx context.Context, workflowID model.WorkflowID) (*model.Workflow, error) {
	workflow, err := s.repository.FindByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := workflow.Deactivate(); err != nil {
		return nil, fmt.Errorf("failed to deactivate workflow: %w", err)
	}

	if err := s.repository.Update(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	s.logger.Info("Workflow deactivated successfully", "workflow_id", workflowID)
	return workflow, nil
}

// DuplicateWorkflow duplicates an existing workflow's current definition
// under a new name, snapshotting the copy as its own version 1.
func (s *WorkflowService) DuplicateWorkflow(ctx context.Context, workflowID model.WorkflowID, newName string) (*model.Workflow, error) {
	duplicate, err := s.domainService.DuplicateWorkflow(ctx, workflowID, newName)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate workflow: %w", err)
	}
	if err := s.snapshotCurrent(ctx, duplicate, duplicate.OwnerID()); err != nil {
		return nil, err
	}

	s.logger.Info("Workflow duplicated successfully",
		"source_id", workflowID,
		"duplicate_id", duplicate.ID(),
	)
	return duplicate, nil
}
