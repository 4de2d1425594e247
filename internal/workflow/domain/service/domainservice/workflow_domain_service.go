package domainservice

import (
	"context"
	"fmt"

	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/repository"
)

// WorkflowDomainService handles business logic that spans the
// Workflow aggregate and its repository (duplication, executability
// checks) rather than living on the aggregate itself.
type WorkflowDomainService struct {
	repo repository.WorkflowRepository
}

// NewWorkflowDomainService creates a new workflow domain service
func NewWorkflowDomainService(repo repository.WorkflowRepository) *WorkflowDomainService {
	return &WorkflowDomainService{repo: repo}
}

// DuplicateWorkflow creates a copy of an existing workflow's current
// definition under a new name, owned by the same user.
func (s *WorkflowDomainService) DuplicateWorkflow(ctx context.Context, sourceID model.WorkflowID, newName string) (*model.Workflow, error) {
	source, err := s.repo.FindByID(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find source workflow: %w", err)
	}

	duplicate, err := model.NewWorkflow(source.OwnerID(), newName, source.Definition())
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicate workflow: %w", err)
	}

	if err := s.repo.Save(ctx, duplicate); err != nil {
		return nil, fmt.Errorf("failed to save duplicate workflow: %w", err)
	}

	return duplicate, nil
}

// ValidateWorkflowExecutability checks whether a workflow can be
// started: it must be active, not deleted, and its definition must
// pass structural validation.
func (s *WorkflowDomainService) ValidateWorkflowExecutability(ctx context.Context, id model.WorkflowID) error {
	workflow, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to find workflow: %w", err)
	}

	if workflow.IsDeleted() {
		return fmt.Errorf("workflow has been deleted")
	}
	if workflow.Status() != model.WorkflowStatusActive {
		return fmt.Errorf("workflow must be active to execute")
	}
	if err := workflow.Definition().Validate(); err != nil {
		return fmt.Errorf("workflow definition is invalid: %w", err)
	}

	return nil
}
