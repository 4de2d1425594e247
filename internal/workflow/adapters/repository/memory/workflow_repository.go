// Package memory provides a process-local WorkflowRepository for tests
// and the zero-dependency local runner.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/repository"
)

type WorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[model.WorkflowID]*model.Workflow
}

func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{workflows: make(map[model.WorkflowID]*model.Workflow)}
}

func (r *WorkflowRepository) Save(ctx context.Context, workflow *model.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflow.ID()] = workflow
	return nil
}

func (r *WorkflowRepository) FindByID(ctx context.Context, id model.WorkflowID) (*model.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok || w.IsDeleted() {
		return nil, repository.ErrNotFound
	}
	return w, nil
}

func (r *WorkflowRepository) FindByUserID(ctx context.Context, userID string, offset, limit int) ([]*model.Workflow, error) {
	return r.list(offset, limit, func(w *model.Workflow) bool { return w.OwnerID() == userID })
}

func (r *WorkflowRepository) FindActive(ctx context.Context, offset, limit int) ([]*model.Workflow, error) {
	return r.list(offset, limit, func(w *model.Workflow) bool { return w.Status() == model.WorkflowStatusActive })
}

func (r *WorkflowRepository) list(offset, limit int, keep func(*model.Workflow) bool) ([]*model.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*model.Workflow
	for _, w := range r.workflows {
		if !w.IsDeleted() && keep(w) {
			all = append(all, w)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt().Before(all[j].CreatedAt()) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *WorkflowRepository) Update(ctx context.Context, workflow *model.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[workflow.ID()]; !ok {
		return repository.ErrNotFound
	}
	r.workflows[workflow.ID()] = workflow
	return nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id model.WorkflowID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.workflows, id)
	return nil
}

func (r *WorkflowRepository) Count(ctx context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, w := range r.workflows {
		if !w.IsDeleted() && w.OwnerID() == userID {
			n++
		}
	}
	return n, nil
}

func (r *WorkflowRepository) ExistsByName(ctx context.Context, userID, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workflows {
		if !w.IsDeleted() && w.OwnerID() == userID && w.Name() == name {
			return true, nil
		}
	}
	return false, nil
}
