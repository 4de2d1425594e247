// Package memory provides a process-local ExecutionRepository for
// tests and the zero-dependency local runner.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/execution/domain/repository"
)

// ExecutionRepository keeps executions in a map. The aggregate pointers
// are shared with the engine, which is what an in-process deployment
// wants: persisted state and live state are the same object.
type ExecutionRepository struct {
	mu         sync.RWMutex
	executions map[model.ExecutionID]*model.Execution
	order      []model.ExecutionID
}

func NewExecutionRepository() *ExecutionRepository {
	return &ExecutionRepository{executions: make(map[model.ExecutionID]*model.Execution)}
}

func (r *ExecutionRepository) Save(ctx context.Context, execution *model.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executions[execution.ID()]; !exists {
		r.order = append(r.order, execution.ID())
	}
	r.executions[execution.ID()] = execution
	return nil
}

func (r *ExecutionRepository) Update(ctx context.Context, execution *model.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executions[execution.ID()]; !exists {
		return repository.ErrNotFound
	}
	r.executions[execution.ID()] = execution
	return nil
}

func (r *ExecutionRepository) FindByID(ctx context.Context, id model.ExecutionID) (*model.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	execution, ok := r.executions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return execution, nil
}

func (r *ExecutionRepository) FindByWorkflowID(ctx context.Context, workflowID string, offset, limit int) ([]*model.Execution, error) {
	return r.list(offset, limit, func(e *model.Execution) bool { return e.WorkflowID() == workflowID })
}

func (r *ExecutionRepository) FindByUserID(ctx context.Context, userID string, offset, limit int) ([]*model.Execution, error) {
	return r.list(offset, limit, func(e *model.Execution) bool { return e.UserID() == userID })
}

func (r *ExecutionRepository) FindByStatus(ctx context.Context, status model.ExecutionStatus, offset, limit int) ([]*model.Execution, error) {
	return r.list(offset, limit, func(e *model.Execution) bool { return e.Status() == status })
}

func (r *ExecutionRepository) list(offset, limit int, keep func(*model.Execution) bool) ([]*model.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*model.Execution
	for _, id := range r.order {
		if e := r.executions[id]; e != nil && keep(e) {
			all = append(all, e)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt().After(all[j].CreatedAt()) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *ExecutionRepository) CountByUserID(ctx context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, e := range r.executions {
		if e.UserID() == userID {
			n++
		}
	}
	return n, nil
}

func (r *ExecutionRepository) CountByWorkflowID(ctx context.Context, workflowID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, e := range r.executions {
		if e.WorkflowID() == workflowID {
			n++
		}
	}
	return n, nil
}

func (r *ExecutionRepository) Delete(ctx context.Context, id model.ExecutionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executions[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.executions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
