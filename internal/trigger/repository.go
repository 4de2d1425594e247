package trigger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a trigger does not exist or is deleted.
var ErrNotFound = errors.New("trigger not found")

// Repository persists triggers. Soft-deleted triggers are invisible to
// every read, FindByID included.
type Repository interface {
	Create(ctx context.Context, t *Trigger) error
	Update(ctx context.Context, t *Trigger) error
	FindByID(ctx context.Context, id string) (*Trigger, error)
	// FindForWebhook resolves the workflow_id + trigger_id ingress pair
	// to a non-deleted webhook trigger; it does not filter on Enabled.
	FindForWebhook(ctx context.Context, workflowID, triggerID string) (*Trigger, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*Trigger, error)
	ListByUser(ctx context.Context, userID string) ([]*Trigger, error)
	// ListEnabled returns enabled, non-deleted triggers of one kind,
	// used at supervisor start to rebuild cron entries and event
	// subscriptions.
	ListEnabled(ctx context.Context, kind Kind) ([]*Trigger, error)
	SoftDelete(ctx context.Context, id string) error
}

// WebhookLogRepository is the append-only inbound-request log.
type WebhookLogRepository interface {
	Append(ctx context.Context, log *WebhookLog) error
	ListByTrigger(ctx context.Context, triggerID string, limit int) ([]*WebhookLog, error)
}

// FireRepository records trigger-execution links.
type FireRepository interface {
	Append(ctx context.Context, rec *FireRecord) error
	CountByTrigger(ctx context.Context, triggerID string) (int64, error)
}

// InMemoryRepository is a process-local Repository.
type InMemoryRepository struct {
	mu       sync.RWMutex
	triggers map[string]*Trigger
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{triggers: make(map[string]*Trigger)}
}

func (r *InMemoryRepository) Create(ctx context.Context, t *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.triggers[t.ID] = &cp
	return nil
}

func (r *InMemoryRepository) Update(ctx context.Context, t *Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.triggers[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	r.triggers[t.ID] = &cp
	return nil
}

func (r *InMemoryRepository) FindByID(ctx context.Context, id string) (*Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[id]
	if !ok || t.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *InMemoryRepository) FindForWebhook(ctx context.Context, workflowID, triggerID string) (*Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.triggers[triggerID]
	if !ok || t.DeletedAt != nil || t.WorkflowID != workflowID || t.Kind != KindWebhook {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *InMemoryRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*Trigger, error) {
	return r.list(func(t *Trigger) bool { return t.WorkflowID == workflowID })
}

func (r *InMemoryRepository) ListByUser(ctx context.Context, userID string) ([]*Trigger, error) {
	return r.list(func(t *Trigger) bool { return t.UserID == userID })
}

func (r *InMemoryRepository) ListEnabled(ctx context.Context, kind Kind) ([]*Trigger, error) {
	return r.list(func(t *Trigger) bool { return t.Enabled && t.Kind == kind })
}

func (r *InMemoryRepository) list(keep func(*Trigger) bool) ([]*Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Trigger
	for _, t := range r.triggers {
		if t.DeletedAt == nil && keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryRepository) SoftDelete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.triggers[id]
	if !ok || t.DeletedAt != nil {
		return ErrNotFound
	}
	t.SoftDelete()
	return nil
}

// InMemoryWebhookLogRepository is a process-local WebhookLogRepository.
type InMemoryWebhookLogRepository struct {
	mu   sync.RWMutex
	logs []*WebhookLog
}

func NewInMemoryWebhookLogRepository() *InMemoryWebhookLogRepository {
	return &InMemoryWebhookLogRepository{}
}

func (r *InMemoryWebhookLogRepository) Append(ctx context.Context, log *WebhookLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *log
	r.logs = append(r.logs, &cp)
	return nil
}

func (r *InMemoryWebhookLogRepository) ListByTrigger(ctx context.Context, triggerID string, limit int) ([]*WebhookLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*WebhookLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].TriggerID == triggerID {
			cp := *r.logs[i]
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// InMemoryFireRepository is a process-local FireRepository.
type InMemoryFireRepository struct {
	mu    sync.RWMutex
	fires []*FireRecord
}

func NewInMemoryFireRepository() *InMemoryFireRepository {
	return &InMemoryFireRepository{}
}

func (r *InMemoryFireRepository) Append(ctx context.Context, rec *FireRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.fires = append(r.fires, &cp)
	return nil
}

func (r *InMemoryFireRepository) CountByTrigger(ctx context.Context, triggerID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, f := range r.fires {
		if f.TriggerID == triggerID {
			n++
		}
	}
	return n, nil
}
