package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowmaestro/flowmaestro/internal/engine"
	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
)

// Launcher is the slice of the engine the supervisor drives. Creation
// and running are split so queued admissions can hold a pending
// execution until capacity frees up.
type Launcher interface {
	CreateExecution(ctx context.Context, workflowID, userID string, trigger execmodel.TriggerType, input map[string]interface{}) (*execmodel.Execution, error)
	RunExecution(ctx context.Context, id execmodel.ExecutionID) error
}

// ErrBusy is returned for webhook fires when the owning user is at the
// running-execution ceiling; webhooks fail fast rather than queueing
// unboundedly.
var ErrBusy = errors.New("running-execution ceiling reached")

// Recorder receives the supervisor's operational measurements. The
// platform metrics package satisfies it; a nil recorder disables
// recording.
type Recorder interface {
	RecordTriggerFire(kind string)
	RecordWebhookRequest(status int)
	SetAdmissionQueueDepth(depth int64)
}

// Config tunes the supervisor.
type Config struct {
	// MaxRunningPerUser is the running-execution admission ceiling per
	// user. Zero means unlimited.
	MaxRunningPerUser int
	// QueueWorkers is how many goroutines drain the admission queue.
	QueueWorkers int
}

// Supervisor manages the four trigger kinds and their lifecycles.
type Supervisor struct {
	launcher    Launcher
	triggers    Repository
	webhookLogs WebhookLogRepository
	fires       FireRepository
	queue       StartQueue
	events      EventSource
	cron        *cronRunner
	logger      *zap.Logger
	cfg         Config
	recorder    Recorder

	mu           sync.Mutex
	active       map[string]int // userID -> running executions admitted by us
	admitCond    *sync.Cond
	unsubscribes map[string]func() error // event trigger id -> unsubscribe
	stopped      bool

	wg sync.WaitGroup
}

// NewSupervisor wires a Supervisor. Pass nil for events to disable
// event-kind triggers: none is subscribed, and creating or updating an
// enabled one returns a "no event source configured" error.
func NewSupervisor(launcher Launcher, triggers Repository, webhookLogs WebhookLogRepository, fires FireRepository, queue StartQueue, events EventSource, logger *zap.Logger, cfg Config) *Supervisor {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if queue == nil {
		queue = NewInMemoryStartQueue()
	}
	if cfg.QueueWorkers <= 0 {
		cfg.QueueWorkers = 4
	}
	s := &Supervisor{
		launcher:     launcher,
		triggers:     triggers,
		webhookLogs:  webhookLogs,
		fires:        fires,
		queue:        queue,
		events:       events,
		cron:         newCronRunner(),
		logger:       logger,
		cfg:          cfg,
		active:       make(map[string]int),
		unsubscribes: make(map[string]func() error),
	}
	s.admitCond = sync.NewCond(&s.mu)
	return s
}

// SetRecorder attaches an operational-metrics sink. Call before Start.
func (s *Supervisor) SetRecorder(r Recorder) {
	s.recorder = r
}

// QueueDepth reports how many admitted-but-waiting starts sit in the
// FIFO queue.
func (s *Supervisor) QueueDepth(ctx context.Context) (int64, error) {
	return s.queue.Len(ctx)
}

func (s *Supervisor) noteQueueDepth(ctx context.Context) {
	if s.recorder == nil {
		return
	}
	if depth, err := s.queue.Len(ctx); err == nil {
		s.recorder.SetAdmissionQueueDepth(depth)
	}
}

// Start loads enabled schedule and event triggers, registers them, and
// begins draining the admission queue.
func (s *Supervisor) Start(ctx context.Context) error {
	schedules, err := s.triggers.ListEnabled(ctx, KindSchedule)
	if err != nil {
		return fmt.Errorf("load schedule triggers: %w", err)
	}
	for _, t := range schedules {
		if err := s.registerSchedule(ctx, t); err != nil {
			s.logger.Error("failed to register schedule trigger",
				zap.String("triggerId", t.ID), zap.Error(err))
		}
	}

	if s.events != nil {
		eventTriggers, err := s.triggers.ListEnabled(ctx, KindEvent)
		if err != nil {
			return fmt.Errorf("load event triggers: %w", err)
		}
		for _, t := range eventTriggers {
			if err := s.subscribeEvent(t); err != nil {
				s.logger.Error("failed to subscribe event trigger",
					zap.String("triggerId", t.ID), zap.Error(err))
			}
		}
	}

	s.cron.Start()

	for i := 0; i < s.cfg.QueueWorkers; i++ {
		s.wg.Add(1)
		go s.drainQueue()
	}
	return nil
}

// Stop halts cron firing, closes the queue, and waits for workers.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.admitCond.Broadcast()
	for id, unsub := range s.unsubscribes {
		if err := unsub(); err != nil {
			s.logger.Warn("event unsubscribe failed", zap.String("triggerId", id), zap.Error(err))
		}
		delete(s.unsubscribes, id)
	}
	s.mu.Unlock()

	s.cron.Stop()
	_ = s.queue.Close()
	s.wg.Wait()
}

// ObserveEvent feeds engine lifecycle events back into admission
// accounting: a terminal event frees one slot for the owning user.
// Wire it alongside the fan-out in the engine's event publisher.
func (s *Supervisor) ObserveEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventExecutionCompleted, engine.EventExecutionFailed, engine.EventExecutionCancelled:
		s.mu.Lock()
		if s.active[ev.UserID] > 0 {
			s.active[ev.UserID]--
			if s.active[ev.UserID] == 0 {
				delete(s.active, ev.UserID)
			}
		}
		s.admitCond.Broadcast()
		s.mu.Unlock()
	}
}

// CreateTrigger validates, persists, and activates a trigger.
func (s *Supervisor) CreateTrigger(ctx context.Context, t *Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := s.triggers.Create(ctx, t); err != nil {
		return err
	}
	if t.Enabled {
		return s.activate(ctx, t)
	}
	return nil
}

// UpdateTrigger re-validates and re-activates a trigger: the live cron
// entry or event subscription is replaced, not patched.
func (s *Supervisor) UpdateTrigger(ctx context.Context, t *Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.deactivate(t.ID)
	if err := s.triggers.Update(ctx, t); err != nil {
		return err
	}
	if t.Enabled {
		return s.activate(ctx, t)
	}
	return nil
}

// DeleteTrigger soft-deletes a trigger and stops its schedule handle /
// de-registers its webhook route in the same operation. The route
// itself resolves through the repository, so a soft-deleted trigger
// stops matching lookups the moment the row is marked.
func (s *Supervisor) DeleteTrigger(ctx context.Context, id string) error {
	s.deactivate(id)
	return s.triggers.SoftDelete(ctx, id)
}

// GetTrigger returns a trigger, with the live next-fire time filled in
// for registered schedules.
func (s *Supervisor) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	t, err := s.triggers.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Kind == KindSchedule {
		if next := s.cron.Next(t.ID); !next.IsZero() {
			t.NextFireAt = &next
		}
	}
	return t, nil
}

// ListTriggers lists a user's triggers.
func (s *Supervisor) ListTriggers(ctx context.Context, userID string) ([]*Trigger, error) {
	return s.triggers.ListByUser(ctx, userID)
}

func (s *Supervisor) activate(ctx context.Context, t *Trigger) error {
	switch t.Kind {
	case KindSchedule:
		return s.registerSchedule(ctx, t)
	case KindEvent:
		if s.events == nil {
			return errors.New("no event source configured")
		}
		return s.subscribeEvent(t)
	}
	return nil
}

func (s *Supervisor) deactivate(id string) {
	s.cron.Remove(id)
	s.mu.Lock()
	unsub := s.unsubscribes[id]
	delete(s.unsubscribes, id)
	s.mu.Unlock()
	if unsub != nil {
		if err := unsub(); err != nil {
			s.logger.Warn("event unsubscribe failed", zap.String("triggerId", id), zap.Error(err))
		}
	}
}

func (s *Supervisor) registerSchedule(ctx context.Context, t *Trigger) error {
	id := t.ID
	handle, next, err := s.cron.Register(t, func() {
		s.fireSchedule(context.Background(), id)
	})
	if err != nil {
		return err
	}
	t.ScheduleHandle = handle
	t.NextFireAt = &next
	return s.triggers.Update(ctx, t)
}

func (s *Supervisor) subscribeEvent(t *Trigger) error {
	id := t.ID
	cfg := *t.Event
	unsub, err := s.events.Subscribe(cfg.Topic, func(payload map[string]interface{}) {
		if !cfg.Matches(payload) {
			return
		}
		s.fireEvent(context.Background(), id, payload)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.unsubscribes[id]
	s.unsubscribes[id] = unsub
	s.mu.Unlock()
	if prev != nil {
		// Re-activation replaces, never stacks, the subscription.
		_ = prev()
	}
	return nil
}

func (s *Supervisor) fireSchedule(ctx context.Context, triggerID string) {
	t, err := s.triggers.FindByID(ctx, triggerID)
	if err != nil || !t.Enabled {
		return
	}
	inputs := map[string]interface{}{
		"triggerId":   t.ID,
		"scheduledAt": time.Now().Format(time.RFC3339),
		"cronExpr":    t.Schedule.CronExpr,
	}
	if _, _, err := s.Fire(ctx, t, execmodel.TriggerTypeSchedule, inputs, false); err != nil {
		s.logger.Error("schedule fire failed", zap.String("triggerId", t.ID), zap.Error(err))
	}
}

func (s *Supervisor) fireEvent(ctx context.Context, triggerID string, payload map[string]interface{}) {
	t, err := s.triggers.FindByID(ctx, triggerID)
	if err != nil || !t.Enabled {
		return
	}
	if _, _, err := s.Fire(ctx, t, execmodel.TriggerTypeEvent, payload, false); err != nil {
		s.logger.Error("event fire failed", zap.String("triggerId", t.ID), zap.Error(err))
	}
}

// StartManual launches an execution for a direct API call, subject to
// admission control: over-ceiling starts are queued FIFO and the
// pending execution is returned with queued=true.
func (s *Supervisor) StartManual(ctx context.Context, workflowID, userID string, inputs map[string]interface{}) (*execmodel.Execution, bool, error) {
	exec, err := s.launcher.CreateExecution(ctx, workflowID, userID, execmodel.TriggerTypeManual, inputs)
	if err != nil {
		return nil, false, err
	}
	queued, err := s.admit(ctx, exec, "")
	return exec, queued, err
}

// Fire creates and admits an execution for a trigger. failFast makes
// over-ceiling fires return ErrBusy instead of queueing (webhooks).
// The fire record and counter update happen for every created
// execution, queued or not.
func (s *Supervisor) Fire(ctx context.Context, t *Trigger, triggerType execmodel.TriggerType, inputs map[string]interface{}, failFast bool) (*execmodel.Execution, bool, error) {
	if failFast && s.atCeiling(t.UserID) {
		return nil, false, ErrBusy
	}

	exec, err := s.launcher.CreateExecution(ctx, t.WorkflowID, t.UserID, triggerType, inputs)
	if err != nil {
		return nil, false, err
	}

	next := s.cron.Next(t.ID)
	var nextPtr *time.Time
	if !next.IsZero() {
		nextPtr = &next
	}
	t.RecordFire(nextPtr)
	if err := s.triggers.Update(ctx, t); err != nil {
		s.logger.Warn("failed to update trigger fire bookkeeping", zap.String("triggerId", t.ID), zap.Error(err))
	}
	if s.fires != nil {
		rec := &FireRecord{ID: uuid.New().String(), TriggerID: t.ID, ExecutionID: exec.ID().String(), FiredAt: time.Now()}
		if err := s.fires.Append(ctx, rec); err != nil {
			s.logger.Warn("failed to append fire record", zap.String("triggerId", t.ID), zap.Error(err))
		}
	}
	if s.recorder != nil {
		s.recorder.RecordTriggerFire(string(t.Kind))
	}

	queued, err := s.admit(ctx, exec, t.ID)
	return exec, queued, err
}

func (s *Supervisor) atCeiling(userID string) bool {
	if s.cfg.MaxRunningPerUser <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[userID] >= s.cfg.MaxRunningPerUser
}

// admit runs the execution now if the owning user has capacity, or
// enqueues it FIFO otherwise.
func (s *Supervisor) admit(ctx context.Context, exec *execmodel.Execution, triggerID string) (queued bool, err error) {
	userID := exec.UserID()
	s.mu.Lock()
	under := s.cfg.MaxRunningPerUser <= 0 || s.active[userID] < s.cfg.MaxRunningPerUser
	if under {
		s.active[userID]++
	}
	s.mu.Unlock()

	if under {
		go s.runAdmitted(exec.ID(), userID)
		return false, nil
	}

	req := &StartRequest{ExecutionID: exec.ID().String(), UserID: userID, TriggerID: triggerID, EnqueuedAt: time.Now()}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		return false, fmt.Errorf("enqueue start request: %w", err)
	}
	s.noteQueueDepth(ctx)
	return true, nil
}

func (s *Supervisor) runAdmitted(id execmodel.ExecutionID, userID string) {
	if err := s.launcher.RunExecution(context.Background(), id); err != nil {
		s.logger.Error("execution failed to run", zap.String("executionId", id.String()), zap.Error(err))
		// RunExecution only fails before the started transition, so no
		// terminal event will arrive to free the reserved slot.
		s.release(userID)
	}
}

func (s *Supervisor) release(userID string) {
	s.mu.Lock()
	if s.active[userID] > 0 {
		s.active[userID]--
		if s.active[userID] == 0 {
			delete(s.active, userID)
		}
	}
	s.admitCond.Broadcast()
	s.mu.Unlock()
}

// drainQueue is one admission worker: it pops FIFO and waits for the
// request's user to drop under the ceiling before running it.
func (s *Supervisor) drainQueue() {
	defer s.wg.Done()
	for {
		req, err := s.queue.Dequeue(context.Background())
		if err != nil {
			return
		}
		s.noteQueueDepth(context.Background())

		s.mu.Lock()
		for !s.stopped && s.cfg.MaxRunningPerUser > 0 && s.active[req.UserID] >= s.cfg.MaxRunningPerUser {
			s.admitCond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.active[req.UserID]++
		s.mu.Unlock()

		if err := s.launcher.RunExecution(context.Background(), execmodel.ExecutionID(req.ExecutionID)); err != nil {
			s.logger.Error("queued execution failed to run",
				zap.String("executionId", req.ExecutionID), zap.Error(err))
			s.release(req.UserID)
		}
	}
}
