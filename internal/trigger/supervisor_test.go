package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowmaestro/flowmaestro/internal/engine"
	execmodel "github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
)

// fakeLauncher records created executions without running a real
// engine.
type fakeLauncher struct {
	mu       sync.Mutex
	created  []*execmodel.Execution
	ran      []string
	runDelay time.Duration
}

func (f *fakeLauncher) CreateExecution(ctx context.Context, workflowID, userID string, trigger execmodel.TriggerType, input map[string]interface{}) (*execmodel.Execution, error) {
	exec, err := execmodel.NewExecution(workflowID, 1, userID, trigger, input)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.created = append(f.created, exec)
	f.mu.Unlock()
	return exec, nil
}

func (f *fakeLauncher) RunExecution(ctx context.Context, id execmodel.ExecutionID) error {
	if f.runDelay > 0 {
		time.Sleep(f.runDelay)
	}
	f.mu.Lock()
	f.ran = append(f.ran, id.String())
	f.mu.Unlock()
	return nil
}

func (f *fakeLauncher) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestSupervisor(t *testing.T, launcher Launcher, cfg Config) (*Supervisor, Repository, WebhookLogRepository) {
	t.Helper()
	repo := NewInMemoryRepository()
	logs := NewInMemoryWebhookLogRepository()
	fires := NewInMemoryFireRepository()
	s := NewSupervisor(launcher, repo, logs, fires, nil, NewInMemoryEventSource(), zap.NewNop(), cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, repo, logs
}

func webhookTrigger(t *testing.T, s *Supervisor, workflowID, userID string) *Trigger {
	t.Helper()
	trig, err := NewTrigger(workflowID, userID, "hook", KindWebhook)
	require.NoError(t, err)
	require.NoError(t, s.CreateTrigger(context.Background(), trig))
	return trig
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestTriggerValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Trigger)
		wantErr string
	}{
		{
			name:    "schedule requires cron",
			mutate:  func(tr *Trigger) { tr.Kind = KindSchedule },
			wantErr: "cron expression",
		},
		{
			name: "schedule rejects bad cron",
			mutate: func(tr *Trigger) {
				tr.Kind = KindSchedule
				tr.Schedule = &ScheduleConfig{CronExpr: "not a cron"}
			},
			wantErr: "invalid cron",
		},
		{
			name: "webhook requires secret",
			mutate: func(tr *Trigger) {
				tr.Kind = KindWebhook
				tr.Webhook = &WebhookConfig{}
			},
			wantErr: "secret",
		},
		{
			name: "event requires topic",
			mutate: func(tr *Trigger) {
				tr.Kind = KindEvent
				tr.Event = &EventConfig{}
			},
			wantErr: "topic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, err := NewTrigger("wf1", "u1", "t", KindManual)
			require.NoError(t, err)
			tt.mutate(trig)
			err = trig.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewWebhookTriggerGetsSecret(t *testing.T) {
	trig, err := NewTrigger("wf1", "u1", "hook", KindWebhook)
	require.NoError(t, err)
	require.NotNil(t, trig.Webhook)
	assert.NotEmpty(t, trig.Webhook.Secret)
	assert.NoError(t, trig.Validate())
}

func TestWebhookValidSignatureStartsExecution(t *testing.T) {
	launcher := &fakeLauncher{}
	s, _, logs := newTestSupervisor(t, launcher, Config{})
	trig := webhookTrigger(t, s, "wf1", "u1")

	body := []byte(`{"hello":"world"}`)
	req := httptest.NewRequest("POST", "/hooks/wf1/"+trig.ID, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", sign(trig.Webhook.Secret, body))
	rec := httptest.NewRecorder()

	s.HandleWebhook(rec, req, "wf1", trig.ID)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "executionId")
	assert.Equal(t, 1, launcher.createdCount())

	rows, err := logs.ListByTrigger(context.Background(), trig.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 200, rows[0].ResponseStatus)
	assert.NotEmpty(t, rows[0].ExecutionID)
}

func TestWebhookBadSignatureRejectedAndLogged(t *testing.T) {
	launcher := &fakeLauncher{}
	s, _, logs := newTestSupervisor(t, launcher, Config{})
	trig := webhookTrigger(t, s, "wf1", "u1")

	body := []byte(`{"hello":"world"}`)
	req := httptest.NewRequest("POST", "/hooks/wf1/"+trig.ID, strings.NewReader(string(body)))
	req.Header.Set("X-Signature", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	s.HandleWebhook(rec, req, "wf1", trig.ID)

	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, 0, launcher.createdCount())

	rows, err := logs.ListByTrigger(context.Background(), trig.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 401, rows[0].ResponseStatus)
	assert.Empty(t, rows[0].ExecutionID)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	launcher := &fakeLauncher{}
	s, _, _ := newTestSupervisor(t, launcher, Config{})
	trig := webhookTrigger(t, s, "wf1", "u1")

	req := httptest.NewRequest("DELETE", "/hooks/wf1/"+trig.ID, nil)
	rec := httptest.NewRecorder()
	s.HandleWebhook(rec, req, "wf1", trig.ID)

	assert.Equal(t, 405, rec.Code)
	assert.Equal(t, 0, launcher.createdCount())
}

func TestWebhookUnknownTrigger404(t *testing.T) {
	launcher := &fakeLauncher{}
	s, _, logs := newTestSupervisor(t, launcher, Config{})

	req := httptest.NewRequest("POST", "/hooks/wf1/nope", nil)
	rec := httptest.NewRecorder()
	s.HandleWebhook(rec, req, "wf1", "nope")

	assert.Equal(t, 404, rec.Code)
	rows, err := logs.ListByTrigger(context.Background(), "nope", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestWebhookTextResponseFormat(t *testing.T) {
	launcher := &fakeLauncher{}
	s, _, _ := newTestSupervisor(t, launcher, Config{})
	trig := webhookTrigger(t, s, "wf1", "u1")
	trig.Webhook.ResponseFormat = ResponseText
	trig.Webhook.SignatureDisabled = true
	require.NoError(t, s.UpdateTrigger(context.Background(), trig))

	req := httptest.NewRequest("POST", "/hooks/wf1/"+trig.ID, strings.NewReader("x"))
	rec := httptest.NewRecorder()
	s.HandleWebhook(rec, req, "wf1", trig.ID)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSoftDeleteStopsWebhookRoute(t *testing.T) {
	launcher := &fakeLauncher{}
	s, _, _ := newTestSupervisor(t, launcher, Config{})
	trig := webhookTrigger(t, s, "wf1", "u1")

	require.NoError(t, s.DeleteTrigger(context.Background(), trig.ID))

	body := []byte("{}")
	req := httptest.NewRequest("POST", "/hooks/wf1/"+trig.ID, strings.NewReader(string(body)))
	req.Header.Set("X-Signature", sign(trig.Webhook.Secret, body))
	rec := httptest.NewRecorder()
	s.HandleWebhook(rec, req, "wf1", trig.ID)

	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, 0, launcher.createdCount())
}

func TestFireIncrementsCounterByExactlyOne(t *testing.T) {
	launcher := &fakeLauncher{}
	s, repo, _ := newTestSupervisor(t, launcher, Config{})
	trig := webhookTrigger(t, s, "wf1", "u1")

	for i := 1; i <= 3; i++ {
		loaded, err := repo.FindByID(context.Background(), trig.ID)
		require.NoError(t, err)
		_, _, err = s.Fire(context.Background(), loaded, execmodel.TriggerTypeWebhook, nil, false)
		require.NoError(t, err)

		after, err := repo.FindByID(context.Background(), trig.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(i), after.TriggerCount)
		require.NotNil(t, after.LastFiredAt)
	}
}

func TestWebhookFailsFastAtCeiling(t *testing.T) {
	launcher := &fakeLauncher{runDelay: 200 * time.Millisecond}
	s, _, _ := newTestSupervisor(t, launcher, Config{MaxRunningPerUser: 1})
	trig := webhookTrigger(t, s, "wf1", "u1")
	trig.Webhook.SignatureDisabled = true
	require.NoError(t, s.UpdateTrigger(context.Background(), trig))

	fire := func() int {
		req := httptest.NewRequest("POST", "/hooks/wf1/"+trig.ID, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		s.HandleWebhook(rec, req, "wf1", trig.ID)
		return rec.Code
	}

	assert.Equal(t, 200, fire())
	// The first execution is still holding the only slot.
	assert.Equal(t, 503, fire())
}

func TestManualStartQueuesOverCeiling(t *testing.T) {
	launcher := &fakeLauncher{runDelay: 100 * time.Millisecond}
	s, _, _ := newTestSupervisor(t, launcher, Config{MaxRunningPerUser: 1, QueueWorkers: 1})

	_, queued1, err := s.StartManual(context.Background(), "wf1", "u1", nil)
	require.NoError(t, err)
	assert.False(t, queued1)

	_, queued2, err := s.StartManual(context.Background(), "wf1", "u1", nil)
	require.NoError(t, err)
	assert.True(t, queued2)

	// Freeing the slot lets the queued start drain.
	s.ObserveEvent(engine.Event{Kind: engine.EventExecutionCompleted, UserID: "u1"})
	require.Eventually(t, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return len(launcher.ran) == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEventTriggerFiresOnMatchingPayload(t *testing.T) {
	launcher := &fakeLauncher{}
	repo := NewInMemoryRepository()
	source := NewInMemoryEventSource()
	s := NewSupervisor(launcher, repo, NewInMemoryWebhookLogRepository(), NewInMemoryFireRepository(), nil, source, zap.NewNop(), Config{})

	trig, err := NewTrigger("wf1", "u1", "on-order", KindEvent)
	require.NoError(t, err)
	trig.Event = &EventConfig{Topic: "orders", Filters: map[string]interface{}{"kind": "created"}}
	require.NoError(t, s.CreateTrigger(context.Background(), trig))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	source.Emit("orders", map[string]interface{}{"kind": "cancelled"})
	assert.Equal(t, 0, launcher.createdCount())

	source.Emit("orders", map[string]interface{}{"kind": "created", "id": "o1"})
	require.Eventually(t, func() bool { return launcher.createdCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestScheduleRegistrationAssignsHandle(t *testing.T) {
	launcher := &fakeLauncher{}
	s, repo, _ := newTestSupervisor(t, launcher, Config{})

	trig, err := NewTrigger("wf1", "u1", "nightly", KindSchedule)
	require.NoError(t, err)
	trig.Schedule = &ScheduleConfig{CronExpr: "*/5 * * * *"}
	require.NoError(t, s.CreateTrigger(context.Background(), trig))

	loaded, err := repo.FindByID(context.Background(), trig.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.ScheduleHandle)
	require.NotNil(t, loaded.NextFireAt)
	assert.True(t, loaded.NextFireAt.After(time.Now()))

	next, err := s.GetTrigger(context.Background(), trig.ID)
	require.NoError(t, err)
	require.NotNil(t, next.NextFireAt)
	// A */5 schedule's next fire is always within the next five minutes.
	assert.True(t, next.NextFireAt.Before(time.Now().Add(5*time.Minute+time.Second)),
		fmt.Sprintf("next fire %v too far out", next.NextFireAt))
}

func TestVerifySignatureVariants(t *testing.T) {
	cfg := &WebhookConfig{Secret: "s3cret"}
	body := []byte("payload")

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	digest := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, verifySignature(cfg, body, "sha256="+digest))
	assert.True(t, verifySignature(cfg, body, digest), "bare digest accepted")
	assert.False(t, verifySignature(cfg, body, "sha256="+digest[:10]))
	assert.False(t, verifySignature(cfg, body, "sha1="+digest), "algorithm mismatch rejected")
	assert.False(t, verifySignature(cfg, body, ""))
}
