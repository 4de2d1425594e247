// Package trigger is the supervisor for the four ways an execution
// gets started: cron schedules, inbound webhooks, event-topic
// subscriptions, and manual API calls. It owns trigger persistence,
// cron state, webhook signature validation, per-fire bookkeeping, and
// admission control over the engine.
package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Kind discriminates the trigger config union.
type Kind string

const (
	KindSchedule Kind = "schedule"
	KindWebhook  Kind = "webhook"
	KindEvent    Kind = "event"
	KindManual   Kind = "manual"
)

// ResponseFormat selects what a webhook trigger replies with on accept.
type ResponseFormat string

const (
	// ResponseJSON echoes the created execution id as JSON.
	ResponseJSON ResponseFormat = "json"
	// ResponseText replies with a bare "ok".
	ResponseText ResponseFormat = "text"
)

// ScheduleConfig is the schedule-kind config.
type ScheduleConfig struct {
	CronExpr string `json:"cronExpr"`
	Timezone string `json:"timezone,omitempty"`
}

// WebhookConfig is the webhook-kind config. Secret is always non-empty
// for a persisted webhook trigger; header and algorithm have documented
// defaults but are configurable per trigger.
type WebhookConfig struct {
	Secret             string         `json:"secret"`
	SignatureHeader    string         `json:"signatureHeader,omitempty"`    // default "X-Signature"
	SignatureAlgorithm string         `json:"signatureAlgorithm,omitempty"` // default "sha256"
	SignatureDisabled  bool           `json:"signatureDisabled,omitempty"`
	AllowedMethods     []string       `json:"allowedMethods,omitempty"` // default: POST only
	ResponseFormat     ResponseFormat `json:"responseFormat,omitempty"` // default json
}

// EventConfig is the event-kind config: a named topic plus equality
// filters the event payload must match for the trigger to fire.
type EventConfig struct {
	Topic   string                 `json:"topic"`
	Filters map[string]interface{} `json:"filters,omitempty"`
}

// DefaultSignatureHeader is the header a webhook signature is read
// from when the trigger does not override it.
const DefaultSignatureHeader = "X-Signature"

// DefaultSignatureAlgorithm is the hash used when the trigger does not
// override it. The header value format is "<alg>=<hex digest>".
const DefaultSignatureAlgorithm = "sha256"

// Trigger is one persisted trigger row.
type Trigger struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	UserID     string          `json:"userId"`
	Name       string          `json:"name"`
	Kind       Kind            `json:"kind"`
	Enabled    bool            `json:"enabled"`
	Schedule   *ScheduleConfig `json:"schedule,omitempty"`
	Webhook    *WebhookConfig  `json:"webhook,omitempty"`
	Event      *EventConfig    `json:"event,omitempty"`

	TriggerCount int64      `json:"triggerCount"`
	LastFiredAt  *time.Time `json:"lastFiredAt,omitempty"`
	NextFireAt   *time.Time `json:"nextFireAt,omitempty"`

	// ScheduleHandle is the opaque handle of the live cron entry,
	// assigned by the supervisor while the schedule is registered.
	ScheduleHandle string `json:"scheduleHandle,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// cronParser is the standard five-field parser (minute granularity),
// optionally with descriptors like @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewTrigger builds and validates a trigger. Webhook triggers get a
// generated secret when none was supplied, keeping the invariant that a
// persisted webhook trigger always has one.
func NewTrigger(workflowID, userID, name string, kind Kind) (*Trigger, error) {
	if workflowID == "" {
		return nil, errors.New("workflow ID is required")
	}
	if userID == "" {
		return nil, errors.New("user ID is required")
	}
	if name == "" {
		return nil, errors.New("trigger name is required")
	}
	now := time.Now()
	t := &Trigger{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		UserID:     userID,
		Name:       name,
		Kind:       kind,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	switch kind {
	case KindSchedule, KindWebhook, KindEvent, KindManual:
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", kind)
	}
	if kind == KindWebhook {
		t.Webhook = &WebhookConfig{Secret: uuid.New().String()}
	}
	return t, nil
}

// Validate checks the kind-specific invariants: a webhook trigger has a
// non-empty secret, a schedule trigger has a parseable cron expression.
func (t *Trigger) Validate() error {
	switch t.Kind {
	case KindSchedule:
		if t.Schedule == nil || t.Schedule.CronExpr == "" {
			return errors.New("schedule trigger requires a cron expression")
		}
		if _, err := cronParser.Parse(t.Schedule.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", t.Schedule.CronExpr, err)
		}
		if t.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(t.Schedule.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", t.Schedule.Timezone, err)
			}
		}
	case KindWebhook:
		if t.Webhook == nil || t.Webhook.Secret == "" {
			return errors.New("webhook trigger requires a secret")
		}
	case KindEvent:
		if t.Event == nil || t.Event.Topic == "" {
			return errors.New("event trigger requires a topic")
		}
	case KindManual:
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}

// RecordFire updates the per-fire bookkeeping: the counter increments
// by exactly one per fire, monotonically.
func (t *Trigger) RecordFire(next *time.Time) {
	now := time.Now()
	t.TriggerCount++
	t.LastFiredAt = &now
	t.NextFireAt = next
	t.UpdatedAt = now
}

// SoftDelete marks the trigger deleted. The supervisor stops its cron
// entry / webhook route in the same operation.
func (t *Trigger) SoftDelete() {
	now := time.Now()
	t.DeletedAt = &now
	t.Enabled = false
	t.UpdatedAt = now
}

// SignatureHeaderName returns the configured header or the default.
func (c *WebhookConfig) SignatureHeaderName() string {
	if c.SignatureHeader != "" {
		return c.SignatureHeader
	}
	return DefaultSignatureHeader
}

// Algorithm returns the configured hash algorithm or the default.
func (c *WebhookConfig) Algorithm() string {
	if c.SignatureAlgorithm != "" {
		return c.SignatureAlgorithm
	}
	return DefaultSignatureAlgorithm
}

// MethodAllowed reports whether the HTTP method may invoke this
// webhook. An empty AllowedMethods list means POST only.
func (c *WebhookConfig) MethodAllowed(method string) bool {
	if len(c.AllowedMethods) == 0 {
		return method == "POST"
	}
	for _, m := range c.AllowedMethods {
		if m == method || m == "*" {
			return true
		}
	}
	return false
}

// Format returns the configured response format or the JSON default.
func (c *WebhookConfig) Format() ResponseFormat {
	if c.ResponseFormat != "" {
		return c.ResponseFormat
	}
	return ResponseJSON
}

// Matches reports whether an event payload passes the trigger's
// equality filters.
func (c *EventConfig) Matches(payload map[string]interface{}) bool {
	for k, want := range c.Filters {
		got, ok := payload[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// WebhookLog is one inbound webhook request record, written exactly
// once per request regardless of outcome.
type WebhookLog struct {
	ID             string            `json:"id"`
	TriggerID      string            `json:"triggerId"`
	WorkflowID     string            `json:"workflowId"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers"`
	Query          map[string]string `json:"query"`
	Body           string            `json:"body"`
	ResponseStatus int               `json:"responseStatus"`
	ResponseBody   string            `json:"responseBody"`
	ExecutionID    string            `json:"executionId,omitempty"`
	SourceIP       string            `json:"sourceIp"`
	DurationMs     int64             `json:"durationMs"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// FireRecord links a trigger fire to the execution it created.
type FireRecord struct {
	ID          string    `json:"id"`
	TriggerID   string    `json:"triggerId"`
	ExecutionID string    `json:"executionId"`
	FiredAt     time.Time `json:"firedAt"`
}
