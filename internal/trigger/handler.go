package trigger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/platform/middleware"
	"github.com/flowmaestro/flowmaestro/internal/platform/response"
)

// Handler exposes trigger CRUD over HTTP. Fire-side ingress (webhooks)
// lives on the supervisor's HandleWebhook, mounted outside the
// authenticated API subtree.
type Handler struct {
	supervisor *Supervisor
	logger     logger.Logger
}

func NewHandler(supervisor *Supervisor, logger logger.Logger) *Handler {
	return &Handler{supervisor: supervisor, logger: logger}
}

// RegisterRoutes registers trigger management routes.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/triggers", h.CreateTrigger).Methods("POST")
	router.HandleFunc("/triggers", h.ListTriggers).Methods("GET")
	router.HandleFunc("/triggers/{id}", h.GetTrigger).Methods("GET")
	router.HandleFunc("/triggers/{id}", h.UpdateTrigger).Methods("PUT")
	router.HandleFunc("/triggers/{id}", h.DeleteTrigger).Methods("DELETE")
	router.HandleFunc("/triggers/{id}/logs", h.ListWebhookLogs).Methods("GET")
}

func (h *Handler) userID(r *http.Request) string {
	userID, _ := middleware.ExtractUserID(r.Context())
	return userID
}

// createTriggerRequest is the CRUD payload. Kind-specific config is the
// same union shape the Trigger entity serializes.
type createTriggerRequest struct {
	WorkflowID string          `json:"workflowId"`
	Name       string          `json:"name"`
	Kind       Kind            `json:"kind"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Schedule   *ScheduleConfig `json:"schedule,omitempty"`
	Webhook    *WebhookConfig  `json:"webhook,omitempty"`
	Event      *EventConfig    `json:"event,omitempty"`
}

func (h *Handler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	t, err := NewTrigger(req.WorkflowID, h.userID(r), req.Name, req.Kind)
	if err != nil {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}
	if req.Schedule != nil {
		t.Schedule = req.Schedule
	}
	if req.Webhook != nil {
		// Preserve the generated secret unless the caller supplied one.
		if req.Webhook.Secret == "" && t.Webhook != nil {
			req.Webhook.Secret = t.Webhook.Secret
		}
		t.Webhook = req.Webhook
	}
	if req.Event != nil {
		t.Event = req.Event
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}

	if err := h.supervisor.CreateTrigger(ctx, t); err != nil {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}
	response.JSON(w, http.StatusCreated, t)
}

func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.supervisor.ListTriggers(r.Context(), h.userID(r))
	if err != nil {
		h.logger.Error("Failed to list triggers", "error", err)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}
	if triggers == nil {
		triggers = []*Trigger{}
	}
	response.JSON(w, http.StatusOK, triggers)
}

func (h *Handler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	t, _ := h.loadOwned(w, r)
	if t == nil {
		return
	}
	response.JSON(w, http.StatusOK, t)
}

func (h *Handler) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, _ := h.loadOwned(w, r)
	if t == nil {
		return
	}

	var req createTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Schedule != nil {
		t.Schedule = req.Schedule
	}
	if req.Webhook != nil {
		if req.Webhook.Secret == "" && t.Webhook != nil {
			req.Webhook.Secret = t.Webhook.Secret
		}
		t.Webhook = req.Webhook
	}
	if req.Event != nil {
		t.Event = req.Event
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}

	if err := h.supervisor.UpdateTrigger(ctx, t); err != nil {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}
	response.JSON(w, http.StatusOK, t)
}

func (h *Handler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	t, _ := h.loadOwned(w, r)
	if t == nil {
		return
	}
	if err := h.supervisor.DeleteTrigger(r.Context(), t.ID); err != nil {
		h.respondError(w, err)
		return
	}
	response.NoContent(w)
}

// ListWebhookLogs pages the diagnostic request log of a webhook
// trigger.
func (h *Handler) ListWebhookLogs(w http.ResponseWriter, r *http.Request) {
	t, _ := h.loadOwned(w, r)
	if t == nil {
		return
	}
	logs, err := h.supervisor.webhookLogs.ListByTrigger(r.Context(), t.ID, 100)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if logs == nil {
		logs = []*WebhookLog{}
	}
	response.JSON(w, http.StatusOK, logs)
}

// loadOwned resolves {id} to a trigger owned by the caller, writing the
// error response itself when that fails.
func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request) (*Trigger, error) {
	id := mux.Vars(r)["id"]
	t, err := h.supervisor.GetTrigger(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return nil, err
	}
	if t.UserID != h.userID(r) {
		response.Error(w, response.ErrForbidden)
		return nil, errors.New("forbidden")
	}
	return t, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		response.Error(w, response.ErrNotFound)
		return
	}
	h.logger.Error("Trigger request failed", "error", err)
	response.Error(w, response.ErrInternal.WithDetails(err.Error()))
}
