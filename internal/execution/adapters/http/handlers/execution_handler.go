package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flowmaestro/flowmaestro/internal/execution/adapters/http/dto"
	"github.com/flowmaestro/flowmaestro/internal/execution/app/service"
	"github.com/flowmaestro/flowmaestro/internal/execution/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/platform/middleware"
	"github.com/flowmaestro/flowmaestro/internal/platform/response"
)

// ExecutionHandler handles HTTP requests for executions
type ExecutionHandler struct {
	service *service.ExecutionService
	logger  logger.Logger
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(service *service.ExecutionService, logger logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers execution routes
func (h *ExecutionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/executions", h.StartExecution).Methods("POST")
	router.HandleFunc("/executions", h.ListExecutions).Methods("GET")
	router.HandleFunc("/executions/{id}", h.GetExecution).Methods("GET")
	router.HandleFunc("/executions/{id}/cancel", h.CancelExecution).Methods("POST")
	router.HandleFunc("/executions/{id}/submit-input", h.SubmitInput).Methods("POST")
	router.HandleFunc("/executions/{id}/logs", h.GetExecutionLogs).Methods("GET")
	router.HandleFunc("/executions/{id}/replay", h.GetExecutionReplay).Methods("GET")
}

func (h *ExecutionHandler) userID(r *http.Request) string {
	userID, _ := middleware.ExtractUserID(r.Context())
	return userID
}

// StartExecution starts a manual execution of a workflow.
func (h *ExecutionHandler) StartExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req dto.StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}

	userID := h.userID(r)
	execution, queued, err := h.service.StartExecution(ctx, service.StartExecutionCommand{
		WorkflowID: req.WorkflowID,
		UserID:     userID,
		InputData:  req.InputData,
	})
	if err != nil {
		h.logger.Error("Failed to start execution", "error", err, "workflow_id", req.WorkflowID)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}

	resp := dto.FromModel(execution)
	resp.Queued = queued
	response.JSON(w, http.StatusCreated, resp)
}

// GetExecution describes an execution: persisted state plus the
// engine's live view when it is in flight.
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := model.ExecutionID(mux.Vars(r)["id"])

	execution, err := h.service.GetExecution(ctx, executionID, h.userID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	resp := dto.FromModel(execution)
	if describe, err := h.service.Describe(ctx, executionID, h.userID(r)); err == nil {
		response.JSON(w, http.StatusOK, map[string]interface{}{
			"execution": resp,
			"live":      describe,
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{"execution": resp})
}

// ListExecutions lists the caller's executions.
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := r.URL.Query()
	offset, _ := strconv.Atoi(query.Get("offset"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit == 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	userID := h.userID(r)
	executions, total, err := h.service.ListExecutions(ctx, service.ListExecutionsQuery{
		UserID:     userID,
		WorkflowID: query.Get("workflowId"),
		Status:     query.Get("status"),
		Offset:     offset,
		Limit:      limit,
	})
	if err != nil {
		h.logger.Error("Failed to list executions", "error", err, "user_id", userID)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}

	items := make([]dto.ExecutionResponse, len(executions))
	for i, e := range executions {
		items[i] = dto.FromModel(e)
	}
	response.JSON(w, http.StatusOK, dto.ListExecutionsResponse{
		Items:      items,
		Total:      total,
		Pagination: dto.Pagination{Offset: offset, Limit: limit, Total: total},
	})
}

// CancelExecution delivers a cancel signal.
func (h *ExecutionHandler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := model.ExecutionID(mux.Vars(r)["id"])

	if err := h.service.CancelExecution(ctx, executionID, h.userID(r)); err != nil {
		h.respondServiceError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// SubmitInput delivers a user_input signal to a waiting execution.
func (h *ExecutionHandler) SubmitInput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := model.ExecutionID(mux.Vars(r)["id"])

	var req dto.SubmitInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	if err := h.service.SubmitInput(ctx, executionID, h.userID(r), req.SignalID, req.Input); err != nil {
		if errors.Is(err, service.ErrNotWaiting) {
			response.Error(w, response.ErrConflict.WithDetails(err.Error()))
			return
		}
		h.respondServiceError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// GetExecutionLogs pages the execution's journal.
func (h *ExecutionHandler) GetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := model.ExecutionID(mux.Vars(r)["id"])

	query := r.URL.Query()
	minSeq, _ := strconv.ParseInt(query.Get("minSequence"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit == 0 {
		limit = 200
	}

	entries, err := h.service.GetLogs(ctx, executionID, h.userID(r), service.LogsQuery{
		MinSequence: minSeq,
		Level:       query.Get("level"),
		NodeID:      query.Get("node"),
		Limit:       limit,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	logs := make([]dto.LogEntry, len(entries))
	for i, e := range entries {
		logs[i] = dto.LogFromJournal(e)
	}
	response.JSON(w, http.StatusOK, dto.ExecutionLogsResponse{
		ExecutionID: executionID.String(),
		Logs:        logs,
	})
}

// GetExecutionReplay returns the journal-driven step-by-step view.
func (h *ExecutionHandler) GetExecutionReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := model.ExecutionID(mux.Vars(r)["id"])

	replay, err := h.service.Replay(ctx, executionID, h.userID(r))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, replay)
}

func (h *ExecutionHandler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrExecutionNotFound), errors.Is(err, service.ErrWorkflowNotFound):
		response.Error(w, response.ErrNotFound)
	case errors.Is(err, service.ErrUnauthorized):
		response.Error(w, response.ErrForbidden)
	default:
		h.logger.Error("Execution request failed", "error", err)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
	}
}
