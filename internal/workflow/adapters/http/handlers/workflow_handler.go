package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/platform/middleware"
	"github.com/flowmaestro/flowmaestro/internal/platform/response"
	"github.com/flowmaestro/flowmaestro/internal/workflow/adapters/http/dto"
	"github.com/flowmaestro/flowmaestro/internal/workflow/app/service"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

// WorkflowHandler handles HTTP requests for workflows
type WorkflowHandler struct {
	service *service.WorkflowService
	logger  logger.Logger
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(service *service.WorkflowService, logger logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers workflow routes. The versions/... subtree
// must come before the {id} routes so mux does not swallow "versions"
// as a workflow id.
func (h *WorkflowHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/workflows/versions/rename/{id}", h.RenameVersion).Methods("POST")
	router.HandleFunc("/workflows/versions/revert/{id}", h.RevertToSnapshot).Methods("POST")
	router.HandleFunc("/workflows/versions/{id}", h.GetVersion).Methods("GET")
	router.HandleFunc("/workflows/versions/{id}", h.DeleteVersion).Methods("DELETE")
	router.HandleFunc("/workflows", h.CreateWorkflow).Methods("POST")
	router.HandleFunc("/workflows", h.ListWorkflows).Methods("GET")
	router.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods("GET")
	router.HandleFunc("/workflows/{id}", h.UpdateWorkflow).Methods("PUT")
	router.HandleFunc("/workflows/{id}", h.DeleteWorkflow).Methods("DELETE")
	router.HandleFunc("/workflows/{id}/activate", h.ActivateWorkflow).Methods("POST")
	router.HandleFunc("/workflows/{id}/deactivate", h.DeactivateWorkflow).Methods("POST")
	router.HandleFunc("/workflows/{id}/duplicate", h.DuplicateWorkflow).Methods("POST")
	router.HandleFunc("/workflows/{id}/versions", h.ListVersions).Methods("GET")
	router.HandleFunc("/workflows/{id}/versions", h.SnapshotVersion).Methods("POST")
	router.HandleFunc("/workflows/{id}/revert", h.RevertWorkflow).Methods("POST")
}

func (h *WorkflowHandler) userID(r *http.Request) string {
	userID, _ := middleware.ExtractUserID(r.Context())
	return userID
}

// CreateWorkflow creates a new workflow
func (h *WorkflowHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req dto.CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}

	userID := h.userID(r)
	workflow, err := h.service.CreateWorkflow(ctx, service.CreateWorkflowCommand{
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		Definition:  req.Definition.ToModel(),
	})
	if err != nil {
		h.logger.Error("Failed to create workflow", "error", err, "user_id", userID)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}

	response.JSON(w, http.StatusCreated, dto.FromModel(workflow))
}

// GetWorkflow gets a workflow by ID
func (h *WorkflowHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	workflow, err := h.service.GetWorkflow(ctx, model.WorkflowID(workflowID))
	if err != nil {
		h.respondLookupError(w, err, "get", workflowID)
		return
	}

	response.JSON(w, http.StatusOK, dto.FromModel(workflow))
}

// ListWorkflows lists workflows for a user
func (h *WorkflowHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
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
	workflows, total, err := h.service.ListWorkflows(ctx, service.ListWorkflowsQuery{
		UserID: userID,
		Offset: offset,
		Limit:  limit,
		Status: query.Get("status"),
	})
	if err != nil {
		h.logger.Error("Failed to list workflows", "error", err, "user_id", userID)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}

	items := make([]dto.WorkflowResponse, len(workflows))
	for i, wf := range workflows {
		items[i] = dto.FromModel(wf)
	}

	response.JSONWithMeta(w, http.StatusOK, dto.ListWorkflowsResponse{
		Items: items,
		Total: total,
		Pagination: dto.Pagination{
			Offset: offset,
			Limit:  limit,
			Total:  total,
		},
	}, &response.Meta{Page: offset/max(limit, 1) + 1, Limit: limit, Total: total})
}

// UpdateWorkflow updates a workflow's metadata and/or definition
func (h *WorkflowHandler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	var req dto.UpdateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	cmd := service.UpdateWorkflowCommand{
		WorkflowID:  model.WorkflowID(workflowID),
		UpdatedBy:   h.userID(r),
		Name:        req.Name,
		Description: req.Description,
	}
	if req.Definition != nil {
		def := req.Definition.ToModel()
		cmd.Definition = &def
	}

	workflow, err := h.service.UpdateWorkflow(ctx, cmd)
	if err != nil {
		h.respondLookupError(w, err, "update", workflowID)
		return
	}

	response.JSON(w, http.StatusOK, dto.FromModel(workflow))
}

// DeleteWorkflow soft-deletes a workflow
func (h *WorkflowHandler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	if err := h.service.DeleteWorkflow(ctx, model.WorkflowID(workflowID)); err != nil {
		h.respondLookupError(w, err, "delete", workflowID)
		return
	}

	response.NoContent(w)
}

// ActivateWorkflow activates a workflow
func (h *WorkflowHandler) ActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	workflow, err := h.service.ActivateWorkflow(ctx, model.WorkflowID(workflowID))
	if err != nil {
		h.respondLookupError(w, err, "activate", workflowID)
		return
	}

	response.JSON(w, http.StatusOK, dto.FromModel(workflow))
}

// DeactivateWorkflow deactivates a workflow
func (h *WorkflowHandler) DeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	workflow, err := h.service.DeactivateWorkflow(ctx, model.WorkflowID(workflowID))
	if err != nil {
		h.respondLookupError(w, err, "deactivate", workflowID)
		return
	}

	response.JSON(w, http.StatusOK, dto.FromModel(workflow))
}

// DuplicateWorkflow duplicates a workflow
func (h *WorkflowHandler) DuplicateWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	var req dto.DuplicateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	workflow, err := h.service.DuplicateWorkflow(ctx, model.WorkflowID(workflowID), req.Name)
	if err != nil {
		h.respondLookupError(w, err, "duplicate", workflowID)
		return
	}

	response.JSON(w, http.StatusCreated, dto.FromModel(workflow))
}

// ListVersions returns a workflow's version history.
func (h *WorkflowHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	versions, err := h.service.ListVersions(ctx, model.WorkflowID(workflowID))
	if err != nil {
		h.logger.Error("Failed to list versions", "error", err, "workflow_id", workflowID)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}

	items := make([]dto.VersionResponse, len(versions))
	for i, v := range versions {
		items[i] = dto.VersionFromSnapshot(v)
	}
	response.JSON(w, http.StatusOK, items)
}

// RevertWorkflow reverts the current definition to a prior version.
func (h *WorkflowHandler) RevertWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	var req dto.RevertWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	workflow, err := h.service.RevertWorkflow(ctx, model.WorkflowID(workflowID), req.ToVersion, h.userID(r))
	if err != nil {
		h.respondLookupError(w, err, "revert", workflowID)
		return
	}

	response.JSON(w, http.StatusOK, dto.FromModel(workflow))
}

// SnapshotVersion records the current definition as a new labeled
// version.
func (h *WorkflowHandler) SnapshotVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	var req dto.SnapshotVersionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	snap, err := h.service.SnapshotVersion(ctx, model.WorkflowID(workflowID), req.Label, h.userID(r))
	if err != nil {
		h.respondLookupError(w, err, "snapshot", workflowID)
		return
	}
	response.JSON(w, http.StatusCreated, dto.VersionFromSnapshot(snap))
}

// GetVersion reads one snapshot by its id.
func (h *WorkflowHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshotID := mux.Vars(r)["id"]

	snap, err := h.service.GetVersion(ctx, snapshotID)
	if err != nil {
		h.respondLookupError(w, err, "get version", snapshotID)
		return
	}
	resp := dto.VersionFromSnapshot(snap)
	def := dto.DefinitionFromModel(snap.Definition)
	resp.Definition = &def
	response.JSON(w, http.StatusOK, resp)
}

// DeleteVersion removes a snapshot record.
func (h *WorkflowHandler) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshotID := mux.Vars(r)["id"]

	if err := h.service.DeleteVersion(ctx, snapshotID); err != nil {
		h.respondLookupError(w, err, "delete version", snapshotID)
		return
	}
	response.NoContent(w)
}

// RenameVersion relabels a snapshot; definition bytes are untouched.
func (h *WorkflowHandler) RenameVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshotID := mux.Vars(r)["id"]

	var req dto.RenameVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	if err := h.service.RenameVersion(ctx, snapshotID, req.Label); err != nil {
		h.respondLookupError(w, err, "rename version", snapshotID)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"id": snapshotID, "label": req.Label})
}

// RevertToSnapshot reverts the owning workflow to this snapshot's
// definition bytes.
func (h *WorkflowHandler) RevertToSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshotID := mux.Vars(r)["id"]

	workflow, err := h.service.RevertToSnapshot(ctx, snapshotID, h.userID(r))
	if err != nil {
		h.respondLookupError(w, err, "revert to snapshot", snapshotID)
		return
	}
	response.JSON(w, http.StatusOK, dto.FromModel(workflow))
}

func (h *WorkflowHandler) respondLookupError(w http.ResponseWriter, err error, action, workflowID string) {
	if err == service.ErrWorkflowNotFound {
		response.Error(w, response.ErrNotFound)
		return
	}
	if err == service.ErrInvalidInput {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}
	h.logger.Error("Failed to "+action+" workflow", "error", err, "workflow_id", workflowID)
	response.Error(w, response.ErrInternal.WithDetails(err.Error()))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
