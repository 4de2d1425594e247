package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/platform/middleware"
	"github.com/flowmaestro/flowmaestro/internal/platform/response"
	"github.com/flowmaestro/flowmaestro/internal/workflow/adapters/http/dto"
	"github.com/flowmaestro/flowmaestro/internal/workflow/app/service"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
	"github.com/flowmaestro/flowmaestro/internal/workflow/features"
)

// FeaturesHandler mounts the workflow conveniences: portable
// export/import bundles and folder organization.
type FeaturesHandler struct {
	workflows *service.WorkflowService
	folders   *features.FolderService
	logger    logger.Logger
}

func NewFeaturesHandler(workflows *service.WorkflowService, folders *features.FolderService, logger logger.Logger) *FeaturesHandler {
	return &FeaturesHandler{workflows: workflows, folders: folders, logger: logger}
}

// RegisterRoutes registers export/import and folder routes.
func (h *FeaturesHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/workflows/import", h.ImportWorkflow).Methods("POST")
	router.HandleFunc("/workflows/{id}/export", h.ExportWorkflow).Methods("GET")
	if h.folders != nil {
		router.HandleFunc("/folders", h.CreateFolder).Methods("POST")
		router.HandleFunc("/folders", h.ListFolders).Methods("GET")
		router.HandleFunc("/folders/{id}", h.RenameFolder).Methods("PUT")
		router.HandleFunc("/folders/{id}", h.DeleteFolder).Methods("DELETE")
	}
}

func (h *FeaturesHandler) userID(r *http.Request) string {
	userID, _ := middleware.ExtractUserID(r.Context())
	return userID
}

// ExportWorkflow streams a workflow's portable bundle.
func (h *FeaturesHandler) ExportWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]

	workflow, err := h.workflows.GetWorkflow(ctx, model.WorkflowID(workflowID))
	if err != nil {
		response.Error(w, response.ErrNotFound)
		return
	}

	data, err := features.Export(workflow, h.userID(r))
	if err != nil {
		h.logger.Error("Failed to export workflow", "error", err, "workflow_id", workflowID)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+workflow.Name()+".json\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type importRequest struct {
	Bundle            json.RawMessage   `json:"bundle"`
	NamePrefix        string            `json:"namePrefix,omitempty"`
	CredentialMapping map[string]string `json:"credentialMapping,omitempty"`
}

// ImportWorkflow materializes a bundle as a new workflow owned by the
// caller.
func (h *FeaturesHandler) ImportWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}

	var req importRequest
	bundle := body
	if err := json.Unmarshal(body, &req); err == nil && len(req.Bundle) > 0 {
		bundle = req.Bundle
	}

	userID := h.userID(r)
	imported, unmapped, err := features.Import(bundle, features.ImportOptions{
		UserID:            userID,
		NamePrefix:        req.NamePrefix,
		CredentialMapping: req.CredentialMapping,
	})
	if err != nil {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}

	workflow, err := h.workflows.CreateWorkflow(ctx, service.CreateWorkflowCommand{
		UserID:     userID,
		Name:       imported.Name(),
		Definition: imported.Definition(),
	})
	if err != nil {
		h.logger.Error("Failed to import workflow", "error", err, "user_id", userID)
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}

	response.JSON(w, http.StatusCreated, map[string]interface{}{
		"workflow":           dto.FromModel(workflow),
		"credentialsNeeded":  unmapped,
	})
}

type folderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parentId,omitempty"`
}

func (h *FeaturesHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}
	folder, err := h.folders.CreateFolder(r.Context(), h.userID(r), req.Name, req.ParentID)
	if err != nil {
		response.Error(w, response.ErrValidation.WithDetails(err.Error()))
		return
	}
	response.JSON(w, http.StatusCreated, folder)
}

func (h *FeaturesHandler) ListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := h.folders.ListFolders(r.Context(), h.userID(r))
	if err != nil {
		response.Error(w, response.ErrInternal.WithDetails(err.Error()))
		return
	}
	if folders == nil {
		folders = []*features.Folder{}
	}
	response.JSON(w, http.StatusOK, folders)
}

func (h *FeaturesHandler) RenameFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, response.ErrBadRequest)
		return
	}
	folder, err := h.folders.RenameFolder(r.Context(), mux.Vars(r)["id"], req.Name)
	if err != nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	response.JSON(w, http.StatusOK, folder)
}

func (h *FeaturesHandler) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := h.folders.DeleteFolder(r.Context(), mux.Vars(r)["id"]); err != nil {
		response.Error(w, response.ErrNotFound)
		return
	}
	response.NoContent(w)
}
