package dto

import (
	"errors"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/version"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

// CreateWorkflowRequest represents a request to create a workflow
type CreateWorkflowRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Definition  DefinitionDTO     `json:"definition"`
}

// Validate validates the create workflow request
func (r *CreateWorkflowRequest) Validate() error {
	if r.Name == "" {
		return errors.New("workflow name is required")
	}
	if len(r.Name) < 3 || len(r.Name) > 200 {
		return errors.New("workflow name must be between 3 and 200 characters")
	}
	if r.Definition.EntryPoint == "" {
		return errors.New("definition.entryPoint is required")
	}
	if len(r.Definition.Nodes) == 0 {
		return errors.New("definition must declare at least one node")
	}
	return nil
}

// UpdateWorkflowRequest represents a request to update a workflow's
// metadata and/or definition. Definition is a pointer so that a PATCH
// touching only the name doesn't require resending the whole graph.
type UpdateWorkflowRequest struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Definition  *DefinitionDTO `json:"definition,omitempty"`
}

// DuplicateWorkflowRequest represents a request to duplicate a workflow
type DuplicateWorkflowRequest struct {
	Name string `json:"name"`
}

// RevertWorkflowRequest rolls a workflow's definition back to a prior
// version's bytes.
type RevertWorkflowRequest struct {
	ToVersion int `json:"toVersion"`
}

// WorkflowResponse represents a workflow response
type WorkflowResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      string        `json:"status"`
	Definition  DefinitionDTO `json:"definition"`
	Version     int           `json:"version"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// ListWorkflowsResponse represents a list of workflows response
type ListWorkflowsResponse struct {
	Items      []WorkflowResponse `json:"items"`
	Total      int64              `json:"total"`
	Pagination Pagination         `json:"pagination"`
}

// Pagination represents pagination information
type Pagination struct {
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Total  int64 `json:"total"`
}

// SnapshotVersionRequest labels a new snapshot of the current
// definition.
type SnapshotVersionRequest struct {
	Label string `json:"label,omitempty"`
}

// RenameVersionRequest changes a snapshot's label.
type RenameVersionRequest struct {
	Label string `json:"label"`
}

// VersionResponse represents one entry of a workflow's version history.
// Definition is populated only on single-snapshot reads.
type VersionResponse struct {
	ID         string         `json:"id"`
	Number     int            `json:"number"`
	Label      string         `json:"label,omitempty"`
	CreatedBy  string         `json:"createdBy"`
	CreatedAt  time.Time      `json:"createdAt"`
	Definition *DefinitionDTO `json:"definition,omitempty"`
}

// NodeDTO represents one node of a workflow definition.
type NodeDTO struct {
	Type     string                 `json:"type"`
	Config   map[string]interface{} `json:"config,omitempty"`
	Position PositionDTO            `json:"position,omitempty"`
	OnError  *OnErrorDTO            `json:"onError,omitempty"`
}

// PositionDTO represents node position
type PositionDTO struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// OnErrorDTO is the per-node error handling policy.
type OnErrorDTO struct {
	Strategy      string      `json:"strategy"`
	FallbackValue interface{} `json:"fallbackValue,omitempty"`
	GotoNode      string      `json:"gotoNode,omitempty"`
}

// EdgeDTO represents a directed edge between two named nodes.
type EdgeDTO struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// SettingsDTO represents workflow settings
type SettingsDTO struct {
	Timeout            int  `json:"timeout,omitempty"`
	MaxConcurrentNodes int  `json:"maxConcurrentNodes,omitempty"`
	EnableCache        bool `json:"enableCache,omitempty"`
}

// DefinitionDTO is the wire format of a workflow's node/edge graph.
type DefinitionDTO struct {
	Name       string             `json:"name"`
	Nodes      map[string]NodeDTO `json:"nodes"`
	Edges      []EdgeDTO          `json:"edges"`
	EntryPoint string             `json:"entryPoint"`
	Settings   SettingsDTO        `json:"settings,omitempty"`
}

// ToModel converts the wire DTO into the domain Definition, filling in
// each node's Name from its map key since the wire format doesn't
// repeat it.
func (d DefinitionDTO) ToModel() model.Definition {
	nodes := make(map[string]model.Node, len(d.Nodes))
	for key, n := range d.Nodes {
		node := model.Node{
			Name:     key,
			Type:     n.Type,
			Config:   n.Config,
			Position: model.Position{X: n.Position.X, Y: n.Position.Y},
		}
		if n.OnError != nil {
			node.OnError = &model.OnErrorPolicy{
				Strategy:      model.OnErrorStrategy(n.OnError.Strategy),
				FallbackValue: n.OnError.FallbackValue,
				GotoNode:      n.OnError.GotoNode,
			}
		}
		nodes[key] = node
	}
	edges := make([]model.Edge, 0, len(d.Edges))
	for _, e := range d.Edges {
		edges = append(edges, model.Edge{
			ID:           e.ID,
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: e.SourceHandle,
		})
	}
	return model.Definition{
		Name:       d.Name,
		Nodes:      nodes,
		Edges:      edges,
		EntryPoint: d.EntryPoint,
		Settings: model.Settings{
			Timeout:            d.Settings.Timeout,
			MaxConcurrentNodes: d.Settings.MaxConcurrentNodes,
			EnableCache:        d.Settings.EnableCache,
		},
	}
}

// DefinitionFromModel converts a domain Definition back into its wire
// representation.
func DefinitionFromModel(d model.Definition) DefinitionDTO {
	nodes := make(map[string]NodeDTO, len(d.Nodes))
	for key, n := range d.Nodes {
		dto := NodeDTO{
			Type:     n.Type,
			Config:   n.Config,
			Position: PositionDTO{X: n.Position.X, Y: n.Position.Y},
		}
		if n.OnError != nil {
			dto.OnError = &OnErrorDTO{
				Strategy:      string(n.OnError.Strategy),
				FallbackValue: n.OnError.FallbackValue,
				GotoNode:      n.OnError.GotoNode,
			}
		}
		nodes[key] = dto
	}
	edges := make([]EdgeDTO, 0, len(d.Edges))
	for _, e := range d.Edges {
		edges = append(edges, EdgeDTO{
			ID:           e.ID,
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: e.SourceHandle,
		})
	}
	return DefinitionDTO{
		Name:       d.Name,
		Nodes:      nodes,
		Edges:      edges,
		EntryPoint: d.EntryPoint,
		Settings: SettingsDTO{
			Timeout:            d.Settings.Timeout,
			MaxConcurrentNodes: d.Settings.MaxConcurrentNodes,
			EnableCache:        d.Settings.EnableCache,
		},
	}
}

// FromModel builds a WorkflowResponse from the domain aggregate.
func FromModel(w *model.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:          w.ID().String(),
		Name:        w.Name(),
		Description: w.Description(),
		Status:      string(w.Status()),
		Definition:  DefinitionFromModel(w.Definition()),
		Version:     w.Version(),
		CreatedAt:   w.CreatedAt(),
		UpdatedAt:   w.UpdatedAt(),
	}
}

// VersionFromSnapshot builds a VersionResponse from a stored snapshot.
func VersionFromSnapshot(s *version.Snapshot) VersionResponse {
	return VersionResponse{
		ID:        s.ID,
		Number:    s.Number,
		Label:     s.Label,
		CreatedBy: s.CreatedBy,
		CreatedAt: s.CreatedAt,
	}
}
