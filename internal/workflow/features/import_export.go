package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/model"
)

// bundleVersion is the portable-bundle format version, bumped only on
// incompatible changes to the bundle layout.
const bundleVersion = "2"

// WorkflowBundle is the portable JSON form of one workflow: its
// current definition plus enough metadata to recreate it elsewhere.
// Credential ids are replaced with named placeholders so a bundle never
// leaks another installation's opaque references.
type WorkflowBundle struct {
	Version     string                 `json:"version"`
	ExportedAt  time.Time              `json:"exportedAt"`
	ExportedBy  string                 `json:"exportedBy,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Definition  model.Definition       `json:"definition"`
	Credentials []CredentialRef        `json:"credentials,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CredentialRef names one credential placeholder a bundle needs mapped
// on import.
type CredentialRef struct {
	NodeName    string `json:"nodeName"`
	Placeholder string `json:"placeholder"`
}

// ImportOptions maps bundle placeholders back to real resources.
type ImportOptions struct {
	UserID            string
	NamePrefix        string
	CredentialMapping map[string]string // placeholder -> credential id
}

// Export serializes a workflow into a portable bundle.
func Export(w *model.Workflow, exportedBy string) ([]byte, error) {
	def := w.Definition()
	bundle := WorkflowBundle{
		Version:     bundleVersion,
		ExportedAt:  time.Now(),
		ExportedBy:  exportedBy,
		Name:        w.Name(),
		Description: w.Description(),
		Definition:  def,
	}

	// Replace credential ids with placeholders keyed by node name.
	for name, node := range bundle.Definition.Nodes {
		if credID, ok := node.Config["credentialId"].(string); ok && credID != "" {
			placeholder := fmt.Sprintf("{{credential:%s}}", name)
			node.Config["credentialId"] = placeholder
			bundle.Definition.Nodes[name] = node
			bundle.Credentials = append(bundle.Credentials, CredentialRef{
				NodeName:    name,
				Placeholder: placeholder,
			})
		}
	}

	return json.MarshalIndent(bundle, "", "  ")
}

// Import parses a bundle and materializes a new Workflow owned by
// opts.UserID. Placeholdered credentials are substituted through
// opts.CredentialMapping; unmapped placeholders are left in place and
// reported so the caller can surface them.
func Import(data []byte, opts ImportOptions) (*model.Workflow, []CredentialRef, error) {
	if opts.UserID == "" {
		return nil, nil, errors.New("import requires a user id")
	}

	var bundle WorkflowBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, nil, fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.Version != bundleVersion {
		return nil, nil, fmt.Errorf("unsupported bundle version %q", bundle.Version)
	}

	var unmapped []CredentialRef
	for _, ref := range bundle.Credentials {
		node, ok := bundle.Definition.Nodes[ref.NodeName]
		if !ok {
			continue
		}
		if mapped, ok := opts.CredentialMapping[ref.Placeholder]; ok {
			node.Config["credentialId"] = mapped
			bundle.Definition.Nodes[ref.NodeName] = node
		} else {
			unmapped = append(unmapped, ref)
		}
	}

	name := bundle.Name
	if opts.NamePrefix != "" {
		name = opts.NamePrefix + name
	}

	w, err := model.NewWorkflow(opts.UserID, name, bundle.Definition)
	if err != nil {
		return nil, nil, fmt.Errorf("materialize workflow: %w", err)
	}
	return w, unmapped, nil
}
