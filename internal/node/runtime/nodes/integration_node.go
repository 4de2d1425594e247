// Package nodes provides built-in node implementations
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/connector"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// CredentialResolver resolves an opaque credential id to the secret
// values a connector needs to authenticate, mirroring
// DatabaseQueryNode's ConnectionResolver shape.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, id string) (map[string]interface{}, error)
}

// IntegrationOperationNode is the "integration-operation" node type:
// it dispatches to a registered provider connector's named operation
// through internal/connector's registry, resolving the referenced
// credential first.
type IntegrationOperationNode struct {
	Registry *connector.Registry
	Creds    CredentialResolver
}

func NewIntegrationOperationNode(registry *connector.Registry, creds CredentialResolver) *IntegrationOperationNode {
	if registry == nil {
		registry = connector.NewRegistry()
	}
	return &IntegrationOperationNode{Registry: registry, Creds: creds}
}

func (n *IntegrationOperationNode) GetType() string { return "integration-operation" }

func (n *IntegrationOperationNode) Validate(config map[string]interface{}) error {
	if getStringConfig(config, "provider", "") == "" {
		return fmt.Errorf("provider is required")
	}
	if getStringConfig(config, "operation", "") == "" {
		return fmt.Errorf("operation is required")
	}
	return nil
}

func (n *IntegrationOperationNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "integration-operation",
		Name:        "Integration Operation",
		Description: "Execute a named operation against a registered third-party connector",
		Category:    "integration",
		Icon:        "plug",
		Color:       "#FF5722",
		Version:     "1.0.0",
		Inputs:      []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Input data"}},
		Outputs:     []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Operation result"}},
		Properties: []runtime.PropertyDefinition{
			{Name: "provider", Type: "select", Required: true, Description: "Connector provider key (e.g. github, notion, airtable, google_sheets)"},
			{Name: "operation", Type: "string", Required: true, Description: "Operation id as listed by the connector"},
			{Name: "credentialId", Type: "credential", Description: "Referenced stored credential"},
			{Name: "params", Type: "json", Description: "Operation parameters"},
		},
	}
}

func (n *IntegrationOperationNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	startTime := time.Now()
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{}), Logs: []runtime.LogEntry{}}

	provider := getStringConfig(input.NodeConfig, "provider", "")
	operation := getStringConfig(input.NodeConfig, "operation", "")
	params := getMapConfig(input.NodeConfig, "params")

	conn, err := n.Registry.Get(provider)
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
		return output, nil
	}

	credentials := input.Credentials
	if credentials == nil {
		credentials = make(map[string]interface{})
	}
	if credID := getStringConfig(input.NodeConfig, "credentialId", ""); credID != "" && n.Creds != nil {
		resolved, err := n.Creds.ResolveCredential(ctx, credID)
		if err != nil {
			output.Error = runtime.NewNodeError(runtime.ErrorKindAuth, fmt.Sprintf("failed to resolve credential: %v", err), err)
			return output, nil
		}
		credentials = resolved
	}

	output.Logs = append(output.Logs, runtime.LogEntry{
		Level: "info", Message: fmt.Sprintf("%s.%s", provider, operation),
		Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
	})

	result, nodeErr := conn.Execute(ctx, operation, params, credentials)
	if nodeErr != nil {
		output.Error = nodeErr
		return output, nil
	}

	output.Data = result
	output.Metrics = runtime.ExecutionMetrics{
		StartTime:  startTime.UnixMilli(),
		EndTime:    time.Now().UnixMilli(),
		DurationMs: time.Since(startTime).Milliseconds(),
	}
	return output, nil
}

func init() {
	runtime.Register(NewIntegrationOperationNode(nil, nil))
}
