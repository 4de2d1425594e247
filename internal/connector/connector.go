// Package connector is a thin abstraction over third-party
// operations: discovery, execution, and error classification. It wraps
// internal/integration/connectors' GitHub/Notion/Airtable/GoogleSheets
// connectors, adapting their bare (map[string]interface{}, error)
// contract to the classified contract the node executor registry's
// other executors already use, so the "integration-operation" node type
// can apply the same onError/retry policy as any other node.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowmaestro/flowmaestro/internal/integration/connectors"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	"github.com/flowmaestro/flowmaestro/internal/platform/resilience"
)

// OperationDescriptor is the discovery-side contract: list_operations()
// → [{id, schema, retryable}].
type OperationDescriptor struct {
	ID         string
	Schema     connectors.Operation
	Retryable  bool
}

// Connector is the contract an external-provider connector exposes.
type Connector interface {
	Provider() string
	ListOperations() []OperationDescriptor
	Execute(ctx context.Context, operationID string, params, credentials map[string]interface{}) (map[string]interface{}, *runtime.NodeError)
}

// adapter wraps an internal/integration/connectors.Connector to
// implement the Connector interface above.
type adapter struct {
	inner   connectors.Connector
	breaker *resilience.CircuitBreaker
}

func newAdapter(inner connectors.Connector) *adapter {
	return &adapter{
		inner:   inner,
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(inner.Type())),
	}
}

func (a *adapter) Provider() string { return a.inner.Type() }

func (a *adapter) ListOperations() []OperationDescriptor {
	ops := a.inner.Operations()
	out := make([]OperationDescriptor, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperationDescriptor{ID: op.Name, Schema: op, Retryable: isIdempotent(op.Name)})
	}
	return out
}

// Execute runs the operation through the provider's circuit breaker:
// a provider whose API keeps failing is short-circuited for a cooldown
// instead of burning the node's whole retry budget on it.
func (a *adapter) Execute(ctx context.Context, operationID string, params, credentials map[string]interface{}) (map[string]interface{}, *runtime.NodeError) {
	var result map[string]interface{}
	err := a.breaker.Execute(ctx, func() error {
		var innerErr error
		result, innerErr = a.inner.Execute(ctx, operationID, params, credentials)
		return innerErr
	})
	if err != nil {
		return nil, classifyConnectorError(err)
	}
	return result, nil
}

// isIdempotent is a conservative default: read-style operation names
// are safe to retry, mutating ones are not unless the connector proves
// otherwise. Only names starting with list/get/search/read count as
// read-style; anything else (including notion's query_database and the
// sheets write/append/clear operations) is treated as mutating.
func isIdempotent(operationName string) bool {
	lower := strings.ToLower(operationName)
	for _, prefix := range []string{"list", "get", "search", "read"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// classifyConnectorError maps provider failures onto the engine's
// error kinds: a typed *connectors.RequestError classifies by HTTP
// status; anything without one never reached the provider and counts
// as a network failure.
func classifyConnectorError(err error) *runtime.NodeError {
	var reqErr *connectors.RequestError
	if !errors.As(err, &reqErr) {
		return runtime.NewNodeError(runtime.ErrorKindNetwork, err.Error(), err)
	}
	msg := err.Error()
	switch {
	case reqErr.StatusCode == 401 || reqErr.StatusCode == 403:
		return runtime.NewNodeError(runtime.ErrorKindAuth, msg, err)
	case reqErr.StatusCode == 404:
		return runtime.NewNodeError(runtime.ErrorKindNotFound, msg, err)
	case reqErr.StatusCode == 429:
		return runtime.NewNodeError(runtime.ErrorKindRateLimited, msg, err)
	case reqErr.StatusCode == 408:
		return runtime.NewNodeError(runtime.ErrorKindTimeout, msg, err)
	case reqErr.StatusCode >= 500:
		return runtime.NewNodeError(runtime.ErrorKindServer, msg, err)
	default:
		return runtime.NewNodeError(runtime.ErrorKindValidation, msg, err)
	}
}

// Registry is the process-wide table of registered provider connectors,
// mirroring the Node Executor Registry's shape (register at startup,
// read-only lookups thereafter).
type Registry struct {
	byProvider map[string]Connector
}

// NewRegistry builds a Registry pre-populated with the built-in
// connectors.
func NewRegistry() *Registry {
	r := &Registry{byProvider: make(map[string]Connector)}
	for _, c := range []connectors.Connector{
		connectors.NewGoogleSheetsConnector(),
		connectors.NewGitHubConnector(),
		connectors.NewNotionConnector(),
		connectors.NewAirtableConnector(),
	} {
		r.Register(newAdapter(c))
	}
	return r
}

// Register adds or replaces a connector under its provider key.
func (r *Registry) Register(c Connector) {
	r.byProvider[c.Provider()] = c
}

// Get returns the connector registered for a provider.
func (r *Registry) Get(provider string) (Connector, error) {
	c, ok := r.byProvider[provider]
	if !ok {
		return nil, fmt.Errorf("no connector registered for provider %q", provider)
	}
	return c, nil
}

// List returns every registered provider key.
func (r *Registry) List() []string {
	out := make([]string, 0, len(r.byProvider))
	for p := range r.byProvider {
		out = append(out, p)
	}
	return out
}
