package runtime

// ErrorKind classifies a node execution failure so the engine can decide
// between retrying, taking a fallback, or failing the execution outright.
type ErrorKind string

const (
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindValidation  ErrorKind = "validation"
	ErrorKindNetwork     ErrorKind = "network"
	ErrorKindServer      ErrorKind = "server"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCancelled   ErrorKind = "cancelled"
)

// retryableKinds is the set of kinds a node executor may mark retryable.
// auth, not_found, and validation failures are never worth retrying
// without operator intervention.
var retryableKinds = map[ErrorKind]bool{
	ErrorKindRateLimited: true,
	ErrorKindNetwork:     true,
	ErrorKindServer:      true,
	ErrorKindTimeout:     true,
}

// NodeError is a classified node execution failure. It carries enough
// information for the engine to apply retry/onError policy without
// inspecting error strings.
type NodeError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *NodeError) Error() string {
	return e.Message
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// NewNodeError builds a NodeError with Retryable derived from the kind.
func NewNodeError(kind ErrorKind, message string, cause error) *NodeError {
	return &NodeError{
		Kind:      kind,
		Message:   message,
		Retryable: retryableKinds[kind],
		Cause:     cause,
	}
}

// AsNodeError extracts a *NodeError from err, wrapping unclassified errors
// as a non-retryable ErrorKindServer failure so the engine always has a
// classification to act on.
func AsNodeError(err error) *NodeError {
	if err == nil {
		return nil
	}
	if ne, ok := err.(*NodeError); ok {
		return ne
	}
	return &NodeError{
		Kind:      ErrorKindServer,
		Message:   err.Error(),
		Retryable: false,
		Cause:     err,
	}
}
