package ratio

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a registry or entry problem. It is a programming
// or config mistake and is never retried.
type ConfigurationError struct {
	Reason string
	Stage  string
}

func (e *ConfigurationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("configuration error at %s: %s", e.Stage, e.Reason)
	}
	return "configuration error: " + e.Reason
}

type CallFailureKind string

const (
	FailureTimeout   CallFailureKind = "timeout"
	FailureRateLimit CallFailureKind = "rate_limit"
	FailureServer    CallFailureKind = "server"
	FailureClient    CallFailureKind = "client"
	FailureMalformed CallFailureKind = "malformed"
)

// ExternalCallError wraps a failed model invocation.
type ExternalCallError struct {
	Stage string
	Kind  CallFailureKind
	Err   error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s model call failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// ValidationError reports a structured reply that did not match its record shape.
type ValidationError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s reply failed validation: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s reply failed validation: %s", e.Stage, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StageError is what Run returns on failure. Completed lists the stages that
// finished before Stage failed; their history is not returned.
type StageError struct {
	Stage     string
	Completed []StageID
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "pipeline"
}

// CompletedStages reports how many stages finished before err was raised.
func CompletedStages(err error) int {
	var se *StageError
	if errors.As(err, &se) {
		return len(se.Completed)
	}
	return 0
}

func completedNames(ids []StageID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	return strings.Join(names, ",")
}
