// ABOUTME: Tool execution failure type captured into tool results
// ABOUTME: Distinguishes transport, timeout, and remote tool errors
package tools

import "fmt"

// FailureKind classifies why a tool call failed
type FailureKind string

const (
	KindTransport FailureKind = "transport"
	KindTimeout   FailureKind = "timeout"
	KindRemote    FailureKind = "remote"
)

// ExecutionError describes a failed tool call. It never escapes the Invoker as
// an error return; it rides along in Result so the model can react to it.
type ExecutionError struct {
	Tool string
	Kind FailureKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed (%s): %v", e.Tool, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Message is the text fed back to the model in place of a result
func (e *ExecutionError) Message() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("Error: tool %s timed out before returning a result.", e.Tool)
	case KindRemote:
		return fmt.Sprintf("Error: tool %s returned an error: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("Error: tool %s could not be executed: %v", e.Tool, e.Err)
}
