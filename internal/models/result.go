// ABOUTME: TurnResult is what one engine request hands back to request handlers
// ABOUTME: Always carries user-facing content; tool calls are nil when no tool ran
package models

// TerminalState names the state the engine finished a turn in
type TerminalState string

const (
	StateSuccess TerminalState = "success"
	// StateError means the first LLM call (or prompt assembly) failed
	StateError TerminalState = "error"
	// StatePartial means tools ran but the final LLM call failed
	StatePartial TerminalState = "partial"
)

// TurnResult is the {content, tool_calls} pair returned for every request
type TurnResult struct {
	Content   string         `json:"content"`
	ToolCalls []ToolCallItem `json:"tool_calls"`
	State     TerminalState  `json:"state"`
	// Degraded is set when the tool registry could not be loaded
	Degraded bool `json:"degraded,omitempty"`
}

// Payload converts the executed tool calls to a storable payload, nil if none ran
func (r TurnResult) Payload(traceID string) *ToolCallPayload {
	if len(r.ToolCalls) == 0 {
		return nil
	}
	calls := make([]ToolCallItem, len(r.ToolCalls))
	copy(calls, r.ToolCalls)
	return &ToolCallPayload{Calls: calls, TraceID: traceID}
}
