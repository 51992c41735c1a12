// ABOUTME: Rebuilds the OpenAI chat message sequence from stored conversation turns
// ABOUTME: Re-synthesizes tool-call descriptors and tool-result messages flattened for storage
package history

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harper/marketplace-agent/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

// ErrOutOfOrder is returned by CheckOrder when turns are not ascending
var ErrOutOfOrder = errors.New("turns are not in ascending order")

// MalformedTurn records a turn whose tool-call payload was ignored
type MalformedTurn struct {
	TurnID int64
	Err    error
}

// Result is the reconstructed prompt history
type Result struct {
	Messages  []openai.ChatCompletionMessage
	Malformed []MalformedTurn
}

// ToolCallID derives the stable identifier for the index-th call of a turn
func ToolCallID(turnID int64, index int) string {
	return fmt.Sprintf("call_%d_%d", turnID, index)
}

// Reconstruct converts turns (ascending created_at) into chat messages.
// It never fails; payloads that cannot be normalized are reported in Malformed
// and the turn is replayed as plain text.
func Reconstruct(turns []models.ConversationTurn) Result {
	res := Result{Messages: make([]openai.ChatCompletionMessage, 0, len(turns))}

	for _, turn := range turns {
		switch turn.Role {
		case models.RoleUser:
			res.Messages = append(res.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: turn.Content,
			})

		case models.RoleAssistant:
			payload, err := models.NormalizeToolCall(turn.ToolCall)
			if err != nil {
				res.Malformed = append(res.Malformed, MalformedTurn{TurnID: turn.ID, Err: err})
				payload = nil
			}
			res.Messages = append(res.Messages, assistantMessages(turn, payload)...)

		default:
			res.Malformed = append(res.Malformed, MalformedTurn{
				TurnID: turn.ID,
				Err:    fmt.Errorf("unexpected stored role %q", turn.Role),
			})
		}
	}

	return res
}

// assistantMessages emits the assistant message and one tool message per completed call
func assistantMessages(turn models.ConversationTurn, payload *models.ToolCallPayload) []openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: turn.Content,
	}
	if payload == nil || len(payload.Calls) == 0 {
		return []openai.ChatCompletionMessage{msg}
	}

	out := make([]openai.ChatCompletionMessage, 1, len(payload.Calls)+1)
	msg.ToolCalls = make([]openai.ToolCall, len(payload.Calls))
	for i, call := range payload.Calls {
		msg.ToolCalls[i] = Descriptor(ToolCallID(turn.ID, i), call.Name, call.Arguments)
	}
	out[0] = msg

	for i, call := range payload.Calls {
		if !call.HasResult() {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    call.ResultText(),
			ToolCallID: msg.ToolCalls[i].ID,
		})
	}
	return out
}

// Descriptor builds the function tool-call descriptor carried by an assistant message
func Descriptor(id, name string, args map[string]any) openai.ToolCall {
	return openai.ToolCall{
		ID:   id,
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      name,
			Arguments: EncodeArguments(args),
		},
	}
}

// EncodeArguments serializes an argument map; a nil map encodes as {}
func EncodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// CheckOrder verifies turns ascend by (created_at, id)
func CheckOrder(turns []models.ConversationTurn) error {
	for i := 1; i < len(turns); i++ {
		if !turns[i-1].Before(turns[i]) {
			return fmt.Errorf("%w: turn %d at position %d follows turn %d", ErrOutOfOrder, turns[i].ID, i, turns[i-1].ID)
		}
	}
	return nil
}
