package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/marketplace-agent/internal/models"
	openai "github.com/sashabaranov/go-openai"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func turn(id int64, role models.Role, content string, toolCall string) models.ConversationTurn {
	t := models.ConversationTurn{
		ID:             id,
		ConversationID: "conv-1",
		Role:           role,
		Content:        content,
		CreatedAt:      base.Add(time.Duration(id) * time.Second),
	}
	if toolCall != "" {
		t.ToolCall = json.RawMessage(toolCall)
	}
	return t
}

func payload(t *testing.T, calls ...models.ToolCallItem) string {
	t.Helper()
	data, err := models.ToolCallPayload{Calls: calls}.Marshal()
	require.NoError(t, err)
	return string(data)
}

func pending(name string, args map[string]any) models.ToolCallItem {
	return models.ToolCallItem{Name: name, Arguments: args}
}

// flatten folds reconstructed messages back into user/assistant role/content pairs
func flatten(msgs []openai.ChatCompletionMessage) [][2]string {
	var out [][2]string
	for _, m := range msgs {
		if m.Role == openai.ChatMessageRoleTool {
			continue
		}
		out = append(out, [2]string{m.Role, m.Content})
	}
	return out
}

func TestReconstruct_Empty(t *testing.T) {
	res := Reconstruct(nil)
	assert.Empty(t, res.Messages)
	assert.Empty(t, res.Malformed)
}

func TestReconstruct_PlainTurns(t *testing.T) {
	turns := []models.ConversationTurn{
		turn(1, models.RoleUser, "Any climate datasets?", ""),
		turn(2, models.RoleAssistant, "", ""),
		turn(3, models.RoleUser, "Hello?", ""),
	}

	res := Reconstruct(turns)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleUser, res.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, res.Messages[1].Role)
	assert.Equal(t, "", res.Messages[1].Content, "empty assistant content must be kept, not dropped")
	assert.Empty(t, res.Messages[1].ToolCalls)
}

func TestReconstruct_ToolCalls(t *testing.T) {
	search := models.NewToolCallItem("search_datasets", map[string]any{"q": "rainfall", "buyer_id": "b-7"}, "Found 2 datasets")
	detail := models.NewToolCallItem("get_dataset", map[string]any{"dataset_id": float64(11)}, `{"id":11}`)
	turns := []models.ConversationTurn{
		turn(1, models.RoleUser, "Find rainfall data", ""),
		turn(2, models.RoleAssistant, "Here is what I found.", payload(t, search, detail)),
		turn(3, models.RoleUser, "Tell me about the first one", ""),
	}

	res := Reconstruct(turns)
	require.Len(t, res.Messages, 5)

	assistant := res.Messages[1]
	assert.Equal(t, openai.ChatMessageRoleAssistant, assistant.Role)
	assert.Equal(t, "Here is what I found.", assistant.Content)
	require.Len(t, assistant.ToolCalls, 2)
	assert.Equal(t, "call_2_0", assistant.ToolCalls[0].ID)
	assert.Equal(t, "call_2_1", assistant.ToolCalls[1].ID)
	assert.Equal(t, openai.ToolTypeFunction, assistant.ToolCalls[0].Type)
	assert.Equal(t, "search_datasets", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"rainfall","buyer_id":"b-7"}`, assistant.ToolCalls[0].Function.Arguments)

	assert.Equal(t, openai.ChatMessageRoleTool, res.Messages[2].Role)
	assert.Equal(t, "call_2_0", res.Messages[2].ToolCallID)
	assert.Equal(t, "Found 2 datasets", res.Messages[2].Content)
	assert.Equal(t, "call_2_1", res.Messages[3].ToolCallID)
	assert.Equal(t, `{"id":11}`, res.Messages[3].Content)

	assert.Equal(t, openai.ChatMessageRoleUser, res.Messages[4].Role)
}

func TestReconstruct_LegacyPayload(t *testing.T) {
	turns := []models.ConversationTurn{
		turn(1, models.RoleUser, "search for x", ""),
		turn(2, models.RoleAssistant, "", `{"name": "search", "arguments": {"q": "x"}, "result": "found 3"}`),
	}

	res := Reconstruct(turns)
	require.Len(t, res.Messages, 3)
	require.Len(t, res.Messages[1].ToolCalls, 1)
	assert.Equal(t, "search", res.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, openai.ChatMessageRoleTool, res.Messages[2].Role)
	assert.Equal(t, "found 3", res.Messages[2].Content)
	assert.Equal(t, res.Messages[1].ToolCalls[0].ID, res.Messages[2].ToolCallID)
	assert.Empty(t, res.Malformed)
}

func TestReconstruct_UnansweredCall(t *testing.T) {
	done := models.NewToolCallItem("search_datasets", nil, "ok")
	turns := []models.ConversationTurn{
		turn(1, models.RoleUser, "go", ""),
		turn(2, models.RoleAssistant, "partial", payload(t, pending("purchase_dataset", map[string]any{"id": "d1"}), done)),
	}

	res := Reconstruct(turns)
	require.Len(t, res.Messages, 3, "unanswered call keeps its descriptor but gets no tool message")
	require.Len(t, res.Messages[1].ToolCalls, 2)
	assert.Equal(t, "call_2_1", res.Messages[2].ToolCallID)
}

func TestReconstruct_MalformedPayloadIsSkipped(t *testing.T) {
	turns := []models.ConversationTurn{
		turn(1, models.RoleUser, "hi", ""),
		turn(2, models.RoleAssistant, "hello there", `["not", "a", "mapping"]`),
		turn(3, models.RoleUser, "and?", ""),
		turn(4, models.RoleAssistant, "done", `{"calls": "nope"}`),
	}

	res := Reconstruct(turns)
	require.Len(t, res.Messages, 4)
	assert.Empty(t, res.Messages[1].ToolCalls)
	assert.Equal(t, "hello there", res.Messages[1].Content)
	require.Len(t, res.Malformed, 2)
	assert.Equal(t, int64(2), res.Malformed[0].TurnID)
	assert.ErrorIs(t, res.Malformed[0].Err, models.ErrMalformedToolCall)
	assert.Equal(t, int64(4), res.Malformed[1].TurnID)
}

func TestReconstruct_RoundTrip(t *testing.T) {
	turns := []models.ConversationTurn{
		turn(1, models.RoleUser, "I need traffic data for Berlin", ""),
		turn(2, models.RoleAssistant, "Two candidates.", payload(t,
			models.NewToolCallItem("search_datasets", map[string]any{"q": "traffic berlin"}, "2 results"),
			pending("get_dataset", map[string]any{"id": "x"}),
			models.NewToolCallItem("get_pricing", map[string]any{"id": "y"}, "$40"),
		)),
		turn(3, models.RoleUser, "Cheapest?", ""),
		turn(4, models.RoleAssistant, "The second, at $40.", ""),
		turn(5, models.RoleUser, "Buy it", ""),
		turn(6, models.RoleAssistant, "", payload(t, models.NewToolCallItem("purchase_dataset", nil, "order o-1"))),
	}

	res := Reconstruct(turns)

	var want [][2]string
	for _, tr := range turns {
		want = append(want, [2]string{string(tr.Role), tr.Content})
	}
	assert.Equal(t, want, flatten(res.Messages))

	// every completed call yields exactly one tool message right after its assistant message
	i := 0
	for _, tr := range turns {
		require.Less(t, i, len(res.Messages))
		msg := res.Messages[i]
		require.Equal(t, string(tr.Role), msg.Role)
		i++
		p, err := models.NormalizeToolCall(tr.ToolCall)
		require.NoError(t, err)
		if p == nil {
			continue
		}
		for idx, call := range p.Calls {
			if !call.HasResult() {
				continue
			}
			require.Less(t, i, len(res.Messages))
			tool := res.Messages[i]
			assert.Equal(t, openai.ChatMessageRoleTool, tool.Role)
			assert.Equal(t, ToolCallID(tr.ID, idx), tool.ToolCallID)
			assert.Equal(t, call.ResultText(), tool.Content)
			assert.Equal(t, msg.ToolCalls[idx].ID, tool.ToolCallID)
			i++
		}
	}
	assert.Equal(t, len(res.Messages), i)
}

func TestReconstruct_DeterministicIdentifiers(t *testing.T) {
	turns := []models.ConversationTurn{
		turn(9, models.RoleAssistant, "", payload(t,
			models.NewToolCallItem("a", map[string]any{"z": 1, "a": 2}, "1"),
			models.NewToolCallItem("b", nil, "2"),
		)),
	}

	first := Reconstruct(turns)
	second := Reconstruct(turns)
	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, "call_9_0", first.Messages[0].ToolCalls[0].ID)
}

func TestEncodeArguments(t *testing.T) {
	assert.Equal(t, "{}", EncodeArguments(nil))
	assert.Equal(t, "{}", EncodeArguments(map[string]any{}))
	assert.JSONEq(t, `{"buyer_id":"b1","limit":5}`, EncodeArguments(map[string]any{"limit": 5, "buyer_id": "b1"}))
}

func TestCheckOrder(t *testing.T) {
	ordered := []models.ConversationTurn{
		turn(1, models.RoleUser, "a", ""),
		turn(2, models.RoleAssistant, "b", ""),
	}
	assert.NoError(t, CheckOrder(ordered))
	assert.NoError(t, CheckOrder(nil))

	sameInstant := []models.ConversationTurn{
		{ID: 1, Role: models.RoleUser, CreatedAt: base},
		{ID: 2, Role: models.RoleAssistant, CreatedAt: base},
	}
	assert.NoError(t, CheckOrder(sameInstant))

	reversed := []models.ConversationTurn{ordered[1], ordered[0]}
	assert.ErrorIs(t, CheckOrder(reversed), ErrOutOfOrder)
}
