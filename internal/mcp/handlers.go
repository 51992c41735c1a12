// ABOUTME: MCP tool handler implementations for the marketplace agents
// ABOUTME: Validation and storage failures become tool errors; turns always answer with text
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harper/marketplace-agent/internal/conversation"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/harper/marketplace-agent/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers contains the handler functions for all MCP tools
type Handlers struct {
	conversations Conversations
	inflight      *sync.WaitGroup // Turns still running when shutdown starts
}

// StartConversation handles the start_conversation tool
func (h *Handlers) StartConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	persona, err := request.RequireString("persona")
	if err != nil {
		return mcp.NewToolResultError("persona argument is required and must be a string"), nil
	}

	conv, err := h.conversations.Start(ctx, persona)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start conversation: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"conversation_id": conv.ID,
		"persona":         conv.Persona,
		"created_at":      conv.CreatedAt.Format(time.RFC3339),
	})
}

// SendMessage handles the send_message tool
func (h *Handlers) SendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id argument is required and must be a string"), nil
	}
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("message argument is required and must be a string"), nil
	}

	callCtx := map[string]any{}
	if extra, ok := request.GetArguments()["context"].(map[string]any); ok {
		for k, v := range extra {
			callCtx[k] = v
		}
	}
	// Identity arguments win over free-form context
	for _, field := range []string{"buyer_id", "vendor_id"} {
		if v := request.GetString(field, ""); v != "" {
			callCtx[field] = v
		}
	}

	h.inflight.Add(1)
	defer h.inflight.Done()

	reply, err := h.conversations.Send(ctx, conversationID, message, callCtx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("unknown conversation %s", conversationID)), nil
	case errors.Is(err, conversation.ErrEmptyMessage):
		return mcp.NewToolResultError("message cannot be empty"), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("send failed: %v", err)), nil
	}

	toolCalls := reply.Result.ToolCalls
	if toolCalls == nil {
		toolCalls = []models.ToolCallItem{}
	}
	response := map[string]interface{}{
		"conversation_id": reply.ConversationID,
		"content":         reply.Result.Content,
		"tool_calls":      toolCalls,
		"state":           string(reply.Result.State),
		"degraded":        reply.Result.Degraded,
	}
	if reply.TraceID != "" {
		response["trace_id"] = reply.TraceID
	}
	return jsonResult(response)
}

// GetConversation handles the get_conversation tool
func (h *Handlers) GetConversation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id argument is required and must be a string"), nil
	}

	conv, turns, err := h.conversations.History(ctx, conversationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get conversation: %v", err)), nil
	}

	formatted := make([]map[string]interface{}, 0, len(turns))
	for _, turn := range turns {
		entry := map[string]interface{}{
			"id":         turn.ID,
			"role":       string(turn.Role),
			"content":    turn.Content,
			"created_at": turn.CreatedAt.Format(time.RFC3339Nano),
		}
		if turn.HasToolCall() {
			if payload, err := models.NormalizeToolCall(turn.ToolCall); err == nil && payload != nil {
				entry["tool_call"] = payload
			} else {
				entry["tool_call_error"] = "stored tool call payload is malformed"
			}
		}
		formatted = append(formatted, entry)
	}

	return jsonResult(map[string]interface{}{
		"conversation_id": conv.ID,
		"persona":         conv.Persona,
		"turns":           formatted,
	})
}

// ListConversations handles the list_conversations tool
func (h *Handlers) ListConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	persona := request.GetString("persona", "")
	limit := request.GetInt("limit", 20)

	convs, err := h.conversations.List(ctx, persona, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list conversations: %v", err)), nil
	}

	items := make([]map[string]interface{}, 0, len(convs))
	for _, conv := range convs {
		items = append(items, map[string]interface{}{
			"conversation_id": conv.ID,
			"persona":         conv.Persona,
			"created_at":      conv.CreatedAt.Format(time.RFC3339),
		})
	}
	return jsonResult(map[string]interface{}{"conversations": items})
}

// Shutdown waits for running turns to finish so their turns get stored
func (h *Handlers) Shutdown() {
	h.inflight.Wait()
}

func jsonResult(response interface{}) (*mcp.CallToolResult, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(responseJSON)), nil
}
