// ABOUTME: MCP tool definitions exposing the marketplace agents to MCP hosts
// ABOUTME: Registers conversation tools that run buyer and vendor turns through the manager
package mcp

import (
	"context"
	"sync"

	"github.com/harper/marketplace-agent/internal/conversation"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Conversations is the manager surface the handlers need
type Conversations interface {
	Start(ctx context.Context, persona string) (*models.Conversation, error)
	Send(ctx context.Context, conversationID, text string, callCtx map[string]any) (*conversation.Reply, error)
	History(ctx context.Context, conversationID string) (*models.Conversation, []models.ConversationTurn, error)
	List(ctx context.Context, persona string, limit int) ([]models.Conversation, error)
}

// RegisterTools registers all MCP tools with the server
func RegisterTools(server *mcpserver.MCPServer, conversations Conversations) *Handlers {
	handlers := &Handlers{
		conversations: conversations,
		inflight:      &sync.WaitGroup{},
	}

	// 1. start_conversation - open a buyer or vendor conversation
	server.AddTool(mcp.Tool{
		Name:        "start_conversation",
		Description: "Start a new marketplace conversation with the buyer concierge or the vendor assistant. Returns the conversation_id to use with send_message.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"persona": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"buyer", "vendor"},
					"description": "Which agent to talk to",
				},
			},
			Required: []string{"persona"},
		},
	}, handlers.StartConversation)

	// 2. send_message - run one turn
	server.AddTool(mcp.Tool{
		Name:        "send_message",
		Description: "Send a message in an existing conversation. The agent may call marketplace tools before answering; executed tool calls are returned alongside the reply.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation returned by start_conversation",
				},
				"message": map[string]interface{}{
					"type":        "string",
					"description": "The user's message",
				},
				"buyer_id": map[string]interface{}{
					"type":        "string",
					"description": "Authenticated buyer; injected into every tool call",
				},
				"vendor_id": map[string]interface{}{
					"type":        "string",
					"description": "Authenticated vendor; injected into every tool call",
				},
				"context": map[string]interface{}{
					"type":        "object",
					"description": "Extra caller context injected into every tool call",
				},
			},
			Required: []string{"conversation_id", "message"},
		},
	}, handlers.SendMessage)

	// 3. get_conversation - stored turns
	server.AddTool(mcp.Tool{
		Name:        "get_conversation",
		Description: "Get the stored turns of a conversation, including tool-call payloads on assistant turns.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"conversation_id": map[string]interface{}{
					"type":        "string",
					"description": "Conversation to read",
				},
			},
			Required: []string{"conversation_id"},
		},
	}, handlers.GetConversation)

	// 4. list_conversations - recent conversations
	server.AddTool(mcp.Tool{
		Name:        "list_conversations",
		Description: "List recent conversations, newest first.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"persona": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"buyer", "vendor"},
					"description": "Only list this persona's conversations",
				},
				"limit": map[string]interface{}{
					"type":        "number",
					"description": "Maximum number of conversations (default: 20)",
					"default":     20,
				},
			},
		},
	}, handlers.ListConversations)

	return handlers
}
