// ABOUTME: Message Store contract shared by the SQLite and Charm KV backends
// ABOUTME: Conversations are append-only sequences of user and assistant turns
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harper/marketplace-agent/internal/models"
)

var (
	// ErrNotFound means the conversation does not exist
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidRole means a non-persistable role was appended
	ErrInvalidRole = errors.New("only user and assistant turns can be stored")
)

// TurnStore persists conversations and their turns. ListTurns returns turns
// ordered by (created_at, id) ascending.
type TurnStore interface {
	CreateConversation(ctx context.Context, persona string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, persona string, limit int) ([]models.Conversation, error)
	AppendTurn(ctx context.Context, conversationID string, role models.Role, content string, toolCall json.RawMessage) (*models.ConversationTurn, error)
	ListTurns(ctx context.Context, conversationID string) ([]models.ConversationTurn, error)
	Close() error
}

// CheckAppend validates an append before a backend writes it
func CheckAppend(conversationID string, role models.Role, toolCall json.RawMessage) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: empty conversation id", ErrNotFound)
	}
	if !role.Persistable() {
		return fmt.Errorf("%w: got %q", ErrInvalidRole, role)
	}
	if len(toolCall) > 0 && role != models.RoleAssistant {
		return fmt.Errorf("%w: tool calls belong on assistant turns", ErrInvalidRole)
	}
	return nil
}
