// ABOUTME: ConversationTurn is one stored unit of dialogue in a marketplace conversation
// ABOUTME: Turns are append-only; only user and assistant turns are ever persisted
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool only appears in reconstructed prompts, never in storage
	RoleTool Role = "tool"
)

// Persistable reports whether a turn with this role may be stored
func (r Role) Persistable() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole converts a stored role string to a Role
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleTool:
		return RoleTool, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ConversationTurn represents a single stored turn
type ConversationTurn struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ToolCall       json.RawMessage `json:"tool_call,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HasToolCall reports whether the turn carries any stored tool-call payload
func (t ConversationTurn) HasToolCall() bool {
	trimmed := strings.TrimSpace(string(t.ToolCall))
	return trimmed != "" && trimmed != "null"
}

// Before reports whether t sorts strictly before other (created_at, then id)
func (t ConversationTurn) Before(other ConversationTurn) bool {
	if t.CreatedAt.Equal(other.CreatedAt) {
		return t.ID < other.ID
	}
	return t.CreatedAt.Before(other.CreatedAt)
}

// Conversation is the owner of a sequence of turns
type Conversation struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUserTurn builds an unsaved user turn, validating the text
func NewUserTurn(conversationID, content string) (*ConversationTurn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.New("conversation id cannot be empty")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("user message cannot be empty")
	}
	return &ConversationTurn{
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}, nil
}
