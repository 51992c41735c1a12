// ABOUTME: Conversation manager tying the Message Store to the persona engines
// ABOUTME: Serializes requests per conversation and appends the user and assistant turns after each run
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/harper/marketplace-agent/internal/engine"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/harper/marketplace-agent/internal/storage"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnknownPersona means no engine is registered for the persona
	ErrUnknownPersona = errors.New("no engine for persona")
	// ErrEmptyMessage means the user sent only whitespace
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// Processor is one persona's engine
type Processor interface {
	ProcessTurn(ctx context.Context, req engine.TurnRequest) (*models.TurnResult, error)
}

// Reply is what Send returns to request handlers
type Reply struct {
	ConversationID string                   `json:"conversation_id"`
	Persona        string                   `json:"persona"`
	Result         *models.TurnResult       `json:"result"`
	TraceID        string                   `json:"trace_id,omitempty"`
	UserTurnID     int64                    `json:"user_turn_id"`
	AssistantTurn  *models.ConversationTurn `json:"assistant_turn"`
}

// Manager owns the request-level lifecycle of conversations
type Manager struct {
	store   storage.TurnStore
	engines map[string]Processor
	locks   *keyedMutex
	logger  log.FieldLogger
}

// NewManager creates a manager; engines are keyed by persona name
func NewManager(store storage.TurnStore, engines map[string]Processor, logger log.FieldLogger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	copied := make(map[string]Processor, len(engines))
	for name, e := range engines {
		copied[name] = e
	}
	return &Manager{
		store:   store,
		engines: copied,
		locks:   newKeyedMutex(),
		logger:  logger.WithField("component", "conversation"),
	}
}

// Start creates a new conversation for persona
func (m *Manager) Start(ctx context.Context, persona string) (*models.Conversation, error) {
	persona = strings.ToLower(strings.TrimSpace(persona))
	if _, ok := m.engines[persona]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, persona)
	}
	conv, err := m.store.CreateConversation(ctx, persona)
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(log.Fields{"conversation_id": conv.ID, "persona": persona}).Info("Conversation started")
	return conv, nil
}

// Send runs one user message through the conversation's engine. Requests for
// the same conversation run one at a time. A request whose ctx ends before
// the engine finishes stores nothing.
func (m *Manager) Send(ctx context.Context, conversationID, text string, callCtx map[string]any) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	unlock, err := m.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	proc, ok := m.engines[conv.Persona]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, conv.Persona)
	}

	merged := make(map[string]any, len(callCtx)+1)
	for k, v := range callCtx {
		merged[k] = v
	}
	merged["conversation_id"] = conversationID

	logger := m.logger.WithFields(log.Fields{"conversation_id": conversationID, "persona": conv.Persona})
	result, err := proc.ProcessTurn(ctx, engine.TurnRequest{
		ConversationID: conversationID,
		Text:           text,
		Context:        merged,
	})
	if err != nil {
		logger.WithError(err).Warn("Turn abandoned; nothing stored")
		return nil, err
	}

	// The caller may have gone away, but a finished turn is still worth keeping
	persistCtx := context.WithoutCancel(ctx)

	userTurn, err := m.store.AppendTurn(persistCtx, conversationID, models.RoleUser, text, nil)
	if err != nil {
		return nil, fmt.Errorf("store user turn: %w", err)
	}

	reply := &Reply{
		ConversationID: conversationID,
		Persona:        conv.Persona,
		Result:         result,
		UserTurnID:     userTurn.ID,
	}
	var raw json.RawMessage
	if payload := result.Payload(""); payload != nil {
		reply.TraceID = uuid.New().String()
		payload.TraceID = reply.TraceID
		if raw, err = payload.Marshal(); err != nil {
			return nil, fmt.Errorf("encode tool calls: %w", err)
		}
	}
	reply.AssistantTurn, err = m.store.AppendTurn(persistCtx, conversationID, models.RoleAssistant, result.Content, raw)
	if err != nil {
		return nil, fmt.Errorf("store assistant turn: %w", err)
	}

	logger.WithFields(log.Fields{
		"state":      result.State,
		"tool_calls": len(result.ToolCalls),
		"degraded":   result.Degraded,
		"trace_id":   reply.TraceID,
	}).Info("Turn completed")
	return reply, nil
}

// History returns the conversation and its stored turns
func (m *Manager) History(ctx context.Context, conversationID string) (*models.Conversation, []models.ConversationTurn, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	turns, err := m.store.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	return conv, turns, nil
}

// List returns recent conversations, newest first
func (m *Manager) List(ctx context.Context, persona string, limit int) ([]models.Conversation, error) {
	return m.store.ListConversations(ctx, persona, limit)
}

// Personas lists registered persona names
func (m *Manager) Personas() []string {
	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
