// ABOUTME: Conversation and turn storage operations for SQLite
// ABOUTME: Implements the append-only Message Store over the conversations and conversation_turns tables
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/harper/marketplace-agent/internal/storage"
)

// TurnStore handles conversation persistence
type TurnStore struct {
	db  *DB
	now func() time.Time
}

var _ storage.TurnStore = (*TurnStore)(nil)

// NewTurnStore creates a new TurnStore
func NewTurnStore(db *DB) *TurnStore {
	return &TurnStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateConversation starts a new conversation for persona
func (s *TurnStore) CreateConversation(ctx context.Context, persona string) (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		Persona:   persona,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, persona, created_at) VALUES (?, ?, ?)",
		conv.ID, conv.Persona, conv.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns storage.ErrNotFound for unknown ids
func (s *TurnStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var (
		conv    models.Conversation
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, persona, created_at FROM conversations WHERE id = ?", id).
		Scan(&conv.ID, &conv.Persona, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.CreatedAt = time.Unix(0, created).UTC()
	return &conv, nil
}

// ListConversations returns the newest conversations first; empty persona lists all
func (s *TurnStore) ListConversations(ctx context.Context, persona string, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, persona, created_at
		FROM conversations
		WHERE ? = '' OR persona = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, persona, persona, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []models.Conversation
	for rows.Next() {
		var (
			conv    models.Conversation
			created int64
		)
		if err := rows.Scan(&conv.ID, &conv.Persona, &created); err != nil {
			return nil, err
		}
		conv.CreatedAt = time.Unix(0, created).UTC()
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// AppendTurn stores one turn at the end of the conversation
func (s *TurnStore) AppendTurn(ctx context.Context, conversationID string, role models.Role, content string, toolCall json.RawMessage) (*models.ConversationTurn, error) {
	if err := storage.CheckAppend(conversationID, role, toolCall); err != nil {
		return nil, err
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	turn := &models.ConversationTurn{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	var payload sql.NullString
	if len(toolCall) > 0 {
		turn.ToolCall = append(json.RawMessage(nil), toolCall...)
		payload = sql.NullString{String: string(toolCall), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, role, content, tool_call, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conversationID, string(role), content, payload, turn.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}
	if turn.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

// ListTurns retrieves all turns of a conversation in replay order
func (s *TurnStore) ListTurns(ctx context.Context, conversationID string) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_call, created_at
		FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []models.ConversationTurn
	for rows.Next() {
		var (
			turn    models.ConversationTurn
			role    string
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &payload, &created); err != nil {
			return nil, err
		}
		if turn.Role, err = models.ParseRole(role); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			turn.ToolCall = json.RawMessage(payload.String)
		}
		turn.ConversationID = conversationID
		turn.CreatedAt = time.Unix(0, created).UTC()
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Close closes the underlying database
func (s *TurnStore) Close() error {
	return s.db.Close()
}
