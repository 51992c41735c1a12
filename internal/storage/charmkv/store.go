// ABOUTME: Charm KV Message Store for conversations synced across devices
// ABOUTME: Turns live under zero-padded sequence keys tagged with a writer id so offline devices never overwrite each other
package charmkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/charm/client"
	"github.com/charmbracelet/charm/kv"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/harper/marketplace-agent/internal/storage"
	log "github.com/sirupsen/logrus"
)

// Key prefixes for different entity types
const (
	ConversationPrefix = "conv:"
	TurnPrefix         = "turn:"
	sequenceKey        = "meta:turn_seq"
)

// Config holds charm store configuration
type Config struct {
	Host     string
	DBName   string
	AutoSync bool
}

// Backend is the subset of the charm KV API the store needs
type Backend interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Keys() ([][]byte, error)
	Sync() error
	Close() error
}

// Store implements storage.TurnStore over Charm KV. Every Store instance
// tags its turn keys with its own writer id: the sequence key is shared
// through sync, so two devices appending while offline can allocate the
// same id.
type Store struct {
	kv       Backend
	autoSync bool
	writer   string
	mu       sync.Mutex
	now      func() time.Time
}

var _ storage.TurnStore = (*Store)(nil)

type conversationRecord struct {
	ID        string `json:"id"`
	Persona   string `json:"persona"`
	CreatedAt int64  `json:"created_at"`
}

type turnRecord struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ToolCall       json.RawMessage `json:"tool_call,omitempty"`
	CreatedAt      int64           `json:"created_at"`
}

// Open connects to Charm KV, pulling remote data first when AutoSync is on
func Open(cfg Config) (*Store, error) {
	// kv.OpenWithDefaults reads the host from the environment
	if cfg.Host != "" {
		if err := os.Setenv("CHARM_HOST", cfg.Host); err != nil {
			log.WithError(err).WithField("host", cfg.Host).Warn("Failed to set CHARM_HOST; using the default charm host")
		}
	}

	db, err := kv.OpenWithDefaults(cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to open charm kv: %w", err)
	}
	if cfg.AutoSync {
		if err := db.Sync(); err != nil {
			log.WithError(err).WithField("db", cfg.DBName).Warn("Initial charm sync failed; starting from local data")
		}
	}
	return New(db, cfg.AutoSync), nil
}

// New wraps an opened backend
func New(backend Backend, autoSync bool) *Store {
	return &Store{
		kv:       backend,
		autoSync: autoSync,
		writer:   uuid.New().String()[:8],
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ConversationKey generates a key for a conversation record
func ConversationKey(id string) string {
	return ConversationPrefix + id
}

// TurnKey generates a key for one turn; the padding keeps lexical order numeric
func TurnKey(conversationID string, id int64, writer string) string {
	return fmt.Sprintf("%s%s:%020d:%s", TurnPrefix, conversationID, id, writer)
}

// syncIfEnabled pushes local writes; a failed sync leaves them queued locally
func (s *Store) syncIfEnabled() {
	if !s.autoSync {
		return
	}
	if err := s.kv.Sync(); err != nil {
		log.WithError(err).WithField("writer", s.writer).Warn("Charm sync failed; local writes will sync later")
	}
}

func (s *Store) setJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := s.kv.Set([]byte(key), data); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// getJSON reports found=false for a missing key
func (s *Store) getJSON(key string, dest any) (bool, error) {
	data, err := s.kv.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) || (err == nil && data == nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return true, json.Unmarshal(data, dest)
}

func (s *Store) listKeys(prefix string) ([]string, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	var result []string
	for _, key := range keys {
		if k := string(key); strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	sort.Strings(result)
	return result, nil
}

// CreateConversation starts a new conversation for persona
func (s *Store) CreateConversation(ctx context.Context, persona string) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := &models.Conversation{ID: uuid.New().String(), Persona: persona, CreatedAt: s.now()}
	rec := conversationRecord{ID: conv.ID, Persona: persona, CreatedAt: conv.CreatedAt.UnixNano()}
	if err := s.setJSON(ConversationKey(conv.ID), rec); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.syncIfEnabled()
	return conv, nil
}

// GetConversation returns storage.ErrNotFound for unknown ids
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConversation(id)
}

func (s *Store) getConversation(id string) (*models.Conversation, error) {
	var rec conversationRecord
	found, err := s.getJSON(ConversationKey(id), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return &models.Conversation{ID: rec.ID, Persona: rec.Persona, CreatedAt: time.Unix(0, rec.CreatedAt).UTC()}, nil
}

// ListConversations returns the newest conversations first; empty persona lists all
func (s *Store) ListConversations(ctx context.Context, persona string, limit int) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.listKeys(ConversationPrefix)
	if err != nil {
		return nil, err
	}
	var convs []models.Conversation
	for _, key := range keys {
		conv, err := s.getConversation(strings.TrimPrefix(key, ConversationPrefix))
		if err != nil {
			return nil, err
		}
		if persona == "" || conv.Persona == persona {
			convs = append(convs, *conv)
		}
	}
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID > convs[j].ID
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// nextID allocates the next store-wide turn id
func (s *Store) nextID() (int64, error) {
	var last int64
	data, err := s.kv.Get([]byte(sequenceKey))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound) || (err == nil && data == nil):
	case err != nil:
		return 0, fmt.Errorf("read turn sequence: %w", err)
	default:
		if last, err = strconv.ParseInt(string(data), 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt turn sequence %q: %w", data, err)
		}
	}
	next := last + 1
	if err := s.kv.Set([]byte(sequenceKey), []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, fmt.Errorf("write turn sequence: %w", err)
	}
	return next, nil
}

// AppendTurn stores one turn at the end of the conversation
func (s *Store) AppendTurn(ctx context.Context, conversationID string, role models.Role, content string, toolCall json.RawMessage) (*models.ConversationTurn, error) {
	if err := storage.CheckAppend(conversationID, role, toolCall); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getConversation(conversationID); err != nil {
		return nil, err
	}
	id, err := s.nextID()
	if err != nil {
		return nil, err
	}

	turn := &models.ConversationTurn{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if len(toolCall) > 0 {
		turn.ToolCall = append(json.RawMessage(nil), toolCall...)
	}
	rec := turnRecord{
		ID:             id,
		ConversationID: conversationID,
		Role:           string(role),
		Content:        content,
		ToolCall:       turn.ToolCall,
		CreatedAt:      turn.CreatedAt.UnixNano(),
	}
	if err := s.setJSON(TurnKey(conversationID, id, s.writer), rec); err != nil {
		return nil, fmt.Errorf("append turn: %w", err)
	}
	s.syncIfEnabled()
	return turn, nil
}

// ListTurns retrieves all turns of a conversation in replay order
func (s *Store) ListTurns(ctx context.Context, conversationID string) ([]models.ConversationTurn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.listKeys(TurnPrefix + conversationID + ":")
	if err != nil {
		return nil, err
	}
	turns := make([]models.ConversationTurn, 0, len(keys))
	for _, key := range keys {
		var rec turnRecord
		found, err := s.getJSON(key, &rec)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		role, err := models.ParseRole(rec.Role)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", rec.ID, err)
		}
		turns = append(turns, models.ConversationTurn{
			ID:             rec.ID,
			ConversationID: rec.ConversationID,
			Role:           role,
			Content:        rec.Content,
			ToolCall:       rec.ToolCall,
			CreatedAt:      time.Unix(0, rec.CreatedAt).UTC(),
		})
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Before(turns[j]) })
	return turns, nil
}

// Sync manually triggers a sync with the cloud
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Sync()
}

// Close closes the KV database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kv == nil {
		return nil
	}
	err := s.kv.Close()
	s.kv = nil
	return err
}

// AccountID returns the charm user ID for the local SSH keys
func AccountID() (string, error) {
	cc, err := client.NewClientWithDefaults()
	if err != nil {
		return "", fmt.Errorf("failed to create charm client: %w", err)
	}
	return cc.ID()
}

// AuthorizedKeys returns the SSH keys linked to the charm account
func AuthorizedKeys() (string, error) {
	cc, err := client.NewClientWithDefaults()
	if err != nil {
		return "", fmt.Errorf("failed to create charm client: %w", err)
	}
	return cc.AuthorizedKeys()
}
