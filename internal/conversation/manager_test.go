package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harper/marketplace-agent/internal/engine"
	"github.com/harper/marketplace-agent/internal/history"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/harper/marketplace-agent/internal/storage"
	"github.com/harper/marketplace-agent/internal/storage/sqlite"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	mu       sync.Mutex
	requests []engine.TurnRequest
	result   *models.TurnResult
	err      error
	delay    time.Duration
	active   atomic.Int32
	overlap  atomic.Bool
}

func (s *stubProcessor) ProcessTurn(ctx context.Context, req engine.TurnRequest) (*models.TurnResult, error) {
	if s.active.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.active.Add(-1)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	res := *s.result
	return &res, nil
}

func newStore(t *testing.T) storage.TurnStore {
	t.Helper()
	db, err := sqlite.OpenInMemory()
	require.NoError(t, err)
	store := sqlite.NewTurnStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestManager_StartValidatesPersona(t *testing.T) {
	m := NewManager(newStore(t), map[string]Processor{"buyer": &stubProcessor{}}, nil)

	conv, err := m.Start(context.Background(), " Buyer ")
	require.NoError(t, err)
	assert.Equal(t, "buyer", conv.Persona)

	_, err = m.Start(context.Background(), "admin")
	assert.ErrorIs(t, err, ErrUnknownPersona)
	assert.Equal(t, []string{"buyer"}, m.Personas())
}

func TestManager_SendStoresBothTurns(t *testing.T) {
	proc := &stubProcessor{result: &models.TurnResult{Content: "Hello!", State: models.StateSuccess}}
	m := NewManager(newStore(t), map[string]Processor{"buyer": proc}, nil)
	ctx := context.Background()

	conv, err := m.Start(ctx, "buyer")
	require.NoError(t, err)

	reply, err := m.Send(ctx, conv.ID, "hi", map[string]any{"buyer_id": "b-1", "conversation_id": "spoofed"})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", reply.Result.Content)
	assert.Empty(t, reply.TraceID)

	require.Len(t, proc.requests, 1)
	assert.Equal(t, "b-1", proc.requests[0].Context["buyer_id"])
	assert.Equal(t, conv.ID, proc.requests[0].Context["conversation_id"])

	_, turns, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, reply.UserTurnID, turns[0].ID)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.False(t, turns[1].HasToolCall())
}

func TestManager_SendPersistsToolCallsForReplay(t *testing.T) {
	item := models.NewToolCallItem("search_datasets", map[string]any{"query": "rain", "buyer_id": "b-1"}, `[{"id":"ds-1"}]`)
	proc := &stubProcessor{result: &models.TurnResult{
		Content:   "Found ds-1.",
		ToolCalls: []models.ToolCallItem{item},
		State:     models.StateSuccess,
	}}
	m := NewManager(newStore(t), map[string]Processor{"buyer": proc}, nil)
	ctx := context.Background()

	conv, err := m.Start(ctx, "buyer")
	require.NoError(t, err)
	reply, err := m.Send(ctx, conv.ID, "rain?", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.TraceID)

	_, turns, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	payload, err := models.NormalizeToolCall(turns[1].ToolCall)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, reply.TraceID, payload.TraceID)
	require.Len(t, payload.Calls, 1)
	assert.Equal(t, "search_datasets", payload.Calls[0].Name)

	rebuilt := history.Reconstruct(turns)
	require.Empty(t, rebuilt.Malformed)
	require.Len(t, rebuilt.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleAssistant, rebuilt.Messages[1].Role)
	assert.Equal(t, openai.ChatMessageRoleTool, rebuilt.Messages[2].Role)
	assert.Equal(t, rebuilt.Messages[1].ToolCalls[0].ID, rebuilt.Messages[2].ToolCallID)
	assert.Equal(t, `[{"id":"ds-1"}]`, rebuilt.Messages[2].Content)
}

func TestManager_CancelledTurnStoresNothing(t *testing.T) {
	proc := &stubProcessor{err: context.Canceled}
	m := NewManager(newStore(t), map[string]Processor{"vendor": proc}, nil)
	ctx := context.Background()

	conv, err := m.Start(ctx, "vendor")
	require.NoError(t, err)

	_, err = m.Send(ctx, conv.ID, "update price", nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, turns, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestManager_SendRejections(t *testing.T) {
	m := NewManager(newStore(t), map[string]Processor{"buyer": &stubProcessor{}}, nil)

	_, err := m.Send(context.Background(), "whatever", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = m.Send(context.Background(), "missing", "hi", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManager_SerializesPerConversation(t *testing.T) {
	proc := &stubProcessor{
		result: &models.TurnResult{Content: "ok", State: models.StateSuccess},
		delay:  20 * time.Millisecond,
	}
	m := NewManager(newStore(t), map[string]Processor{"buyer": proc}, nil)
	ctx := context.Background()

	conv, err := m.Start(ctx, "buyer")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Send(ctx, conv.ID, "hello", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, proc.overlap.Load(), "turns of one conversation must not overlap")

	_, turns, err := m.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 8)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, models.RoleUser, turns[i].Role, "user and assistant turns stay paired")
		assert.Equal(t, models.RoleAssistant, turns[i+1].Role)
	}
	assert.Equal(t, 0, m.locks.size())
}

func TestManager_DifferentConversationsRunConcurrently(t *testing.T) {
	proc := &stubProcessor{
		result: &models.TurnResult{Content: "ok", State: models.StateSuccess},
		delay:  50 * time.Millisecond,
	}
	m := NewManager(newStore(t), map[string]Processor{"buyer": proc}, nil)
	ctx := context.Background()

	a, err := m.Start(ctx, "buyer")
	require.NoError(t, err)
	b, err := m.Start(ctx, "buyer")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.Send(ctx, id, "hello", nil)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	assert.True(t, proc.overlap.Load(), "independent conversations may overlap")
}

func TestKeyedMutex_ContextCancelWhileWaiting(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, k.size())

	unlock, err = k.Lock(context.Background(), "c1")
	require.NoError(t, err)
	unlock()
}
