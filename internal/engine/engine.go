// ABOUTME: Conversation engine driving one request/response cycle with a tool-calling LLM
// ABOUTME: Rebuilds history, calls the model, runs requested tools in order, and asks for a final answer
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harper/marketplace-agent/internal/history"
	"github.com/harper/marketplace-agent/internal/llm"
	"github.com/harper/marketplace-agent/internal/metrics"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/harper/marketplace-agent/internal/tools"
	openai "github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

// User-facing texts for the terminal failure states
const (
	ApologyText        = "I'm sorry, I ran into a problem while working on your request. Please try again in a moment."
	PartialApologyText = "I'm sorry, I completed the requested actions but couldn't put together a reply. Please try again, and I'll pick up from there."
	EmptyAnswerText    = "I'm sorry, I wasn't able to come up with an answer to that."
)

const (
	// DefaultLLMTimeout bounds each chat completion
	DefaultLLMTimeout = 90 * time.Second
	// DefaultToolLoadTimeout bounds the wait for the tool registry at the start of a turn
	DefaultToolLoadTimeout = 30 * time.Second
)

// HistorySource lists stored turns in ascending order
type HistorySource interface {
	ListTurns(ctx context.Context, conversationID string) ([]models.ConversationTurn, error)
}

// ToolSource provides tool schemas, loading them on first use
type ToolSource interface {
	Load(ctx context.Context) error
	OpenAITools() []openai.Tool
}

// ToolRunner executes one tool call and always returns text
type ToolRunner interface {
	Invoke(ctx context.Context, name string, args map[string]any) tools.Result
}

// Config wires an engine instance
type Config struct {
	Persona    Persona
	History    HistorySource
	Tools      ToolSource
	Invoker    ToolRunner
	LLM        llm.ChatClient
	LLMTimeout time.Duration
	// ToolLoadTimeout bounds registry loading; on expiry the turn runs without tools
	ToolLoadTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          log.FieldLogger
}

// Engine is one persona's orchestration engine. It holds no per-conversation
// state; callers serialize requests for the same conversation.
type Engine struct {
	persona    Persona
	history    HistorySource
	tools      ToolSource
	invoker    ToolRunner
	llm        llm.ChatClient
	llmTimeout time.Duration
	loadTime   time.Duration
	metrics    *metrics.Metrics
	logger     log.FieldLogger
}

// New validates cfg and builds an engine
func New(cfg Config) (*Engine, error) {
	if cfg.LLM == nil {
		return nil, errors.New("engine requires an LLM client")
	}
	if cfg.History == nil {
		return nil, errors.New("engine requires a history source")
	}
	if cfg.Persona.Name == "" {
		return nil, errors.New("engine requires a persona")
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.ToolLoadTimeout <= 0 {
		cfg.ToolLoadTimeout = DefaultToolLoadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	return &Engine{
		persona:    cfg.Persona,
		history:    cfg.History,
		tools:      cfg.Tools,
		invoker:    cfg.Invoker,
		llm:        cfg.LLM,
		llmTimeout: cfg.LLMTimeout,
		loadTime:   cfg.ToolLoadTimeout,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.WithField("persona", cfg.Persona.Name),
	}, nil
}

// Persona returns the engine's persona
func (e *Engine) Persona() Persona {
	return e.persona
}

// TurnRequest is one incoming user message
type TurnRequest struct {
	ConversationID string
	Text           string
	// Context fields are merged into every tool call's arguments, overriding the model
	Context map[string]any
}

// ProcessTurn runs one request through the engine. The result is always
// usable text; the returned error is non-nil only when ctx ended before the
// turn finished, in which case the caller should discard the turn.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (*models.TurnResult, error) {
	logger := e.logger.WithField("conversation_id", req.ConversationID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if missing := e.persona.MissingContext(req.Context); len(missing) > 0 {
		logger.WithField("missing", missing).Warn("Tool context is missing identity fields")
	}

	turns, err := e.history.ListTurns(ctx, req.ConversationID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).Error("Failed to load conversation history")
		return e.finish(&models.TurnResult{Content: ApologyText, State: models.StateError}), nil
	}
	if err := history.CheckOrder(turns); err != nil {
		logger.WithError(err).Warn("Conversation history is out of order; replaying as stored")
	}

	rebuilt := history.Reconstruct(turns)
	for _, m := range rebuilt.Malformed {
		logger.WithError(m.Err).WithField("turn_id", m.TurnID).Warn("Ignoring malformed tool call payload")
	}

	schemas, degraded := e.loadTools(ctx, logger)

	messages := append(rebuilt.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Text,
	})

	first, err := e.chat(ctx, "first", llm.ChatRequest{
		SystemPrompt: e.persona.SystemPrompt,
		Messages:     messages,
		Tools:        schemas,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).Error("First LLM call failed")
		return e.finish(&models.TurnResult{Content: ApologyText, State: models.StateError, Degraded: degraded}), nil
	}

	if len(first.ToolCalls) == 0 {
		return e.finish(&models.TurnResult{
			Content:  answerOrFallback(first.Content),
			State:    models.StateSuccess,
			Degraded: degraded,
		}), nil
	}

	executed, followUp, err := e.executeTools(ctx, logger, first, req.Context)
	if err != nil {
		return nil, err
	}
	messages = append(messages, followUp...)

	second, err := e.chat(ctx, "second", llm.ChatRequest{
		SystemPrompt: e.persona.SystemPrompt,
		Messages:     messages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).WithField("tool_calls", len(executed)).Error("Second LLM call failed after tool execution")
		return e.finish(&models.TurnResult{
			Content:   PartialApologyText,
			ToolCalls: executed,
			State:     models.StatePartial,
			Degraded:  degraded,
		}), nil
	}

	return e.finish(&models.TurnResult{
		Content:   answerOrFallback(second.Content),
		ToolCalls: executed,
		State:     models.StateSuccess,
		Degraded:  degraded,
	}), nil
}

// loadTools returns the tool schemas, or nil and degraded=true when the registry is unavailable
func (e *Engine) loadTools(ctx context.Context, logger log.FieldLogger) ([]openai.Tool, bool) {
	if e.tools == nil {
		return nil, false
	}
	loadCtx, cancel := context.WithTimeout(ctx, e.loadTime)
	defer cancel()
	if err := e.tools.Load(loadCtx); err != nil {
		e.metrics.ObserveRegistryLoad(e.persona.Name, false)
		logger.WithError(err).Warn("Tool registry unavailable; answering without tools")
		return nil, true
	}
	e.metrics.ObserveRegistryLoad(e.persona.Name, true)
	return e.tools.OpenAITools(), false
}

// executeTools runs the requested calls sequentially in model order and
// returns the executed items plus the assistant and tool messages to append
func (e *Engine) executeTools(ctx context.Context, logger log.FieldLogger, first *llm.ChatResponse, callCtx map[string]any) ([]models.ToolCallItem, []openai.ChatCompletionMessage, error) {
	executed := make([]models.ToolCallItem, 0, len(first.ToolCalls))
	assistant := openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   first.Content,
		ToolCalls: make([]openai.ToolCall, 0, len(first.ToolCalls)),
	}
	results := make([]openai.ChatCompletionMessage, 0, len(first.ToolCalls))

	for i, call := range first.ToolCalls {
		if err := ctx.Err(); err != nil {
			logger.WithField("remaining", len(first.ToolCalls)-i).Warn("Request abandoned during tool execution")
			return nil, nil, err
		}

		name := call.Function.Name
		args, err := ParseArguments(call.Function.Arguments)
		if err != nil {
			logger.WithError(err).WithField("tool", name).Warn("Model sent unparseable tool arguments; using empty arguments")
		}
		args = InjectContext(args, callCtx)

		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_pending_%d", i)
		}

		var res tools.Result
		if e.invoker == nil {
			res = tools.Result{Text: fmt.Sprintf("Error: tool %s could not be executed: no tool service configured", name)}
		} else {
			res = e.invoker.Invoke(ctx, name, args)
		}
		e.metrics.ObserveToolCall(name, !res.Failed())

		executed = append(executed, models.NewToolCallItem(name, args, res.Text))
		assistant.ToolCalls = append(assistant.ToolCalls, history.Descriptor(id, name, args))
		results = append(results, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    res.Text,
			ToolCallID: id,
		})
	}

	if err := ctx.Err(); err != nil {
		logger.Warn("Request abandoned after tool execution; discarding results")
		return nil, nil, err
	}

	return executed, append([]openai.ChatCompletionMessage{assistant}, results...), nil
}

func (e *Engine) chat(ctx context.Context, stage string, req llm.ChatRequest) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.llm.Chat(callCtx, req)
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", llm.ErrCallFailed)
	}
	e.metrics.ObserveLLM(stage, time.Since(start), err == nil)
	return resp, err
}

func (e *Engine) finish(res *models.TurnResult) *models.TurnResult {
	e.metrics.ObserveTurn(e.persona.Name, string(res.State))
	return res
}

// ParseArguments decodes the model's JSON argument string. Anything that is
// not a JSON object yields an empty map and an error describing why.
func ParseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, fmt.Errorf("decode tool arguments: %w", err)
	}
	if args == nil {
		return map[string]any{}, nil
	}
	return args, nil
}

// InjectContext copies args and writes every context field last, so the
// caller's values always win over same-named values from the model
func InjectContext(args map[string]any, callCtx map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+len(callCtx))
	for k, v := range args {
		merged[k] = v
	}
	for k, v := range callCtx {
		merged[k] = v
	}
	return merged
}

func answerOrFallback(content string) string {
	if strings.TrimSpace(content) == "" {
		return EmptyAnswerText
	}
	return content
}
