// ABOUTME: OpenAI chat-completion client for the conversation engine
// ABOUTME: Sends system prompt, history, and tool schemas; retries transient failures with backoff
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harper/marketplace-agent/internal/util"
	openai "github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultChatModel is the default model for chat completions
	DefaultChatModel = "gpt-4o-mini"
	// DefaultTemperature keeps answers grounded in tool output
	DefaultTemperature = 0.2
)

// ErrCallFailed wraps every chat-completion failure returned by the client
var ErrCallFailed = errors.New("llm call failed")

// ChatRequest is one chat-completion call
type ChatRequest struct {
	SystemPrompt string
	Messages     []openai.ChatCompletionMessage
	// Tools is optional; nil means the model cannot call tools on this request
	Tools []openai.Tool
}

// ChatResponse is either plain text or a set of requested tool calls plus optional partial text
type ChatResponse struct {
	Content      string
	ToolCalls    []openai.ToolCall
	FinishReason string
}

// ChatClient is the LLM collaborator consumed by the engine
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ClientConfig holds configuration for the OpenAI client
type ClientConfig struct {
	APIKey      string
	BaseURL     string
	ChatModel   string
	Temperature float32
	MaxRetries  int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

// DefaultConfig returns the default client configuration
func DefaultConfig(apiKey string) *ClientConfig {
	return &ClientConfig{
		APIKey:      apiKey,
		ChatModel:   DefaultChatModel,
		Temperature: DefaultTemperature,
		MaxRetries:  3,
		RetryDelay:  time.Second * 2,
	}
}

// completer is the slice of *openai.Client the client needs
type completer interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient wraps the OpenAI API client with retry logic
type OpenAIClient struct {
	client      completer
	chatModel   string
	temperature float32
	maxRetries  int
	retryDelay  time.Duration
}

// NewOpenAIClient creates a new OpenAI client with the given API key using default configuration
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	return NewOpenAIClientWithConfig(DefaultConfig(apiKey))
}

// NewOpenAIClientWithConfig creates a new OpenAI client with custom configuration
func NewOpenAIClientWithConfig(config *ClientConfig) (*OpenAIClient, error) {
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	oc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		oc.BaseURL = config.BaseURL
	}
	if config.HTTPClient != nil {
		oc.HTTPClient = config.HTTPClient
	}

	model := config.ChatModel
	if model == "" {
		model = DefaultChatModel
	}

	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		chatModel:   model,
		temperature: config.Temperature,
		maxRetries:  config.MaxRetries,
		retryDelay:  config.RetryDelay,
	}, nil
}

// Model returns the configured chat model
func (c *OpenAIClient) Model() string {
	return c.chatModel
}

// Chat performs one chat completion, retrying transient failures
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, req.Messages...)

	request := openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: c.temperature,
	}
	if len(req.Tools) > 0 {
		request.Tools = req.Tools
	}

	var out *ChatResponse
	policy := util.Policy{
		MaxRetries: c.maxRetries,
		BaseDelay:  c.retryDelay,
		Retryable:  isRetryable,
	}
	err := util.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		resp, err := c.client.CreateChatCompletion(ctx, request)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt+1).Debug("Chat completion attempt failed")
			return err
		}
		if len(resp.Choices) == 0 {
			return errNoChoices
		}
		choice := resp.Choices[0]
		out = &ChatResponse{
			Content:      choice.Message.Content,
			ToolCalls:    choice.Message.ToolCalls,
			FinishReason: string(choice.FinishReason),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCallFailed, err)
	}
	return out, nil
}

var errNoChoices = errors.New("no completion choices returned")

// isRetryable retries rate limits, server errors, and transport failures but not client errors
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}
