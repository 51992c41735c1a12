// ABOUTME: Tool registry backed by the tool-execution service's tools/list
// ABOUTME: Loads once per registry, filters persona exclusions, and caches the schemas
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	openai "github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrRegistryUnavailable means the tool listing could not be fetched or was malformed
var ErrRegistryUnavailable = errors.New("tool registry unavailable")

// DefaultLoadTimeout bounds one shared tools/list fetch
const DefaultLoadTimeout = 30 * time.Second

// maxListPages bounds tools/list pagination against a misbehaving server
const maxListPages = 50

// Lister is the tools/list half of an MCP client
type Lister interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
}

// Definition is one invocable tool
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Registry caches the tool set for the lifetime of its owner
type Registry struct {
	lister  Lister
	exclude map[string]bool
	logger  log.FieldLogger
	timeout time.Duration

	group singleflight.Group

	mu     sync.RWMutex
	loaded bool
	// gen advances on Invalidate so fetches started earlier are discarded
	gen  uint64
	defs []Definition
}

// NewRegistry creates a registry that hides the excluded tool names
func NewRegistry(lister Lister, exclude []string, logger log.FieldLogger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	ex := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		if name != "" {
			ex[name] = true
		}
	}
	return &Registry{lister: lister, exclude: ex, logger: logger, timeout: DefaultLoadTimeout}
}

// SetLoadTimeout bounds each shared fetch; a non-positive value restores DefaultLoadTimeout
func (r *Registry) SetLoadTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultLoadTimeout
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Load fetches the tool list unless it is already cached.
// Concurrent callers that find the registry unloaded share a single fetch.
// The fetch runs under its own timeout, detached from any one caller, so a
// caller that gives up does not fail the others; each caller stops waiting
// when its own ctx ends.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.RLock()
	loaded, gen, timeout := r.loaded, r.gen, r.timeout
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan("load:"+strconv.FormatUint(gen, 10), func() (any, error) {
		if r.Loaded() {
			return nil, nil
		}
		fctx, cancel := context.WithTimeout(fetchCtx, timeout)
		defer cancel()

		defs, err := r.fetch(fctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen != gen {
			return nil, fmt.Errorf("%w: invalidated during load", ErrRegistryUnavailable)
		}
		r.defs = defs
		r.loaded = true
		r.logger.WithField("count", len(defs)).Info("Loaded tool registry")
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRegistryUnavailable, ctx.Err())
	}
}

func (r *Registry) fetch(ctx context.Context) ([]Definition, error) {
	if r.lister == nil {
		return nil, fmt.Errorf("%w: no tool service configured", ErrRegistryUnavailable)
	}

	var defs []Definition
	req := mcp.ListToolsRequest{}
	for page := 0; page < maxListPages; page++ {
		res, err := r.lister.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
		}
		if res == nil {
			return nil, fmt.Errorf("%w: empty tools/list response", ErrRegistryUnavailable)
		}

		for _, tool := range res.Tools {
			if tool.Name == "" {
				return nil, fmt.Errorf("%w: tool without a name in listing", ErrRegistryUnavailable)
			}
			if r.exclude[tool.Name] {
				continue
			}
			params, err := schemaOf(tool)
			if err != nil {
				return nil, fmt.Errorf("%w: tool %s: %w", ErrRegistryUnavailable, tool.Name, err)
			}
			defs = append(defs, Definition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			})
		}

		if res.NextCursor == "" {
			return defs, nil
		}
		req.Params.Cursor = res.NextCursor
	}
	return nil, fmt.Errorf("%w: tools/list exceeded %d pages", ErrRegistryUnavailable, maxListPages)
}

// schemaOf returns the tool's input schema as JSON, preferring the raw schema when set
func schemaOf(tool mcp.Tool) (json.RawMessage, error) {
	if len(tool.RawInputSchema) > 0 {
		if !json.Valid(tool.RawInputSchema) {
			return nil, errors.New("invalid raw input schema")
		}
		return tool.RawInputSchema, nil
	}
	schema := tool.InputSchema
	if schema.Type == "" {
		schema.Type = "object"
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Loaded reports whether the tool list is cached
func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Definitions returns a copy of the cached tools, empty before Load succeeds
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Has reports whether name is a cached tool
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.defs {
		if d.Name == name {
			return true
		}
	}
	return false
}

// OpenAITools converts the cached tools to chat-completion tool schemas
func (r *Registry) OpenAITools() []openai.Tool {
	defs := r.Definitions()
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(defs))
	for i, d := range defs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}

// Invalidate drops the cache so the next Load refetches
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.loaded = false
	r.defs = nil
	r.gen++
	r.mu.Unlock()
}
