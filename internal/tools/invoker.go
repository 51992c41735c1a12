// ABOUTME: Tool invoker executing one tools/call against the tool-execution service
// ABOUTME: Always returns text; failures become "Error: ..." results instead of errors
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single tool call
const DefaultTimeout = 60 * time.Second

// Caller is the tools/call half of an MCP client
type Caller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Result is the outcome of one invocation. Text is always safe to hand to the model.
type Result struct {
	Text string
	Err  *ExecutionError
}

// Failed reports whether the call did not succeed
func (r Result) Failed() bool {
	return r.Err != nil
}

// Invoker runs tool calls one at a time on behalf of the engine
type Invoker struct {
	caller  Caller
	timeout time.Duration
	logger  log.FieldLogger
}

// NewInvoker creates an invoker; a non-positive timeout selects DefaultTimeout
func NewInvoker(caller Caller, timeout time.Duration, logger log.FieldLogger) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Invoker{caller: caller, timeout: timeout, logger: logger}
}

// Invoke executes name with args. A call that has been dispatched runs to
// completion or timeout even if ctx is cancelled; the caller decides whether
// to keep the result.
func (i *Invoker) Invoke(ctx context.Context, name string, args map[string]any) Result {
	logger := i.logger.WithField("tool", name)
	start := time.Now()

	text, err := i.call(ctx, name, args)
	if err != nil {
		logger.WithError(err).WithField("duration", time.Since(start)).Warn("Tool call failed")
		return Result{Text: err.Message(), Err: err}
	}

	logger.WithField("duration", time.Since(start)).Debug("Tool call completed")
	return Result{Text: text}
}

func (i *Invoker) call(ctx context.Context, name string, args map[string]any) (text string, execErr *ExecutionError) {
	if i.caller == nil {
		return "", &ExecutionError{Tool: name, Kind: KindTransport, Err: errors.New("no tool service configured")}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			text = ""
			execErr = &ExecutionError{Tool: name, Kind: KindTransport, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := i.caller.CallTool(callCtx, req)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return "", &ExecutionError{Tool: name, Kind: kind, Err: err}
	}
	if res == nil {
		return "", &ExecutionError{Tool: name, Kind: KindTransport, Err: errors.New("empty tools/call response")}
	}

	text = TextContent(res.Content)
	if res.IsError {
		detail := text
		if detail == "" {
			detail = "no details returned"
		}
		return "", &ExecutionError{Tool: name, Kind: KindRemote, Err: errors.New(detail)}
	}
	return text, nil
}

// TextContent joins the text blocks of a tools/call result in order, skipping other block types
func TextContent(blocks []mcp.Content) string {
	var parts []string
	for _, block := range blocks {
		switch c := block.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			if c != nil {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
