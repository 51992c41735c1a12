// ABOUTME: Stored tool-call payloads and their normalization
// ABOUTME: Classifies current {calls: [...]} and legacy single-call shapes into a tagged variant
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedToolCall is returned when a stored payload matches no known shape
var ErrMalformedToolCall = errors.New("malformed tool call payload")

// ToolCallItem records one tool invocation and its outcome
type ToolCallItem struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// Result is nil when the call never completed
	Result     *string         `json:"result"`
	ResultJSON json.RawMessage `json:"result_json,omitempty"`
}

// NewToolCallItem builds a completed item, populating ResultJSON when result is a JSON document
func NewToolCallItem(name string, args map[string]any, result string) ToolCallItem {
	item := ToolCallItem{Name: name, Arguments: args, Result: &result}
	trimmed := bytes.TrimSpace([]byte(result))
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		item.ResultJSON = compactJSON(trimmed)
	}
	return item
}

// compactJSON returns the compacted document, or nil if data is not valid JSON
func compactJSON(data []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil
	}
	return json.RawMessage(buf.Bytes())
}

// HasResult reports whether the call completed with a result
func (i ToolCallItem) HasResult() bool {
	return i.Result != nil
}

// ResultText returns the result or an empty string
func (i ToolCallItem) ResultText() string {
	if i.Result == nil {
		return ""
	}
	return *i.Result
}

// ToolCallPayload is the normalized record of one assistant turn's tool invocations
type ToolCallPayload struct {
	Calls   []ToolCallItem `json:"calls"`
	TraceID string         `json:"trace_id,omitempty"`
}

// Marshal encodes the payload for storage
func (p ToolCallPayload) Marshal() (json.RawMessage, error) {
	if p.Calls == nil {
		p.Calls = []ToolCallItem{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal tool call payload: %w", err)
	}
	return data, nil
}

// PayloadShape tags the form a stored payload was found in
type PayloadShape int

const (
	ShapeNone PayloadShape = iota
	ShapeCalls
	ShapeLegacy
	ShapeMalformed
)

func (s PayloadShape) String() string {
	switch s {
	case ShapeNone:
		return "none"
	case ShapeCalls:
		return "calls"
	case ShapeLegacy:
		return "legacy"
	case ShapeMalformed:
		return "malformed"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// StoredToolCall is the decoded form of a raw tool_call column
type StoredToolCall struct {
	Shape PayloadShape
	// Payload holds the calls for ShapeCalls and the single wrapped call for ShapeLegacy
	Payload *ToolCallPayload
	// Err explains why the payload is ShapeMalformed
	Err error
}

// storedItem mirrors ToolCallItem but tolerates arguments encoded as a JSON string
type storedItem struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Result     *string         `json:"result"`
	ResultJSON json.RawMessage `json:"result_json,omitempty"`
}

func (s storedItem) toItem() (ToolCallItem, error) {
	if s.Name == "" {
		return ToolCallItem{}, errors.New("tool call without name")
	}
	args, err := decodeArguments(s.Arguments)
	if err != nil {
		return ToolCallItem{}, fmt.Errorf("tool %s: %w", s.Name, err)
	}
	item := ToolCallItem{
		Name:      s.Name,
		Arguments: args,
		Result:    s.Result,
	}
	if len(s.ResultJSON) > 0 && string(s.ResultJSON) != "null" {
		item.ResultJSON = compactJSON(s.ResultJSON)
	}
	return item, nil
}

// decodeArguments accepts an object, a JSON-encoded object string, or nothing
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	res := gjson.ParseBytes(raw)
	switch {
	case len(bytes.TrimSpace(raw)) == 0 || res.Type == gjson.Null:
		return map[string]any{}, nil
	case res.IsObject():
		var args map[string]any
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return args, nil
	case res.Type == gjson.String:
		inner := res.String()
		if inner == "" {
			return map[string]any{}, nil
		}
		if !gjson.Valid(inner) || !gjson.Parse(inner).IsObject() {
			return nil, errors.New("arguments string is not a JSON object")
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(inner), &args); err != nil {
			return nil, err
		}
		return args, nil
	}
	return nil, errors.New("arguments must be an object")
}

// ParseStoredToolCall classifies a raw payload without failing
func ParseStoredToolCall(raw json.RawMessage) StoredToolCall {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return StoredToolCall{Shape: ShapeNone}
	}
	if !gjson.ValidBytes(trimmed) {
		return malformed(errors.New("payload is not valid JSON"))
	}
	root := gjson.ParseBytes(trimmed)
	if !root.IsObject() {
		return malformed(errors.New("payload is not an object"))
	}

	if calls := root.Get("calls"); calls.Exists() {
		if !calls.IsArray() {
			return malformed(errors.New("calls is not a list"))
		}
		var wire struct {
			Calls   []storedItem `json:"calls"`
			TraceID string       `json:"trace_id"`
		}
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return malformed(err)
		}
		payload := &ToolCallPayload{Calls: make([]ToolCallItem, 0, len(wire.Calls)), TraceID: wire.TraceID}
		for _, si := range wire.Calls {
			item, err := si.toItem()
			if err != nil {
				return malformed(err)
			}
			payload.Calls = append(payload.Calls, item)
		}
		return StoredToolCall{Shape: ShapeCalls, Payload: payload}
	}

	if root.Get("name").Type == gjson.String {
		var si storedItem
		if err := json.Unmarshal(trimmed, &si); err != nil {
			return malformed(err)
		}
		item, err := si.toItem()
		if err != nil {
			return malformed(err)
		}
		return StoredToolCall{
			Shape:   ShapeLegacy,
			Payload: &ToolCallPayload{Calls: []ToolCallItem{item}, TraceID: root.Get("trace_id").String()},
		}
	}

	return malformed(errors.New("payload has neither calls nor name"))
}

func malformed(err error) StoredToolCall {
	return StoredToolCall{Shape: ShapeMalformed, Err: fmt.Errorf("%w: %v", ErrMalformedToolCall, err)}
}

// NormalizeToolCall returns the {calls: [...]} form of a stored payload.
// A nil payload with a nil error means no tool call was stored.
func NormalizeToolCall(raw json.RawMessage) (*ToolCallPayload, error) {
	stored := ParseStoredToolCall(raw)
	switch stored.Shape {
	case ShapeNone:
		return nil, nil
	case ShapeMalformed:
		return nil, stored.Err
	}
	return stored.Payload, nil
}
