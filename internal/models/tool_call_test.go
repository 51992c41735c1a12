// ABOUTME: Tests for stored tool-call payload classification and normalization
// ABOUTME: Covers legacy single-call shapes, string-encoded arguments, and idempotency
package models

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParseStoredToolCall_Shapes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		shape PayloadShape
		calls int
	}{
		{"absent", "", ShapeNone, 0},
		{"null", "null", ShapeNone, 0},
		{"current shape", `{"calls":[{"name":"search_datasets","arguments":{"q":"weather"},"result":"3 hits"}]}`, ShapeCalls, 1},
		{"current shape empty", `{"calls":[]}`, ShapeCalls, 0},
		{"current shape with trace", `{"calls":[{"name":"a","arguments":{}},{"name":"b","arguments":{}}],"trace_id":"t-1"}`, ShapeCalls, 2},
		{"legacy", `{"name":"search","arguments":{"q":"x"},"result":"found 3"}`, ShapeLegacy, 1},
		{"legacy string arguments", `{"name":"search","arguments":"{\"q\":\"x\"}"}`, ShapeLegacy, 1},
		{"legacy without arguments", `{"name":"list_categories"}`, ShapeLegacy, 1},
		{"not json", `{"calls":`, ShapeMalformed, 0},
		{"not an object", `["search"]`, ShapeMalformed, 0},
		{"calls not a list", `{"calls":{"name":"x"}}`, ShapeMalformed, 0},
		{"call without name", `{"calls":[{"arguments":{}}]}`, ShapeMalformed, 0},
		{"unknown object", `{"tool":"search"}`, ShapeMalformed, 0},
		{"arguments not object", `{"name":"search","arguments":[1,2]}`, ShapeMalformed, 0},
		{"arguments string not object", `{"name":"search","arguments":"nope"}`, ShapeMalformed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStoredToolCall(json.RawMessage(tt.raw))
			if got.Shape != tt.shape {
				t.Fatalf("Shape = %s, want %s (err=%v)", got.Shape, tt.shape, got.Err)
			}
			if tt.shape == ShapeMalformed {
				if !errors.Is(got.Err, ErrMalformedToolCall) {
					t.Errorf("Err = %v, want ErrMalformedToolCall", got.Err)
				}
				return
			}
			if tt.shape == ShapeNone {
				if got.Payload != nil {
					t.Error("Payload should be nil for absent tool call")
				}
				return
			}
			if len(got.Payload.Calls) != tt.calls {
				t.Errorf("len(Calls) = %d, want %d", len(got.Payload.Calls), tt.calls)
			}
		})
	}
}

func TestNormalizeToolCall_Legacy(t *testing.T) {
	raw := json.RawMessage(`{"name": "search", "arguments": {"q": "x"}, "result": "found 3"}`)

	payload, err := NormalizeToolCall(raw)
	if err != nil {
		t.Fatalf("NormalizeToolCall() error = %v", err)
	}
	if len(payload.Calls) != 1 {
		t.Fatalf("len(Calls) = %d, want 1", len(payload.Calls))
	}
	call := payload.Calls[0]
	if call.Name != "search" {
		t.Errorf("Name = %q, want search", call.Name)
	}
	if call.Arguments["q"] != "x" {
		t.Errorf("Arguments[q] = %v, want x", call.Arguments["q"])
	}
	if call.ResultText() != "found 3" {
		t.Errorf("Result = %q, want found 3", call.ResultText())
	}
}

func TestNormalizeToolCall_StringArguments(t *testing.T) {
	payload, err := NormalizeToolCall(json.RawMessage(`{"calls":[{"name":"get_dataset","arguments":"{\"dataset_id\":42}"}]}`))
	if err != nil {
		t.Fatalf("NormalizeToolCall() error = %v", err)
	}
	if got := payload.Calls[0].Arguments["dataset_id"]; got != float64(42) {
		t.Errorf("dataset_id = %v, want 42", got)
	}
	if payload.Calls[0].HasResult() {
		t.Error("call without result should report HasResult() == false")
	}
}

func TestNormalizeToolCall_Idempotent(t *testing.T) {
	inputs := []string{
		`{"name":"search","arguments":{"q":"x"},"result":"found 3"}`,
		`{"calls":[{"name":"a","arguments":{"n":1,"nested":{"k":[1,2]}},"result":"{\"ok\": true}","result_json":{"ok": true}},{"name":"b","arguments":"{}"}],"trace_id":"abc"}`,
		`{"calls":[]}`,
		`{"name":"pending"}`,
	}

	for _, in := range inputs {
		first, err := NormalizeToolCall(json.RawMessage(in))
		if err != nil {
			t.Fatalf("NormalizeToolCall(%s) error = %v", in, err)
		}
		encoded, err := first.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		second, err := NormalizeToolCall(encoded)
		if err != nil {
			t.Fatalf("second NormalizeToolCall(%s) error = %v", encoded, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("normalize not idempotent for %s:\nfirst  = %+v\nsecond = %+v", in, first, second)
		}
		if ParseStoredToolCall(encoded).Shape != ShapeCalls {
			t.Errorf("normalized payload %s should be in calls shape", encoded)
		}
	}
}

func TestNormalizeToolCall_Absent(t *testing.T) {
	payload, err := NormalizeToolCall(nil)
	if err != nil || payload != nil {
		t.Errorf("NormalizeToolCall(nil) = %v, %v; want nil, nil", payload, err)
	}
}

func TestNewToolCallItem_ResultJSON(t *testing.T) {
	item := NewToolCallItem("get_dataset", map[string]any{"id": 1}, `{"id": 1, "title": "Rainfall"}`)
	if string(item.ResultJSON) != `{"id":1,"title":"Rainfall"}` {
		t.Errorf("ResultJSON = %s, want compacted document", item.ResultJSON)
	}

	plain := NewToolCallItem("search", nil, "Found 3 datasets")
	if plain.ResultJSON != nil {
		t.Errorf("ResultJSON = %s, want nil for plain text", plain.ResultJSON)
	}

	broken := NewToolCallItem("search", nil, "{not json")
	if broken.ResultJSON != nil {
		t.Errorf("ResultJSON = %s, want nil for invalid JSON", broken.ResultJSON)
	}
}

func TestToolCallPayload_MarshalNilCalls(t *testing.T) {
	data, err := ToolCallPayload{}.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if ParseStoredToolCall(data).Shape != ShapeCalls {
		t.Errorf("empty payload %s should still parse as calls shape", data)
	}
}

func TestTurnResult_Payload(t *testing.T) {
	if (TurnResult{Content: "hi"}).Payload("") != nil {
		t.Error("Payload() should be nil without tool calls")
	}
	r := TurnResult{ToolCalls: []ToolCallItem{NewToolCallItem("a", nil, "ok")}}
	p := r.Payload("trace")
	if p == nil || len(p.Calls) != 1 || p.TraceID != "trace" {
		t.Errorf("Payload() = %+v, want one call with trace id", p)
	}
}
