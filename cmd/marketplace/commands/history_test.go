// ABOUTME: Tests for history listing and conversation display
// ABOUTME: Uses a fake reader so output formatting is checked without a store

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/harper/marketplace-agent/internal/models"
	"github.com/harper/marketplace-agent/internal/storage"
)

type fakeHistory struct {
	convs      []models.Conversation
	turns      []models.ConversationTurn
	gotPersona string
	gotLimit   int
}

func (f *fakeHistory) History(ctx context.Context, id string) (*models.Conversation, []models.ConversationTurn, error) {
	for i := range f.convs {
		if f.convs[i].ID == id {
			return &f.convs[i], f.turns, nil
		}
	}
	return nil, nil, storage.ErrNotFound
}

func (f *fakeHistory) List(ctx context.Context, persona string, limit int) ([]models.Conversation, error) {
	f.gotPersona = persona
	f.gotLimit = limit
	return f.convs, nil
}

func newFakeHistory() *fakeHistory {
	started := time.Now().Add(-2 * time.Hour)
	stored := `{"calls":[{"name":"get_dataset","arguments":{"dataset_id":"ds-9"},"result":"ok"}],"trace_id":"t-1"}`
	return &fakeHistory{
		convs: []models.Conversation{
			{ID: "conv-a", Persona: "buyer", CreatedAt: started},
			{ID: "conv-b", Persona: "vendor", CreatedAt: started.Add(-time.Hour)},
		},
		turns: []models.ConversationTurn{
			{ID: 1, ConversationID: "conv-a", Role: models.RoleUser, Content: "show ds-9"},
			{ID: 2, ConversationID: "conv-a", Role: models.RoleAssistant, Content: "Here it is.", ToolCall: json.RawMessage(stored)},
			{ID: 3, ConversationID: "conv-a", Role: models.RoleAssistant, Content: "odd", ToolCall: json.RawMessage(`42`)},
		},
	}
}

func TestListConversations_Table(t *testing.T) {
	outputFormat = "auto"
	f := newFakeHistory()
	var out bytes.Buffer

	if err := listConversations(context.Background(), &out, f, "Buyer", 5); err != nil {
		t.Fatalf("listConversations() error = %v", err)
	}
	if f.gotPersona != "buyer" || f.gotLimit != 5 {
		t.Errorf("List called with (%q, %d)", f.gotPersona, f.gotLimit)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got:\n%s", out.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "conv-a") || !strings.Contains(lines[1], "2h ago") {
		t.Errorf("unexpected table:\n%s", out.String())
	}
}

func TestListConversations_Empty(t *testing.T) {
	outputFormat = "auto"
	var out bytes.Buffer
	if err := listConversations(context.Background(), &out, &fakeHistory{}, "", 5); err != nil {
		t.Fatalf("listConversations() error = %v", err)
	}
	if !strings.Contains(out.String(), "No conversations yet") {
		t.Errorf("got %q", out.String())
	}
}

func TestShowConversation(t *testing.T) {
	outputFormat = "auto"
	var out bytes.Buffer

	if err := showConversation(context.Background(), &out, newFakeHistory(), "conv-a"); err != nil {
		t.Fatalf("showConversation() error = %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"Conversation conv-a (buyer)",
		"user: show ds-9",
		"assistant: Here it is.",
		`[get_dataset] {"dataset_id":"ds-9"}`,
		"unreadable tool call record",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output should contain %q, got:\n%s", want, text)
		}
	}
}

func TestShowConversation_NotFound(t *testing.T) {
	err := showConversation(context.Background(), &bytes.Buffer{}, newFakeHistory(), "missing")
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected not-found error naming the id, got %v", err)
	}
}
