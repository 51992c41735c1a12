// ABOUTME: History command lists conversations or prints one conversation's turns
// ABOUTME: Reads the Message Store directly; no LLM or tool service is needed
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/harper/marketplace-agent/internal/models"
	"github.com/spf13/cobra"
)

// historyReader is the read side of the conversation manager
type historyReader interface {
	History(ctx context.Context, conversationID string) (*models.Conversation, []models.ConversationTurn, error)
	List(ctx context.Context, persona string, limit int) ([]models.Conversation, error)
}

// NewHistoryCmd creates the history command
func NewHistoryCmd() *cobra.Command {
	var (
		persona string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List conversations or show one conversation",
		Long: `Without arguments, list recent conversations, newest first.
With a conversation id, print its turns in order, including the tool
calls each assistant turn made.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validatePositiveInt(limit, "limit"); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return showConversation(cmd.Context(), out, rt.manager, args[0])
			}
			return listConversations(cmd.Context(), out, rt.manager, persona, limit)
		},
	}

	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Only list this persona's conversations")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum conversations to list")

	return cmd
}

func listConversations(ctx context.Context, out io.Writer, r historyReader, persona string, limit int) error {
	convs, err := r.List(ctx, strings.ToLower(persona), limit)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	if jsonOutput() {
		return printJSON(out, convs)
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations yet")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPERSONA\tSTARTED")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Persona, formatTime(c.CreatedAt))
	}
	return w.Flush()
}

func showConversation(ctx context.Context, out io.Writer, r historyReader, id string) error {
	conv, turns, err := r.History(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if jsonOutput() {
		return printJSON(out, map[string]any{"conversation": conv, "turns": turns})
	}

	fmt.Fprintf(out, "Conversation %s (%s), started %s\n\n", conv.ID, conv.Persona, formatTime(conv.CreatedAt))
	for _, turn := range turns {
		fmt.Fprintf(out, "%s: %s\n", turn.Role, turn.Content)
		if !turn.HasToolCall() {
			continue
		}
		payload, err := models.NormalizeToolCall(turn.ToolCall)
		if err != nil {
			fmt.Fprintf(out, "  (unreadable tool call record: %v)\n", err)
			continue
		}
		for _, call := range payload.Calls {
			fmt.Fprintf(out, "  [%s] %s\n", call.Name, truncate(formatArgs(call.Arguments), 70))
		}
	}
	return nil
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}
