// ABOUTME: Chat command runs an interactive buyer or vendor session in the terminal
// ABOUTME: Each line is one turn; Ctrl-C during a turn cancels only that turn
package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/harper/marketplace-agent/internal/conversation"
	"github.com/harper/marketplace-agent/internal/engine"
	"github.com/harper/marketplace-agent/internal/models"
	"github.com/spf13/cobra"
)

// sender is the part of the conversation manager the REPL drives
type sender interface {
	Start(ctx context.Context, persona string) (*models.Conversation, error)
	Send(ctx context.Context, conversationID, text string, callCtx map[string]any) (*conversation.Reply, error)
}

type chatOptions struct {
	persona        string
	conversationID string
	callCtx        map[string]any
	json           bool
	showTools      bool
	// turnContext derives the context for one turn; nil means cancel-only
	turnContext func(ctx context.Context) (context.Context, context.CancelFunc)
}

// NewChatCmd creates the chat command
func NewChatCmd() *cobra.Command {
	var (
		persona        string
		conversationID string
		buyerID        string
		vendorID       string
		contextPairs   []string
		metricsAddr    string
		jsonFlag       bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the buyer or vendor agent",
		Long: `Start an interactive chat with a marketplace agent.

Every line you type is one turn. The agent may call marketplace tools
before answering; the calls and their results are stored with the reply
so later turns can build on them. Type "exit" or press Ctrl-D to leave.`,
		Example: `  # Start a new buyer conversation
  marketplace chat --persona buyer --buyer-id b-42

  # Continue an existing vendor conversation
  marketplace chat --persona vendor --vendor-id v-7 --conversation 3f0c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := engine.PersonaByName(persona)
			if err != nil {
				return err
			}
			callCtx, err := parseContext(contextPairs)
			if err != nil {
				return err
			}
			if buyerID != "" {
				callCtx["buyer_id"] = buyerID
			}
			if vendorID != "" {
				callCtx["vendor_id"] = vendorID
			}
			if missing := p.MissingContext(withConversationID(callCtx)); len(missing) > 0 && !quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "Note: no %s set; tools that need it will ask for it\n", strings.Join(missing, ", "))
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			rt, err := newRuntime(cfg, runtimeOptions{requireLLM: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				if err := rt.serveMetrics(ctx, cfg.MetricsAddr); err != nil {
					rt.logger.WithError(err).Warn("Metrics server stopped")
				}
			}()
			if err := rt.warmRegistries(ctx); err != nil {
				return err
			}

			return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), rt.manager, chatOptions{
				persona:        p.Name,
				conversationID: conversationID,
				callCtx:        callCtx,
				json:           jsonFlag || jsonOutput(),
				showTools:      !quiet,
				turnContext: func(ctx context.Context) (context.Context, context.CancelFunc) {
					return signal.NotifyContext(ctx, os.Interrupt)
				},
			})
		},
	}

	cmd.Flags().StringVarP(&persona, "persona", "p", engine.BuyerPersona, "Agent persona (buyer or vendor)")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Continue an existing conversation")
	cmd.Flags().StringVar(&buyerID, "buyer-id", "", "Buyer id injected into tool calls")
	cmd.Flags().StringVar(&vendorID, "vendor-id", "", "Vendor id injected into tool calls")
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil, "Extra key=value injected into tool calls (repeatable)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Print each reply as JSON")

	return cmd
}

// withConversationID marks conversation_id as present; the manager injects it
func withConversationID(callCtx map[string]any) map[string]any {
	out := make(map[string]any, len(callCtx)+1)
	for k, v := range callCtx {
		out[k] = v
	}
	out["conversation_id"] = "pending"
	return out
}

// chatLoop reads lines from in and prints replies to out until EOF or exit
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, s sender, opts chatOptions) error {
	convID := opts.conversationID
	if convID == "" {
		conv, err := s.Start(ctx, opts.persona)
		if err != nil {
			return fmt.Errorf("failed to start conversation: %w", err)
		}
		convID = conv.ID
	}
	if !opts.json {
		fmt.Fprintf(out, "Conversation %s (%s)\n", convID, opts.persona)
	}

	turnContext := opts.turnContext
	if turnContext == nil {
		turnContext = context.WithCancel
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if !opts.json {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		turnCtx, stop := turnContext(ctx)
		reply, err := s.Send(turnCtx, convID, line, opts.callCtx)
		stop()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			fmt.Fprintln(out, "(turn cancelled; nothing was saved)")
			continue
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("turn failed: %w", err)
		}

		if opts.json {
			if err := printJSON(out, reply); err != nil {
				return err
			}
			continue
		}
		printReply(out, reply, opts.showTools)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func printReply(out io.Writer, reply *conversation.Reply, showTools bool) {
	res := reply.Result
	if showTools {
		for _, call := range res.ToolCalls {
			result := ""
			if call.Result != nil {
				result = *call.Result
			}
			fmt.Fprintf(out, "  [%s] %s\n", call.Name, truncate(strings.ReplaceAll(result, "\n", " "), 80))
		}
		if res.Degraded {
			fmt.Fprintln(out, "  (tools unavailable for this turn)")
		}
	}
	fmt.Fprintln(out, res.Content)
}
