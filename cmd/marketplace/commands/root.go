// ABOUTME: Root CLI command and global flags
// ABOUTME: Wires every subcommand and the verbose/quiet/format switches
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	verbose      bool
	quiet        bool
	outputFormat string
)

const banner = `
███╗   ███╗ █████╗ ██████╗ ██╗  ██╗███████╗████████╗
████╗ ████║██╔══██╗██╔══██╗██║ ██╔╝██╔════╝╚══██╔══╝
██╔████╔██║███████║██████╔╝█████╔╝ █████╗     ██║
██║╚██╔╝██║██╔══██║██╔══██╗██╔═██╗ ██╔══╝     ██║
██║ ╚═╝ ██║██║  ██║██║  ██║██║  ██╗███████╗   ██║
╚═╝     ╚═╝╚═╝  ╚═╝╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝   ╚═╝`

// NewRootCmd creates the root command with all subcommands
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marketplace",
		Short: "Buyer and vendor agents for the dataset marketplace",
		Long: banner + `

Conversational agents for a dataset marketplace. The buyer concierge
helps buyers discover and purchase datasets; the vendor assistant helps
vendors manage listings. Both call marketplace tools over MCP and keep
every conversation, tool calls included, in the Message Store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch outputFormat {
			case "auto", "text", "json":
				return nil
			}
			return fmt.Errorf("--format must be auto, text, or json, got %q", outputFormat)
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log warnings and errors")
	cmd.PersistentFlags().StringVar(&outputFormat, "format", "auto", "Output format (auto, text, json)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(NewChatCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewToolsCmd())
	cmd.AddCommand(NewMCPCmd())
	cmd.AddCommand(NewSyncCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// jsonOutput reports whether commands should print JSON
func jsonOutput() bool {
	return outputFormat == "json"
}
