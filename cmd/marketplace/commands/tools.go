// ABOUTME: Tools command shows which marketplace tools each persona can call
// ABOUTME: Loads the registries from the tool service with persona exclusions applied
package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/harper/marketplace-agent/internal/engine"
	"github.com/harper/marketplace-agent/internal/tools"
	"github.com/spf13/cobra"
)

// NewToolsCmd creates the tools command
func NewToolsCmd() *cobra.Command {
	var persona string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools available to each persona",
		Long: `Connect to the tool-execution service and list the tools each
persona may call after its exclusions are applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if persona != "" {
				if _, err := engine.PersonaByName(persona); err != nil {
					return err
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.HasToolService() {
				return fmt.Errorf("no tool service configured: set TOOL_SERVICE_URL or TOOL_SERVICE_COMMAND")
			}
			rt, err := newRuntime(cfg, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.warmRegistries(cmd.Context()); err != nil {
				return err
			}

			listing := map[string][]tools.Definition{}
			for _, name := range rt.personaNames() {
				if persona != "" && name != strings.ToLower(strings.TrimSpace(persona)) {
					continue
				}
				reg := rt.registries[name]
				if !reg.Loaded() {
					return fmt.Errorf("tool registry for %s could not be loaded", name)
				}
				listing[name] = reg.Definitions()
			}
			if jsonOutput() {
				return printJSON(cmd.OutOrStdout(), listing)
			}
			return printToolListing(cmd.OutOrStdout(), rt.personaNames(), listing)
		},
	}

	cmd.Flags().StringVarP(&persona, "persona", "p", "", "Only show this persona's tools")

	return cmd
}

func printToolListing(out io.Writer, order []string, listing map[string][]tools.Definition) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, name := range order {
		defs, ok := listing[name]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s (%d tools)\n", name, len(defs))
		for _, d := range defs {
			fmt.Fprintf(w, "  %s\t%s\n", d.Name, truncate(d.Description, 60))
		}
	}
	return w.Flush()
}
