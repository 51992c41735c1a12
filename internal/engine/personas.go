// ABOUTME: Agent personas sharing the conversation engine
// ABOUTME: Buyer-facing concierge and vendor-facing assistant with their prompts and tool exclusions
package engine

import (
	"fmt"
	"strings"
)

// Persona configures one agent
type Persona struct {
	Name         string
	SystemPrompt string
	// ContextFields are the identity fields callers are expected to inject into every tool call
	ContextFields []string
	// ExcludedTools are hidden from this persona's registry
	ExcludedTools []string
}

const (
	BuyerPersona  = "buyer"
	VendorPersona = "vendor"
)

const buyerPrompt = `You are the buyer concierge for a dataset marketplace.
Help buyers discover datasets, compare listings, understand licensing and pricing,
and complete purchases. Use the available tools to look up real catalog data
instead of guessing. Never invent dataset names, prices, or licence terms.
When a tool reports an error, tell the buyer plainly and suggest a next step.
Keep answers short and concrete.`

const vendorPrompt = `You are the vendor assistant for a dataset marketplace.
Help vendors manage their listings: create and update datasets, adjust pricing,
and review sales and buyer interest. Use the available tools for every change
or lookup and confirm what was done. Never expose other vendors' data.
When a tool reports an error, explain it and suggest how to fix the input.
Keep answers short and concrete.`

// Buyer returns the buyer-facing persona
func Buyer() Persona {
	return Persona{
		Name:          BuyerPersona,
		SystemPrompt:  buyerPrompt,
		ContextFields: []string{"buyer_id", "conversation_id"},
		ExcludedTools: []string{"create_dataset", "update_dataset", "delete_dataset", "update_pricing", "get_sales_report"},
	}
}

// Vendor returns the vendor-facing persona
func Vendor() Persona {
	return Persona{
		Name:          VendorPersona,
		SystemPrompt:  vendorPrompt,
		ContextFields: []string{"vendor_id", "conversation_id"},
		ExcludedTools: []string{"purchase_dataset", "get_recommendations", "add_to_cart"},
	}
}

// PersonaByName resolves a persona name
func PersonaByName(name string) (Persona, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BuyerPersona:
		return Buyer(), nil
	case VendorPersona:
		return Vendor(), nil
	}
	return Persona{}, fmt.Errorf("unknown persona %q (want %s or %s)", name, BuyerPersona, VendorPersona)
}

// WithExcludedTools returns a copy using the given exclusions when non-empty
func (p Persona) WithExcludedTools(names []string) Persona {
	if len(names) == 0 {
		return p
	}
	p.ExcludedTools = append([]string(nil), names...)
	return p
}

// MissingContext lists expected context fields absent from ctx
func (p Persona) MissingContext(ctx map[string]any) []string {
	var missing []string
	for _, field := range p.ContextFields {
		if v, ok := ctx[field]; !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	return missing
}
