package agent

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/MEKXH/tether/internal/mcp"
	"github.com/MEKXH/tether/internal/session"
)

// ContextBuilder builds LLM context
type ContextBuilder struct {
	systemPrompt string
}

// NewContextBuilder creates a context builder. systemPrompt, when non-empty,
// replaces the built-in identity section.
func NewContextBuilder(systemPrompt string) *ContextBuilder {
	return &ContextBuilder{systemPrompt: strings.TrimSpace(systemPrompt)}
}

// BuildSystemPrompt assembles the system prompt from the identity section
// and a live inventory of connected servers and their tools.
func (c *ContextBuilder) BuildSystemPrompt(catalog *mcp.Catalog) string {
	var parts []string

	identity := c.systemPrompt
	if identity == "" {
		identity = c.coreIdentity()
	}
	parts = append(parts, identity)

	if catalog != nil && len(catalog.Tools) > 0 {
		parts = append(parts, c.buildToolSection(catalog))
	} else {
		parts = append(parts, "No external tools are currently connected. Answer from your own knowledge.")
	}

	if catalog != nil && len(catalog.Warnings) > 0 {
		var sb strings.Builder
		sb.WriteString("Some servers could not be reached; their tools are missing from the list above:")
		for _, w := range catalog.Warnings {
			sb.WriteString(fmt.Sprintf("\n- %s", w.Server))
		}
		parts = append(parts, sb.String())
	}

	return strings.Join(parts, "\n\n")
}

func (c *ContextBuilder) coreIdentity() string {
	return `You are Tether, an assistant with access to external tool servers.
Use the available tools when they help answer the user's request, and say so plainly when none of them apply.
Tool names carry a server prefix; call them exactly as listed.`
}

func (c *ContextBuilder) buildToolSection(catalog *mcp.Catalog) string {
	byServer := make(map[string][]mcp.ToolDescriptor)
	var order []string
	for _, td := range catalog.Tools {
		if _, seen := byServer[td.ServerID]; !seen {
			order = append(order, td.ServerID)
		}
		byServer[td.ServerID] = append(byServer[td.ServerID], td)
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools")
	for _, serverID := range order {
		sb.WriteString(fmt.Sprintf("\n\n### Server: %s", serverID))
		for _, td := range byServer[serverID] {
			desc := td.Description
			if desc == "" {
				desc = "(no description)"
			}
			sb.WriteString(fmt.Sprintf("\n- %s: %s", td.Name, desc))
		}
	}
	return sb.String()
}

// BuildMessages constructs the full message list
func (c *ContextBuilder) BuildMessages(catalog *mcp.Catalog, history []*session.Message, current string) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+2)

	messages = append(messages, &schema.Message{
		Role:    schema.System,
		Content: c.BuildSystemPrompt(catalog),
	})

	for _, h := range history {
		role := schema.User
		if h.Role == "assistant" {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: h.Content,
		})
	}

	messages = append(messages, &schema.Message{
		Role:    schema.User,
		Content: strings.TrimSpace(current),
	})

	return messages
}
