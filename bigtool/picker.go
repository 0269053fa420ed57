package bigtool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/llm"
)

// Selection is the outcome of a capability or description pick.
type Selection struct {
	Capability   string    `json:"capability,omitempty"`
	SelectedTool string    `json:"selected_tool"`
	Reason       string    `json:"reason"`
	Success      bool      `json:"success"`
	Discovered   bool      `json:"discovered"`
	Fallback     bool      `json:"fallback,omitempty"`
	ToolInfo     *ToolInfo `json:"tool_info,omitempty"`
}

// ExecuteResult is the outcome of routing a capability to its tool.
// Success covers the routing; the call envelope carries the tool-level
// outcome.
type ExecuteResult struct {
	Success                bool       `json:"success"`
	Capability             string     `json:"capability"`
	Tool                   string     `json:"mcp_tool,omitempty"`
	SelectedImplementation string     `json:"selected_implementation,omitempty"`
	Call                   CallResult `json:"result"`
	Error                  string     `json:"error,omitempty"`
}

// Picker orchestrates tool use: it resolves capabilities through the
// static registry, consults the model to choose between discovered
// tools when descriptions must decide, and routes calls through the
// tool server client.
type Picker struct {
	client *Client
	ai     core.AIClient
	logger core.Logger
}

// PickerOption configures a Picker
type PickerOption func(*Picker)

// WithPickerLogger sets the picker logger
func WithPickerLogger(logger core.Logger) PickerOption {
	return func(p *Picker) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPicker creates a picker over the tool server client. The AI
// client may be nil; description-based selection then falls back to
// the first discovered tool.
func NewPicker(client *Client, ai core.AIClient, opts ...PickerOption) *Picker {
	p := &Picker{
		client: client,
		ai:     ai,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if cal, ok := p.logger.(core.ComponentAwareLogger); ok {
		p.logger = cal.WithComponent("bigtool.picker")
	}
	return p
}

// Client returns the underlying tool server client.
func (p *Picker) Client() *Client {
	return p.client
}

// Select resolves a capability to its tool and reports whether the
// tool was discovered from a live server.
func (p *Picker) Select(ctx context.Context, capability string, contextData map[string]interface{}) Selection {
	tool, ok := ToolForCapability(capability)
	if !ok {
		p.logger.Warn("No tool mapping for capability", map[string]interface{}{
			"operation":  "select",
			"capability": capability,
		})
		return Selection{Capability: capability, Reason: "no_mcp_tool_mapping"}
	}

	var info *ToolInfo
	reason := "mcp_tool_mapping"
	if t, found := p.client.ToolByName(tool); found {
		info = &t
		reason = "discovered_from_server"
	}

	p.logger.Info("Selected tool for capability", map[string]interface{}{
		"operation":  "select",
		"capability": capability,
		"selected":   tool,
		"discovered": info != nil,
	})

	return Selection{
		Capability:   capability,
		SelectedTool: tool,
		Reason:       reason,
		Success:      true,
		Discovered:   info != nil,
		ToolInfo:     info,
	}
}

// SelectByDescription asks the model to pick the best discovered tool
// for a free-form task, using nothing but the descriptions the servers
// advertise.
func (p *Picker) SelectByDescription(ctx context.Context, task string, contextData map[string]interface{}) Selection {
	tools := p.client.AllTools(ctx)
	if len(tools) == 0 {
		p.logger.Warn("No tools discovered, falling back to static mapping", map[string]interface{}{
			"operation": "select_by_description",
		})
		return Selection{Reason: "No tools discovered", Fallback: true}
	}

	if !aiAvailable(p.ai) {
		return Selection{
			SelectedTool: tools[0].Name,
			Reason:       "LLM not available",
			Success:      true,
			Fallback:     true,
		}
	}

	prompt := fmt.Sprintf(`You are selecting an MCP tool based on descriptions from the servers.

TASK: %s

CONTEXT:
%s

AVAILABLE TOOLS (discovered from MCP servers):
%s

Based on the task and available tool descriptions, select the BEST tool.

Respond in this exact format:
SELECTED: <tool_name>
REASON: <one sentence explaining why this tool is best for the task>`,
		task, renderContextLines(contextData), formatToolsForPrompt(tools))

	resp, err := p.ai.GenerateResponse(ctx, prompt, nil)
	if err != nil {
		p.logger.Error("LLM tool selection failed", map[string]interface{}{
			"operation": "select_by_description",
			"error":     err.Error(),
		})
		return Selection{
			SelectedTool: tools[0].Name,
			Reason:       "LLM error: " + err.Error(),
			Success:      true,
			Fallback:     true,
		}
	}

	selected, reason := llm.ParseSelection(resp.Content)
	for _, t := range tools {
		if strings.EqualFold(t.Name, selected) {
			info := t
			p.logger.Info("LLM selected tool", map[string]interface{}{
				"operation": "select_by_description",
				"selected":  t.Name,
				"reason":    reason,
			})
			return Selection{
				SelectedTool: t.Name,
				Reason:       reason,
				Success:      true,
				Discovered:   true,
				ToolInfo:     &info,
			}
		}
	}

	p.logger.Warn("LLM selected unknown tool", map[string]interface{}{
		"operation": "select_by_description",
		"selected":  selected,
	})
	return Selection{Reason: "Could not parse LLM response", Fallback: true}
}

// Execute routes a capability to its tool and invokes it. An unmapped
// capability fails fast; everything after the mapping is reported in
// the call envelope.
func (p *Picker) Execute(ctx context.Context, capability string, params, contextData map[string]interface{}) ExecuteResult {
	tool, ok := ToolForCapability(capability)
	if !ok {
		p.logger.Error("No tool mapping for capability", map[string]interface{}{
			"operation":  "execute",
			"capability": capability,
		})
		return ExecuteResult{
			Capability: capability,
			Error:      "no MCP tool mapping for capability: " + capability,
		}
	}

	selection := p.Select(ctx, capability, contextData)

	p.logger.Info("Executing capability", map[string]interface{}{
		"operation":  "execute",
		"capability": capability,
		"tool":       tool,
	})

	call := p.client.CallTool(ctx, tool, params)
	return ExecuteResult{
		Success:                true,
		Capability:             capability,
		Tool:                   tool,
		SelectedImplementation: selection.SelectedTool,
		Call:                   call,
	}
}

func aiAvailable(ai core.AIClient) bool {
	if ai == nil {
		return false
	}
	if c, ok := ai.(interface{ Configured() bool }); ok {
		return c.Configured()
	}
	return true
}

func formatToolsForPrompt(tools []ToolInfo) string {
	if len(tools) == 0 {
		return "No tools discovered from MCP servers."
	}
	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		desc := t.Description
		if desc == "" {
			desc = "No description"
		}
		lines = append(lines, fmt.Sprintf("- %s [%s]: %s", t.Name, strings.ToUpper(t.Server), desc))
	}
	return strings.Join(lines, "\n")
}

func renderContextLines(contextData map[string]interface{}) string {
	if len(contextData) == 0 {
		return ""
	}
	keys := make([]string, 0, len(contextData))
	for k := range contextData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, contextData[k]))
	}
	return strings.Join(lines, "\n")
}
