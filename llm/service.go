package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/itsneelabh/invoiceflow/core"
)

// agentPersonality frames every stage prompt. The model is told how
// the pipeline thinks so its output stays consistent across stages.
const agentPersonality = `You are the invoice processing agent.

You think in structured stages.
Each stage is a well-defined processing phase.
You always carry forward state variables between stages.
You know when to execute deterministic steps and when to choose dynamically.
You call COMMON or ATLAS abilities through their tool servers as required.
You select from a tool pool whenever a capability has several implementations.
You log every decision, every tool choice, and every state update.
You always produce clean structured output.

Current Stage: %s
Task: %s`

// Service frames workflow prompts over an AI client. All methods
// degrade gracefully: when the model is missing or misbehaves the
// caller gets a fallback result, never an error.
type Service struct {
	client core.AIClient
	logger core.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger
func WithServiceLogger(logger core.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates the stage reasoning service. A nil client is
// allowed and puts the service in permanent fallback mode.
func NewService(client core.AIClient, opts ...ServiceOption) *Service {
	s := &Service{
		client: client,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("llm.service")
	}
	return s
}

// Available reports whether stage reasoning can reach a model.
func (s *Service) Available() bool {
	if s.client == nil {
		return false
	}
	if c, ok := s.client.(*Client); ok {
		return c.Configured()
	}
	return true
}

// StageResult is the outcome of a stage reasoning call. Success false
// means the caller should use its local fallback; Err explains why.
type StageResult struct {
	Success  bool
	Stage    string
	Response string
	Usage    core.TokenUsage
	Err      string
	Fallback bool
}

// InvokeStage asks the model to reason about a stage task. Context
// entries are rendered as sorted key/value lines so prompts are
// reproducible.
func (s *Service) InvokeStage(ctx context.Context, stage, task string, contextData map[string]interface{}, outputFormat string) StageResult {
	if !s.Available() {
		s.logger.Warn("LLM not available for stage, using fallback", map[string]interface{}{
			"operation": "invoke_stage",
			"stage":     stage,
		})
		return StageResult{Stage: stage, Err: "LLM not configured", Fallback: true}
	}

	var b strings.Builder
	b.WriteString("Process this invoice data:\n\nContext:\n")
	b.WriteString(renderContext(contextData))
	b.WriteString("\n\nTask: ")
	b.WriteString(task)
	if outputFormat != "" {
		b.WriteString("\n\nExpected output format: ")
		b.WriteString(outputFormat)
	}
	b.WriteString("\n\nAnalyze the data and provide your structured response.")

	s.logger.Info("Invoking LLM for stage", map[string]interface{}{
		"operation": "invoke_stage",
		"stage":     stage,
	})

	resp, err := s.client.GenerateResponse(ctx, b.String(), &core.AIOptions{
		SystemPrompt: fmt.Sprintf(agentPersonality, stage, task),
	})
	if err != nil {
		s.logger.Error("LLM invocation failed", map[string]interface{}{
			"operation": "invoke_stage",
			"stage":     stage,
			"error":     err.Error(),
		})
		return StageResult{Stage: stage, Err: err.Error(), Fallback: true}
	}

	return StageResult{
		Success:  true,
		Stage:    stage,
		Response: resp.Content,
		Usage:    resp.Usage,
	}
}

// ToolChoice is the outcome of a pool selection.
type ToolChoice struct {
	SelectedTool string
	Reason       string
	Fallback     bool
	RawResponse  string
}

// SelectTool picks one tool from a capability pool. Invalid or failed
// model answers fall back to the first tool in the pool.
func (s *Service) SelectTool(ctx context.Context, capability string, pool []string, contextData map[string]interface{}) ToolChoice {
	if len(pool) == 0 {
		return ToolChoice{Reason: "no tools in pool", Fallback: true}
	}
	if !s.Available() {
		return ToolChoice{
			SelectedTool: pool[0],
			Reason:       "LLM not available, using first tool",
			Fallback:     true,
		}
	}

	prompt := fmt.Sprintf(`You are selecting a tool for the %q capability.

Available tools: %s

Context:
%s

Select the best tool and explain why in 1 sentence.

Respond in this exact format:
SELECTED: <tool_name>
REASON: <one sentence explanation>`, capability, strings.Join(pool, ", "), renderContext(contextData))

	resp, err := s.client.GenerateResponse(ctx, prompt, nil)
	if err != nil {
		s.logger.Error("Tool selection LLM call failed", map[string]interface{}{
			"operation":  "select_tool",
			"capability": capability,
			"error":      err.Error(),
		})
		return ToolChoice{
			SelectedTool: pool[0],
			Reason:       "LLM error, using fallback: " + err.Error(),
			Fallback:     true,
		}
	}

	selected, reason := ParseSelection(resp.Content)
	canonical := matchPool(selected, pool)
	if canonical == "" {
		canonical = pool[0]
		reason = "LLM selected invalid tool, falling back to " + canonical
	}

	return ToolChoice{
		SelectedTool: canonical,
		Reason:       reason,
		RawResponse:  resp.Content,
	}
}

// ParseSelection extracts the SELECTED/REASON lines from a model
// answer. Missing lines yield empty tool and a placeholder reason.
func ParseSelection(content string) (selected, reason string) {
	reason = "No reason provided"
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "SELECTED:") {
			selected = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "SELECTED:")))
		} else if strings.HasPrefix(line, "REASON:") {
			reason = strings.TrimSpace(strings.TrimPrefix(line, "REASON:"))
		}
	}
	return selected, reason
}

// matchPool resolves a case-insensitive tool name against the pool and
// returns the pool's canonical spelling, or "" when not found.
func matchPool(name string, pool []string) string {
	for _, t := range pool {
		if strings.EqualFold(t, name) {
			return t
		}
	}
	return ""
}

func renderContext(contextData map[string]interface{}) string {
	if len(contextData) == 0 {
		return "- (none)"
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
