package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/invoiceflow/core"
)

// MockClient is a scriptable core.AIClient for tests and offline runs.
// Responses are returned in order; when the script runs out the last
// response repeats. A zero MockClient answers every prompt with "OK".
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Prompts   []string
	Options   []*core.AIOptions
	calls     int
}

// GenerateResponse returns the next scripted response.
func (m *MockClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Prompts = append(m.Prompts, prompt)
	m.Options = append(m.Options, options)

	if m.Err != nil {
		return nil, m.Err
	}

	content := "OK"
	if len(m.Responses) > 0 {
		idx := m.calls
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		content = m.Responses[idx]
	}
	m.calls++

	return &core.AIResponse{
		Content: content,
		Model:   "mock",
		Usage: core.TokenUsage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	}, nil
}

// Calls reports how many prompts the mock has served.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// SelectionResponse formats a scripted SELECTED/REASON answer.
func SelectionResponse(tool, reason string) string {
	return fmt.Sprintf("SELECTED: %s\nREASON: %s", tool, reason)
}

var _ core.AIClient = (*MockClient)(nil)
