package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceInvokeStage(t *testing.T) {
	mock := &MockClient{Responses: []string{`{"recommendation": "accept", "confidence": 0.9}`}}
	svc := NewService(mock)
	require.True(t, svc.Available())

	res := svc.InvokeStage(context.Background(), "MATCH_TWO_WAY",
		"Analyze invoice-PO match result and provide insights",
		map[string]interface{}{"match_score": 0.95, "invoice_amount": 11500.0},
		"json with: recommendation, confidence, risk_factors")

	require.True(t, res.Success)
	assert.Equal(t, "MATCH_TWO_WAY", res.Stage)
	assert.Contains(t, res.Response, "recommendation")
	assert.False(t, res.Fallback)

	require.Len(t, mock.Prompts, 1)
	prompt := mock.Prompts[0]
	assert.Contains(t, prompt, "- invoice_amount: 11500")
	assert.Contains(t, prompt, "- match_score: 0.95")
	assert.Contains(t, prompt, "Expected output format: json with: recommendation")

	require.Len(t, mock.Options, 1)
	require.NotNil(t, mock.Options[0])
	assert.Contains(t, mock.Options[0].SystemPrompt, "Current Stage: MATCH_TWO_WAY")
	assert.Contains(t, mock.Options[0].SystemPrompt, "invoice processing agent")
}

// TestServiceInvokeStagePromptIsDeterministic pins the sorted context
// rendering: two calls with the same map produce the same prompt.
func TestServiceInvokeStagePromptIsDeterministic(t *testing.T) {
	mock := &MockClient{}
	svc := NewService(mock)

	contextData := map[string]interface{}{
		"vendor": "ACME", "amount": 100.0, "currency": "USD", "invoice_id": "INV-1",
	}
	svc.InvokeStage(context.Background(), "APPROVE", "Assess approval risk", contextData, "")
	svc.InvokeStage(context.Background(), "APPROVE", "Assess approval risk", contextData, "")

	require.Len(t, mock.Prompts, 2)
	assert.Equal(t, mock.Prompts[0], mock.Prompts[1])

	// Keys render in sorted order.
	amountIdx := strings.Index(mock.Prompts[0], "- amount:")
	vendorIdx := strings.Index(mock.Prompts[0], "- vendor:")
	require.GreaterOrEqual(t, amountIdx, 0)
	require.GreaterOrEqual(t, vendorIdx, 0)
	assert.Less(t, amountIdx, vendorIdx)
}

func TestServiceInvokeStageWithoutModel(t *testing.T) {
	svc := NewService(nil)
	assert.False(t, svc.Available())

	res := svc.InvokeStage(context.Background(), "APPROVE", "assess risk", nil, "")
	assert.False(t, res.Success)
	assert.True(t, res.Fallback)
	assert.Equal(t, "LLM not configured", res.Err)
}

func TestServiceInvokeStageModelError(t *testing.T) {
	mock := &MockClient{Err: errors.New("connection refused")}
	svc := NewService(mock)

	res := svc.InvokeStage(context.Background(), "APPROVE", "assess risk", nil, "")
	assert.False(t, res.Success)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Err, "connection refused")
}

func TestServiceSelectTool(t *testing.T) {
	mock := &MockClient{Responses: []string{SelectionResponse("google_vision", "highest accuracy for invoices")}}
	svc := NewService(mock)

	choice := svc.SelectTool(context.Background(), "ocr",
		[]string{"google_vision", "tesseract", "aws_textract"},
		map[string]interface{}{"file_type": "pdf"})

	assert.Equal(t, "google_vision", choice.SelectedTool)
	assert.Equal(t, "highest accuracy for invoices", choice.Reason)
	assert.False(t, choice.Fallback)
}

func TestServiceSelectToolCaseInsensitive(t *testing.T) {
	mock := &MockClient{Responses: []string{SelectionResponse("GOOGLE_VISION", "case test")}}
	svc := NewService(mock)

	choice := svc.SelectTool(context.Background(), "ocr",
		[]string{"google_vision", "tesseract"}, nil)

	assert.Equal(t, "google_vision", choice.SelectedTool)
}

func TestServiceSelectToolInvalidFallsBack(t *testing.T) {
	mock := &MockClient{Responses: []string{SelectionResponse("made_up_tool", "hallucinated")}}
	svc := NewService(mock)

	choice := svc.SelectTool(context.Background(), "ocr",
		[]string{"google_vision", "tesseract"}, nil)

	assert.Equal(t, "google_vision", choice.SelectedTool)
	assert.Contains(t, choice.Reason, "falling back to google_vision")
}

func TestServiceSelectToolNoModel(t *testing.T) {
	svc := NewService(nil)

	choice := svc.SelectTool(context.Background(), "storage",
		[]string{"s3", "gcs", "local_fs"}, nil)

	assert.Equal(t, "s3", choice.SelectedTool)
	assert.True(t, choice.Fallback)
	assert.Contains(t, choice.Reason, "LLM not available")
}

func TestServiceSelectToolModelError(t *testing.T) {
	mock := &MockClient{Err: errors.New("timeout")}
	svc := NewService(mock)

	choice := svc.SelectTool(context.Background(), "storage",
		[]string{"s3", "gcs"}, nil)

	assert.Equal(t, "s3", choice.SelectedTool)
	assert.True(t, choice.Fallback)
	assert.Contains(t, choice.Reason, "timeout")
}

func TestServiceSelectToolEmptyPool(t *testing.T) {
	svc := NewService(&MockClient{})

	choice := svc.SelectTool(context.Background(), "storage", nil, nil)
	assert.Empty(t, choice.SelectedTool)
	assert.True(t, choice.Fallback)
}

func TestParseSelection(t *testing.T) {
	sel, reason := ParseSelection("SELECTED: compute_match\nREASON: exact capability fit")
	assert.Equal(t, "compute_match", sel)
	assert.Equal(t, "exact capability fit", reason)

	sel, reason = ParseSelection("thinking...\n\n  SELECTED: parse_line_items  \n  REASON: parses invoice lines  \nextra")
	assert.Equal(t, "parse_line_items", sel)
	assert.Equal(t, "parses invoice lines", reason)

	sel, reason = ParseSelection("no structured output at all")
	assert.Empty(t, sel)
	assert.Equal(t, "No reason provided", reason)
}
