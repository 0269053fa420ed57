package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// CheckpointAgent records a human review request for an invoice whose
// match fell below threshold and flips the thread to PAUSED.
type CheckpointAgent struct{ baseAgent }

// NewCheckpointAgent creates the CHECKPOINT_HITL stage executor.
func NewCheckpointAgent(d Deps) *CheckpointAgent {
	return &CheckpointAgent{newBase(workflow.StageCheckpointHITL, d)}
}

// Execute creates the review record. The checkpoint ID is always
// minted locally; sharing a tool-issued ID between threads would make
// reviews collide in the store.
func (a *CheckpointAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload
	threadID := state.ThreadID

	checkpointID := workflow.NewCheckpointID()
	reviewURL := "/human-review/" + checkpointID

	fields := "none"
	if state.MatchEvidence != nil && len(state.MatchEvidence.MismatchedFields) > 0 {
		fields = strings.Join(state.MatchEvidence.MismatchedFields, ", ")
	}
	reason := fmt.Sprintf("Match score %.2f below threshold. Mismatched: %s", state.MatchScore, fields)

	a.callTool(ctx, threadID, "checkpoint", map[string]interface{}{
		"checkpoint_id": checkpointID,
		"workflow_id":   threadID,
		"invoice_id":    p.InvoiceID,
		"state": map[string]interface{}{
			"match_score":  state.MatchScore,
			"match_result": state.MatchResult,
			"stage":        a.stage,
		},
		"reason": reason,
	})

	rec := &hitl.ReviewRecord{
		CheckpointID:  checkpointID,
		ThreadID:      threadID,
		InvoiceID:     p.InvoiceID,
		VendorName:    p.VendorName,
		Amount:        p.Amount,
		Currency:      currencyOf(p),
		MatchScore:    state.MatchScore,
		MatchResult:   state.MatchResult,
		ReasonForHold: reason,
		ReviewURL:     reviewURL,
	}
	if state.MatchEvidence != nil {
		rec.MatchEvidence = toMap(state.MatchEvidence)
	}
	if err := a.reviews.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating review record for %s: %w", threadID, err)
	}

	sel := a.selectTool(ctx, threadID, "db", reviewDBPool, map[string]interface{}{
		"record_type": "human_review",
	})

	a.logger.Info("Review checkpoint created", map[string]interface{}{
		"operation":     "execute",
		"thread_id":     threadID,
		"invoice_id":    p.InvoiceID,
		"checkpoint_id": checkpointID,
		"match_score":   state.MatchScore,
	})

	return &workflow.Delta{
		HITLCheckpointID:  workflow.String(checkpointID),
		ReviewURL:         workflow.String(reviewURL),
		PausedReason:      workflow.String(reason),
		CurrentStage:      workflow.String(a.stage),
		Status:            workflow.String(workflow.StatusPaused),
		BigtoolSelections: map[string]workflow.ToolSelection{a.stage: sel},
		AuditLog: []workflow.AuditEntry{a.audit("checkpoint_created", map[string]interface{}{
			"hitl_checkpoint_id": checkpointID,
			"invoice_id":         p.InvoiceID,
			"match_score":        state.MatchScore,
			"reason":             reason,
			"review_url":         reviewURL,
			"db_tool":            sel.SelectedTool,
		})},
	}, nil
}

// HumanReviewAgent is the stage a paused workflow waits on. Execute
// interrupts unless a decision is already on the state; Resume folds
// the reviewer's decision in when the workflow is woken up.
type HumanReviewAgent struct{ baseAgent }

// NewHumanReviewAgent creates the HITL_DECISION stage executor.
func NewHumanReviewAgent(d Deps) *HumanReviewAgent {
	return &HumanReviewAgent{newBase(workflow.StageHITLDecision, d)}
}

func (a *HumanReviewAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	// Replays of already-decided threads pass straight through.
	if state.HumanDecision != "" {
		return a.decisionDelta(state.HumanDecision, state.ReviewerID, state.ReviewerNotes,
			orDefault(state.ResumeToken, workflow.NewResumeToken())), nil
	}

	payload := map[string]interface{}{
		"type":               "human_review",
		"hitl_checkpoint_id": state.HITLCheckpointID,
		"invoice_id":         state.InvoicePayload.InvoiceID,
		"reason":             state.PausedReason,
		"review_url":         state.ReviewURL,
		"match_score":        state.MatchScore,
	}
	if state.MatchEvidence != nil {
		payload["match_evidence"] = toMap(state.MatchEvidence)
	}
	return nil, &workflow.Interrupt{
		Reason:  state.PausedReason,
		Payload: payload,
	}
}

// Resume receives the reviewer's decision from the engine.
func (a *HumanReviewAgent) Resume(ctx context.Context, state workflow.State, value workflow.ResumeValue) (*workflow.Delta, error) {
	token := workflow.NewResumeToken()

	a.logger.Info("Human review decision received", map[string]interface{}{
		"operation":   "resume",
		"thread_id":   state.ThreadID,
		"invoice_id":  state.InvoicePayload.InvoiceID,
		"decision":    value.Decision,
		"reviewer_id": value.ReviewerID,
	})
	a.publishLog(state.ThreadID, "info", fmt.Sprintf("Human review decision: %s", value.Decision), "hitl", map[string]interface{}{
		"decision":    value.Decision,
		"reviewer_id": value.ReviewerID,
	})

	return a.decisionDelta(value.Decision, value.ReviewerID, value.Notes, token), nil
}

func (a *HumanReviewAgent) decisionDelta(decision, reviewerID, notes, token string) *workflow.Delta {
	status := workflow.StatusRequiresManualHandling
	action := "decision_reject"
	if decision == workflow.DecisionAccept {
		status = workflow.StatusRunning
		action = "decision_accept"
	}
	return &workflow.Delta{
		HumanDecision: workflow.String(decision),
		ReviewerID:    workflow.String(reviewerID),
		ReviewerNotes: workflow.String(notes),
		ResumeToken:   workflow.String(token),
		CurrentStage:  workflow.String(a.stage),
		Status:        workflow.String(status),
		AuditLog: []workflow.AuditEntry{a.audit(action, map[string]interface{}{
			"decision":    decision,
			"reviewer_id": reviewerID,
			"notes":       notes,
		})},
	}
}

// ManualHandoffAgent closes out rejected invoices with a terminal
// payload for downstream manual processing queues.
type ManualHandoffAgent struct{ baseAgent }

// NewManualHandoffAgent creates the MANUAL_HANDOFF stage executor.
func NewManualHandoffAgent(d Deps) *ManualHandoffAgent {
	return &ManualHandoffAgent{newBase(workflow.StageManualHandoff, d)}
}

func (a *ManualHandoffAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload

	final := map[string]interface{}{
		"workflow_id":        state.RawID,
		"invoice_id":         p.InvoiceID,
		"status":             workflow.StatusRequiresManualHandling,
		"reason":             "Invoice rejected during human review",
		"reviewer_id":        state.ReviewerID,
		"reviewer_notes":     state.ReviewerNotes,
		"hitl_checkpoint_id": state.HITLCheckpointID,
	}

	a.logger.Info("Invoice handed off for manual processing", map[string]interface{}{
		"operation":   "execute",
		"thread_id":   state.ThreadID,
		"invoice_id":  p.InvoiceID,
		"reviewer_id": state.ReviewerID,
	})

	return &workflow.Delta{
		FinalPayload: final,
		CurrentStage: workflow.String(a.stage),
		Status:       workflow.String(workflow.StatusRequiresManualHandling),
		AuditLog: []workflow.AuditEntry{a.audit("workflow_requires_manual_handling", map[string]interface{}{
			"invoice_id": p.InvoiceID,
			"reason":     "Rejected during human review",
		})},
	}, nil
}

var _ workflow.ResumableNode = (*HumanReviewAgent)(nil)
