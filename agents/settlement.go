package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itsneelabh/invoiceflow/policy"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// ReconcileAgent books the balanced journal entry pair for an approved
// invoice.
type ReconcileAgent struct{ baseAgent }

// NewReconcileAgent creates the RECONCILE stage executor.
func NewReconcileAgent(d Deps) *ReconcileAgent {
	return &ReconcileAgent{newBase(workflow.StageReconcile, d)}
}

func (a *ReconcileAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload
	threadID := state.ThreadID
	vendorName := vendorNameOf(state)

	vendor := map[string]interface{}{}
	if state.VendorProfile != nil {
		vendor = toMap(state.VendorProfile)
	}

	var entries []workflow.JournalEntry
	if out := a.callTool(ctx, threadID, "accounting", map[string]interface{}{
		"invoice": toMap(p),
		"vendor":  vendor,
	}); out.ok && !out.mock {
		entries = parseEntries(out.result["entries"])
	}
	if len(entries) == 0 {
		entries = workflow.BuildJournalEntries(p.InvoiceID, p.Amount, currencyOf(p), vendorName)
	}

	var debit, credit float64
	for _, e := range entries {
		if e.Type == workflow.EntryDebit {
			debit += e.Amount
		} else {
			credit += e.Amount
		}
	}

	report := map[string]interface{}{
		"invoice_id":    p.InvoiceID,
		"vendor":        vendorName,
		"total_amount":  p.Amount,
		"currency":      currencyOf(p),
		"entries_count": len(entries),
		"balanced":      debit == credit,
		"reconciled_at": time.Now().UTC().Format(time.RFC3339),
		"status":        "RECONCILED",
	}

	a.logger.Info("Journal entries built", map[string]interface{}{
		"operation":     "execute",
		"thread_id":     threadID,
		"invoice_id":    p.InvoiceID,
		"entries_count": len(entries),
		"balanced":      debit == credit,
	})

	return &workflow.Delta{
		AccountingEntries:    entries,
		ReconciliationReport: report,
		CurrentStage:         workflow.String(a.stage),
		AuditLog: []workflow.AuditEntry{a.audit("entries_built", map[string]interface{}{
			"invoice_id":    p.InvoiceID,
			"entries_count": len(entries),
			"total_debit":   debit,
			"total_credit":  credit,
		})},
	}, nil
}

// parseEntries converts a tool result's entries list into typed
// journal entries. Anything unparseable yields nil so the caller books
// locally.
func parseEntries(v interface{}) []workflow.JournalEntry {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var entries []workflow.JournalEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// ApprovalAgent applies the amount-tiered approval policy.
type ApprovalAgent struct{ baseAgent }

// NewApprovalAgent creates the APPROVE stage executor.
func NewApprovalAgent(d Deps) *ApprovalAgent {
	return &ApprovalAgent{newBase(workflow.StageApprove, d)}
}

func (a *ApprovalAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload
	threadID := state.ThreadID

	risk := 0.0
	vendor := map[string]interface{}{}
	if state.VendorProfile != nil {
		risk = state.VendorProfile.RiskScore
		vendor = toMap(state.VendorProfile)
	}

	decision := policy.Decide(p.Amount, risk)
	applied := false
	if out := a.callTool(ctx, threadID, "policy", map[string]interface{}{
		"invoice": toMap(p),
		"vendor":  vendor,
		"amount":  p.Amount,
	}); out.ok {
		if status := resultString(out.result, "status"); status != "" {
			decision = policy.Decision{
				Status:     status,
				ApproverID: resultString(out.result, "approver_id"),
				Policy:     resultString(out.result, "policy"),
			}
			applied = true
		}
	}

	a.logger.Info("Approval decided", map[string]interface{}{
		"operation":   "execute",
		"thread_id":   threadID,
		"invoice_id":  p.InvoiceID,
		"status":      decision.Status,
		"approver_id": decision.ApproverID,
	})

	return &workflow.Delta{
		ApprovalStatus: workflow.String(decision.Status),
		ApproverID:     workflow.String(decision.ApproverID),
		CurrentStage:   workflow.String(a.stage),
		AuditLog: []workflow.AuditEntry{a.audit("approval_processed", map[string]interface{}{
			"invoice_id":      p.InvoiceID,
			"amount":          p.Amount,
			"approval_status": decision.Status,
			"approver_id":     decision.ApproverID,
			"policy_applied":  decision.Policy,
			"bigtool_used":    applied,
		})},
	}, nil
}

// PostingAgent posts the journal entries to the ERP and schedules the
// payment.
type PostingAgent struct{ baseAgent }

// NewPostingAgent creates the POSTING stage executor.
func NewPostingAgent(d Deps) *PostingAgent {
	return &PostingAgent{newBase(workflow.StagePosting, d)}
}

func (a *PostingAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload
	threadID := state.ThreadID
	dueDate := orDefault(p.DueDate, fallbackDueDate)

	post := a.callTool(ctx, threadID, "posting", map[string]interface{}{
		"invoice_id":      p.InvoiceID,
		"journal_entries": toList(state.AccountingEntries),
	})
	erpTxnID := post.liveString("erp_document_id")
	if erpTxnID == "" {
		erpTxnID = workflow.NewERPTransactionID()
	}

	pay := a.callTool(ctx, threadID, "payment", map[string]interface{}{
		"invoice_id": p.InvoiceID,
		"amount":     p.Amount,
		"currency":   currencyOf(p),
		"due_date":   dueDate,
	})
	paymentID := pay.liveString("payment_id")
	if paymentID == "" {
		paymentID = workflow.NewPaymentID()
	}

	a.logger.Info("Posted to ERP", map[string]interface{}{
		"operation":            "execute",
		"thread_id":            threadID,
		"invoice_id":           p.InvoiceID,
		"erp_txn_id":           erpTxnID,
		"scheduled_payment_id": paymentID,
	})

	return &workflow.Delta{
		Posted:             workflow.Bool(true),
		ERPTransactionID:   workflow.String(erpTxnID),
		ScheduledPaymentID: workflow.String(paymentID),
		CurrentStage:       workflow.String(a.stage),
		AuditLog: []workflow.AuditEntry{
			a.audit("posted_to_erp", map[string]interface{}{
				"invoice_id":     p.InvoiceID,
				"erp_txn_id":     erpTxnID,
				"entries_posted": len(state.AccountingEntries),
				"total_amount":   p.Amount,
			}),
			a.audit("payment_scheduled", map[string]interface{}{
				"invoice_id":           p.InvoiceID,
				"scheduled_payment_id": paymentID,
				"due_date":             dueDate,
				"amount":               p.Amount,
			}),
		},
	}, nil
}

// NotifyAgent emails the vendor and the finance distribution lists.
type NotifyAgent struct{ baseAgent }

// NewNotifyAgent creates the NOTIFY stage executor.
func NewNotifyAgent(d Deps) *NotifyAgent {
	return &NotifyAgent{newBase(workflow.StageNotify, d)}
}

func (a *NotifyAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload
	threadID := state.ThreadID
	vendorEmail := vendorEmailFor(p.VendorName)

	a.callTool(ctx, threadID, "email", map[string]interface{}{
		"recipients": []interface{}{vendorEmail},
		"subject":    fmt.Sprintf("Invoice %s Approved", p.InvoiceID),
		"message": fmt.Sprintf("Your invoice %s has been approved for payment. Scheduled payment: %s.",
			p.InvoiceID, state.ScheduledPaymentID),
		"notification_type": "email",
	})
	a.callTool(ctx, threadID, "email", map[string]interface{}{
		"recipients": []interface{}{financeEmail, accountsPayEmail},
		"subject":    fmt.Sprintf("Invoice %s Posted", p.InvoiceID),
		"message": fmt.Sprintf("Invoice %s posted to ERP. Transaction: %s.",
			p.InvoiceID, state.ERPTransactionID),
		"notification_type": "email",
	})

	parties := []string{vendorEmail, financeEmail, accountsPayEmail}
	notifyStatus := map[string]interface{}{
		"vendor_notified":  true,
		"finance_notified": true,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}

	sel := a.selectTool(ctx, threadID, "email", emailPool, map[string]interface{}{
		"invoice_id": p.InvoiceID,
	})

	return &workflow.Delta{
		NotifyStatus:      notifyStatus,
		NotifiedParties:   parties,
		CurrentStage:      workflow.String(a.stage),
		BigtoolSelections: map[string]workflow.ToolSelection{a.stage: sel},
		AuditLog: []workflow.AuditEntry{a.audit("notifications_sent", map[string]interface{}{
			"invoice_id":    p.InvoiceID,
			"parties_count": len(parties),
			"vendor_email":  vendorEmail,
			"email_tool":    sel.SelectedTool,
		})},
	}, nil
}

// vendorEmailFor derives a contact address from the vendor name. Real
// deployments read this from the vendor master record.
func vendorEmailFor(vendorName string) string {
	local := strings.ToLower(strings.TrimSpace(vendorName))
	local = strings.ReplaceAll(local, " ", ".")
	return local + "@example.com"
}

// CompleteAgent assembles the final payload, persists the audit trail,
// and closes the thread.
type CompleteAgent struct{ baseAgent }

// NewCompleteAgent creates the COMPLETE stage executor.
func NewCompleteAgent(d Deps) *CompleteAgent {
	return &CompleteAgent{newBase(workflow.StageComplete, d)}
}

func (a *CompleteAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload
	threadID := state.ThreadID

	sel := a.selectTool(ctx, threadID, "db", auditDBPool, map[string]interface{}{
		"record_type": "audit_trail",
	})

	persisted := false
	if out := a.callTool(ctx, threadID, "db", map[string]interface{}{
		"invoice_id":    p.InvoiceID,
		"thread_id":     threadID,
		"raw_id":        state.RawID,
		"audit_entries": toList(state.AuditLog),
	}); out.ok {
		persisted = true
	}

	completedAt := time.Now().UTC().Format(time.RFC3339)
	final := buildFinalPayload(state, completedAt, persisted, a.ai.Available())

	a.logger.Info("Workflow completed", map[string]interface{}{
		"operation":  "execute",
		"thread_id":  threadID,
		"invoice_id": p.InvoiceID,
		"erp_txn_id": state.ERPTransactionID,
	})

	return &workflow.Delta{
		FinalPayload:      final,
		CurrentStage:      workflow.String(a.stage),
		Status:            workflow.String(workflow.StatusCompleted),
		BigtoolSelections: map[string]workflow.ToolSelection{a.stage: sel},
		AuditLog: []workflow.AuditEntry{a.audit("workflow_completed", map[string]interface{}{
			"invoice_id":      p.InvoiceID,
			"erp_txn_id":      state.ERPTransactionID,
			"total_stages":    12,
			"db_tool":         sel.SelectedTool,
			"audit_persisted": persisted,
		})},
	}, nil
}

func buildFinalPayload(state workflow.State, completedAt string, auditPersisted, llmUsed bool) map[string]interface{} {
	p := state.InvoicePayload
	return map[string]interface{}{
		"workflow_id": state.RawID,
		"invoice": map[string]interface{}{
			"id":               p.InvoiceID,
			"vendor":           p.VendorName,
			"amount":           p.Amount,
			"currency":         currencyOf(p),
			"line_items_count": len(p.LineItems),
		},
		"processing": map[string]interface{}{
			"ingested_at":   state.IngestTS,
			"completed_at":  completedAt,
			"match_score":   state.MatchScore,
			"match_result":  state.MatchResult,
			"required_hitl": state.HITLCheckpointID != "",
			"hitl_decision": state.HumanDecision,
		},
		"erp": map[string]interface{}{
			"transaction_id": state.ERPTransactionID,
			"posted":         state.Posted,
			"entries_count":  len(state.AccountingEntries),
		},
		"payment": map[string]interface{}{
			"scheduled_id": state.ScheduledPaymentID,
			"due_date":     orDefault(p.DueDate, fallbackDueDate),
			"amount":       p.Amount,
		},
		"approval": map[string]interface{}{
			"status":   state.ApprovalStatus,
			"approver": state.ApproverID,
		},
		"notifications": map[string]interface{}{
			"parties_notified": len(state.NotifiedParties),
			"status":           state.NotifyStatus,
		},
		"bigtool_selections": toMap(state.BigtoolSelections),
		// Counts this stage's own closing entry.
		"audit_entries_count": len(state.AuditLog) + 1,
		"integration": map[string]interface{}{
			"bigtool_used":    true,
			"llm_used":        llmUsed,
			"mcp_servers":     []string{"COMMON", "ATLAS"},
			"audit_persisted": auditPersisted,
		},
	}
}
