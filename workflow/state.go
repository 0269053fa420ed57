// Package workflow implements the durable invoice processing pipeline:
// the shared state model, the stage graph and its conditional routing,
// checkpoint persistence, and the engine that drives a thread from
// intake to completion with support for pausing at a human review
// checkpoint and resuming later.
package workflow

import "fmt"

// Workflow statuses
const (
	StatusRunning                = "RUNNING"
	StatusPaused                 = "PAUSED"
	StatusCompleted              = "COMPLETED"
	StatusFailed                 = "FAILED"
	StatusRequiresManualHandling = "REQUIRES_MANUAL_HANDLING"
)

// Review decisions
const (
	DecisionAccept = "ACCEPT"
	DecisionReject = "REJECT"
)

// Match results
const (
	MatchResultMatched = "MATCHED"
	MatchResultFailed  = "FAILED"
)

// LineItem is one line of an invoice.
type LineItem struct {
	Description string  `json:"description,omitempty"`
	SKU         string  `json:"sku,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount,omitempty"`
}

// InvoicePayload is the raw invoice submitted by a client.
type InvoicePayload struct {
	InvoiceID   string                 `json:"invoice_id"`
	VendorName  string                 `json:"vendor_name"`
	Amount      float64                `json:"amount"`
	Currency    string                 `json:"currency,omitempty"`
	InvoiceDate string                 `json:"invoice_date,omitempty"`
	DueDate     string                 `json:"due_date,omitempty"`
	POReference string                 `json:"po_reference,omitempty"`
	TaxID       string                 `json:"tax_id,omitempty"`
	LineItems   []LineItem             `json:"line_items,omitempty"`
	Attachments []string               `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ParsedInvoice is the UNDERSTAND stage output.
type ParsedInvoice struct {
	InvoiceText     string                 `json:"invoice_text"`
	ParsedLineItems []LineItem             `json:"parsed_line_items"`
	DetectedPOs     []string               `json:"detected_pos"`
	Currency        string                 `json:"currency"`
	ParsedDates     map[string]interface{} `json:"parsed_dates"`
}

// VendorProfile is the PREPARE stage output.
type VendorProfile struct {
	NormalizedName string                 `json:"normalized_name"`
	TaxID          string                 `json:"tax_id"`
	EnrichmentMeta map[string]interface{} `json:"enrichment_meta"`
	RiskScore      float64                `json:"risk_score"`
}

// PurchaseOrder is an ERP purchase order fetched during RETRIEVE.
type PurchaseOrder struct {
	PONumber    string     `json:"po_number"`
	VendorName  string     `json:"vendor_name,omitempty"`
	TotalAmount float64    `json:"total_amount"`
	Currency    string     `json:"currency,omitempty"`
	Status      string     `json:"status,omitempty"`
	CreatedDate string     `json:"created_date,omitempty"`
	LineItems   []LineItem `json:"line_items,omitempty"`
}

// GoodsReceipt is an ERP goods receipt note fetched during RETRIEVE.
type GoodsReceipt struct {
	GRNNumber    string     `json:"grn_number"`
	PONumber     string     `json:"po_number,omitempty"`
	ReceivedDate string     `json:"received_date,omitempty"`
	Status       string     `json:"status,omitempty"`
	LineItems    []LineItem `json:"line_items,omitempty"`
}

// MatchEvidence explains a two-way match outcome field by field.
type MatchEvidence struct {
	MatchedFields     []string               `json:"matched_fields"`
	MismatchedFields  []string               `json:"mismatched_fields"`
	ToleranceAnalysis map[string]interface{} `json:"tolerance_analysis"`
}

// JournalEntry is one accounting entry produced by RECONCILE.
type JournalEntry struct {
	EntryID     string  `json:"entry_id"`
	Type        string  `json:"type"` // "DEBIT" | "CREDIT"
	Account     string  `json:"account"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Reference   string  `json:"reference,omitempty"`
	Description string  `json:"description,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	Timestamp string                 `json:"timestamp"`
	Stage     string                 `json:"stage"`
	Action    string                 `json:"action"`
	Details   map[string]interface{} `json:"details"`
}

// ErrorEntry is one append-only error log record.
type ErrorEntry struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
	Agent string `json:"agent,omitempty"`
}

// ToolSelection records which tool served a capability at a stage.
type ToolSelection struct {
	Capability   string   `json:"capability"`
	SelectedTool string   `json:"selected_tool"`
	Pool         []string `json:"pool,omitempty"`
	Server       string   `json:"server,omitempty"`
	Reason       string   `json:"reason"`
}

// State is the complete shared state of one workflow thread. Stages
// never mutate State directly; they return a Delta and the engine
// folds it in with Apply. State serializes to JSON for checkpointing,
// so every field must round-trip cleanly.
type State struct {
	// Input
	InvoicePayload InvoicePayload `json:"invoice_payload"`

	// INTAKE output
	RawID     string `json:"raw_id,omitempty"`
	IngestTS  string `json:"ingest_ts,omitempty"`
	Validated bool   `json:"validated,omitempty"`

	// UNDERSTAND output
	ParsedInvoice *ParsedInvoice `json:"parsed_invoice,omitempty"`

	// PREPARE output
	VendorProfile     *VendorProfile         `json:"vendor_profile,omitempty"`
	NormalizedInvoice map[string]interface{} `json:"normalized_invoice,omitempty"`
	Flags             map[string]interface{} `json:"flags,omitempty"`

	// RETRIEVE output
	MatchedPOs  []PurchaseOrder          `json:"matched_pos,omitempty"`
	MatchedGRNs []GoodsReceipt           `json:"matched_grns,omitempty"`
	History     []map[string]interface{} `json:"history,omitempty"`

	// MATCH_TWO_WAY output
	MatchScore    float64        `json:"match_score"`
	MatchResult   string         `json:"match_result,omitempty"`
	TolerancePct  float64        `json:"tolerance_pct,omitempty"`
	MatchEvidence *MatchEvidence `json:"match_evidence,omitempty"`

	// CHECKPOINT_HITL output
	HITLCheckpointID string `json:"hitl_checkpoint_id,omitempty"`
	ReviewURL        string `json:"review_url,omitempty"`
	PausedReason     string `json:"paused_reason,omitempty"`

	// HITL_DECISION output
	HumanDecision string `json:"human_decision,omitempty"`
	ReviewerID    string `json:"reviewer_id,omitempty"`
	ReviewerNotes string `json:"reviewer_notes,omitempty"`
	ResumeToken   string `json:"resume_token,omitempty"`

	// RECONCILE output
	AccountingEntries    []JournalEntry         `json:"accounting_entries,omitempty"`
	ReconciliationReport map[string]interface{} `json:"reconciliation_report,omitempty"`

	// APPROVE output
	ApprovalStatus string `json:"approval_status,omitempty"`
	ApproverID     string `json:"approver_id,omitempty"`

	// POSTING output
	Posted             bool   `json:"posted,omitempty"`
	ERPTransactionID   string `json:"erp_txn_id,omitempty"`
	ScheduledPaymentID string `json:"scheduled_payment_id,omitempty"`

	// NOTIFY output
	NotifyStatus    map[string]interface{} `json:"notify_status,omitempty"`
	NotifiedParties []string               `json:"notified_parties,omitempty"`

	// COMPLETE output
	FinalPayload map[string]interface{} `json:"final_payload,omitempty"`

	// Workflow metadata
	ThreadID     string `json:"thread_id"`
	CurrentStage string `json:"current_stage"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`

	// Accumulated data
	AuditLog          []AuditEntry             `json:"audit_log"`
	BigtoolSelections map[string]ToolSelection `json:"bigtool_selections"`
	ErrorLog          []ErrorEntry             `json:"error_log"`
}

// NewState creates the initial state for a thread.
func NewState(threadID string, payload InvoicePayload) State {
	return State{
		InvoicePayload:    payload,
		ThreadID:          threadID,
		CurrentStage:      "START",
		Status:            StatusRunning,
		AuditLog:          []AuditEntry{},
		BigtoolSelections: map[string]ToolSelection{},
		ErrorLog:          []ErrorEntry{},
	}
}

// Delta is a partial state update returned by a stage. Nil fields mean
// "no change". AuditLog and ErrorLog entries are appended, and
// BigtoolSelections are merged key by key; every other field replaces
// the previous value (last writer wins).
type Delta struct {
	InvoicePayload *InvoicePayload

	RawID     *string
	IngestTS  *string
	Validated *bool

	ParsedInvoice *ParsedInvoice

	VendorProfile     *VendorProfile
	NormalizedInvoice map[string]interface{}
	Flags             map[string]interface{}

	MatchedPOs  []PurchaseOrder
	MatchedGRNs []GoodsReceipt
	History     []map[string]interface{}

	MatchScore    *float64
	MatchResult   *string
	TolerancePct  *float64
	MatchEvidence *MatchEvidence

	HITLCheckpointID *string
	ReviewURL        *string
	PausedReason     *string

	HumanDecision *string
	ReviewerID    *string
	ReviewerNotes *string
	ResumeToken   *string

	AccountingEntries    []JournalEntry
	ReconciliationReport map[string]interface{}

	ApprovalStatus *string
	ApproverID     *string

	Posted             *bool
	ERPTransactionID   *string
	ScheduledPaymentID *string

	NotifyStatus    map[string]interface{}
	NotifiedParties []string

	FinalPayload map[string]interface{}

	CurrentStage *string
	Status       *string
	Error        *string

	AuditLog          []AuditEntry
	BigtoolSelections map[string]ToolSelection
	ErrorLog          []ErrorEntry
}

// Apply folds a delta into the state and returns the result.
func (s State) Apply(d *Delta) State {
	if d == nil {
		return s
	}

	if d.InvoicePayload != nil {
		s.InvoicePayload = *d.InvoicePayload
	}
	if d.RawID != nil {
		s.RawID = *d.RawID
	}
	if d.IngestTS != nil {
		s.IngestTS = *d.IngestTS
	}
	if d.Validated != nil {
		s.Validated = *d.Validated
	}
	if d.ParsedInvoice != nil {
		s.ParsedInvoice = d.ParsedInvoice
	}
	if d.VendorProfile != nil {
		s.VendorProfile = d.VendorProfile
	}
	if d.NormalizedInvoice != nil {
		s.NormalizedInvoice = d.NormalizedInvoice
	}
	if d.Flags != nil {
		s.Flags = d.Flags
	}
	if d.MatchedPOs != nil {
		s.MatchedPOs = d.MatchedPOs
	}
	if d.MatchedGRNs != nil {
		s.MatchedGRNs = d.MatchedGRNs
	}
	if d.History != nil {
		s.History = d.History
	}
	if d.MatchScore != nil {
		s.MatchScore = *d.MatchScore
	}
	if d.MatchResult != nil {
		s.MatchResult = *d.MatchResult
	}
	if d.TolerancePct != nil {
		s.TolerancePct = *d.TolerancePct
	}
	if d.MatchEvidence != nil {
		s.MatchEvidence = d.MatchEvidence
	}
	if d.HITLCheckpointID != nil {
		s.HITLCheckpointID = *d.HITLCheckpointID
	}
	if d.ReviewURL != nil {
		s.ReviewURL = *d.ReviewURL
	}
	if d.PausedReason != nil {
		s.PausedReason = *d.PausedReason
	}
	if d.HumanDecision != nil {
		s.HumanDecision = *d.HumanDecision
	}
	if d.ReviewerID != nil {
		s.ReviewerID = *d.ReviewerID
	}
	if d.ReviewerNotes != nil {
		s.ReviewerNotes = *d.ReviewerNotes
	}
	if d.ResumeToken != nil {
		s.ResumeToken = *d.ResumeToken
	}
	if d.AccountingEntries != nil {
		s.AccountingEntries = d.AccountingEntries
	}
	if d.ReconciliationReport != nil {
		s.ReconciliationReport = d.ReconciliationReport
	}
	if d.ApprovalStatus != nil {
		s.ApprovalStatus = *d.ApprovalStatus
	}
	if d.ApproverID != nil {
		s.ApproverID = *d.ApproverID
	}
	if d.Posted != nil {
		s.Posted = *d.Posted
	}
	if d.ERPTransactionID != nil {
		s.ERPTransactionID = *d.ERPTransactionID
	}
	if d.ScheduledPaymentID != nil {
		s.ScheduledPaymentID = *d.ScheduledPaymentID
	}
	if d.NotifyStatus != nil {
		s.NotifyStatus = d.NotifyStatus
	}
	if d.NotifiedParties != nil {
		s.NotifiedParties = d.NotifiedParties
	}
	if d.FinalPayload != nil {
		s.FinalPayload = d.FinalPayload
	}
	if d.CurrentStage != nil {
		s.CurrentStage = *d.CurrentStage
	}
	if d.Status != nil {
		s.Status = *d.Status
	}
	if d.Error != nil {
		s.Error = *d.Error
	}

	// Append-only reducers: entries accumulate, never replace.
	if len(d.AuditLog) > 0 {
		s.AuditLog = append(append([]AuditEntry{}, s.AuditLog...), d.AuditLog...)
	}
	if len(d.ErrorLog) > 0 {
		s.ErrorLog = append(append([]ErrorEntry{}, s.ErrorLog...), d.ErrorLog...)
	}

	// Tool selections merge per stage.
	if len(d.BigtoolSelections) > 0 {
		merged := make(map[string]ToolSelection, len(s.BigtoolSelections)+len(d.BigtoolSelections))
		for k, v := range s.BigtoolSelections {
			merged[k] = v
		}
		for k, v := range d.BigtoolSelections {
			merged[k] = v
		}
		s.BigtoolSelections = merged
	}

	return s
}

// Pointer helpers for building deltas.

// String returns a pointer to s.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Float64 returns a pointer to f.
func Float64(f float64) *float64 { return &f }

// Validate checks that a submitted payload carries the required fields.
func (p InvoicePayload) Validate() error {
	var missing []string
	if p.InvoiceID == "" {
		missing = append(missing, "invoice_id")
	}
	if p.VendorName == "" {
		missing = append(missing, "vendor_name")
	}
	if p.Amount <= 0 {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invoice payload missing required fields: %v", missing)
	}
	return nil
}
