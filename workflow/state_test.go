package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() InvoicePayload {
	return InvoicePayload{
		InvoiceID:  "INV-2024-001",
		VendorName: "Acme Corporation Inc.",
		Amount:     11500.00,
		Currency:   "USD",
		DueDate:    "2024-03-15",
		LineItems: []LineItem{
			{Description: "Cloud software license", Quantity: 10, UnitPrice: 1000, Amount: 10000},
			{Description: "Support services", Quantity: 5, UnitPrice: 300, Amount: 1500},
		},
	}
}

// TestNewState verifies the initial state of a freshly submitted thread
func TestNewState(t *testing.T) {
	s := NewState("thread-1", testPayload())

	assert.Equal(t, "thread-1", s.ThreadID)
	assert.Equal(t, StageStart, s.CurrentStage)
	assert.Equal(t, StatusRunning, s.Status)
	assert.Equal(t, "INV-2024-001", s.InvoicePayload.InvoiceID)
	assert.Empty(t, s.AuditLog)
	assert.Empty(t, s.ErrorLog)
	assert.Empty(t, s.BigtoolSelections)
	assert.False(t, s.Validated)
}

// TestApplyNilDelta verifies a nil delta leaves the state untouched
func TestApplyNilDelta(t *testing.T) {
	s := NewState("thread-1", testPayload())
	out := s.Apply(nil)
	assert.Equal(t, s, out)
}

func TestApplyScalarsLastWriterWins(t *testing.T) {
	s := NewState("thread-1", testPayload())

	s = s.Apply(&Delta{
		CurrentStage: String(StageIntake),
		RawID:        String("RAW-AAA"),
		Validated:    Bool(true),
	})
	s = s.Apply(&Delta{
		CurrentStage: String(StageUnderstand),
		RawID:        String("RAW-BBB"),
		MatchScore:   Float64(0.92),
	})

	assert.Equal(t, StageUnderstand, s.CurrentStage)
	assert.Equal(t, "RAW-BBB", s.RawID)
	assert.True(t, s.Validated)
	assert.Equal(t, 0.92, s.MatchScore)
}

// TestApplyAuditLogAppends verifies the audit log accumulates across
// deltas instead of being replaced.
func TestApplyAuditLogAppends(t *testing.T) {
	s := NewState("thread-1", testPayload())

	s = s.Apply(&Delta{AuditLog: []AuditEntry{{Stage: StageIntake, Action: "invoice_ingested"}}})
	s = s.Apply(&Delta{AuditLog: []AuditEntry{{Stage: StageUnderstand, Action: "ocr_completed"}}})
	s = s.Apply(&Delta{AuditLog: []AuditEntry{
		{Stage: StagePosting, Action: "posted_to_erp"},
		{Stage: StagePosting, Action: "payment_scheduled"},
	}})

	require.Len(t, s.AuditLog, 4)
	assert.Equal(t, "invoice_ingested", s.AuditLog[0].Action)
	assert.Equal(t, "ocr_completed", s.AuditLog[1].Action)
	assert.Equal(t, "posted_to_erp", s.AuditLog[2].Action)
	assert.Equal(t, "payment_scheduled", s.AuditLog[3].Action)
}

// TestApplyDoesNotAliasAuditLog verifies that applying a delta to a
// snapshot does not mutate the audit log of a state derived earlier.
func TestApplyDoesNotAliasAuditLog(t *testing.T) {
	base := NewState("thread-1", testPayload())
	base = base.Apply(&Delta{AuditLog: []AuditEntry{{Stage: StageIntake, Action: "invoice_ingested"}}})

	fork1 := base.Apply(&Delta{AuditLog: []AuditEntry{{Stage: StageUnderstand, Action: "ocr_completed"}}})
	fork2 := base.Apply(&Delta{AuditLog: []AuditEntry{{Stage: StagePrepare, Action: "vendor_normalized_enriched"}}})

	require.Len(t, base.AuditLog, 1)
	require.Len(t, fork1.AuditLog, 2)
	require.Len(t, fork2.AuditLog, 2)
	assert.Equal(t, "ocr_completed", fork1.AuditLog[1].Action)
	assert.Equal(t, "vendor_normalized_enriched", fork2.AuditLog[1].Action)
}

func TestApplyErrorLogAppends(t *testing.T) {
	s := NewState("thread-1", testPayload())

	s = s.Apply(&Delta{ErrorLog: []ErrorEntry{{Stage: StageIntake, Error: "schema violation", Agent: "intake"}}})
	s = s.Apply(&Delta{ErrorLog: []ErrorEntry{{Stage: StageMatchTwoWay, Error: "timeout", Agent: "match"}}})

	require.Len(t, s.ErrorLog, 2)
	assert.Equal(t, "schema violation", s.ErrorLog[0].Error)
	assert.Equal(t, "timeout", s.ErrorLog[1].Error)
}

// TestApplyBigtoolSelectionsMerge verifies per-stage tool selections
// merge by key, with later selections overwriting the same stage.
func TestApplyBigtoolSelectionsMerge(t *testing.T) {
	s := NewState("thread-1", testPayload())

	s = s.Apply(&Delta{BigtoolSelections: map[string]ToolSelection{
		StageIntake: {Capability: "storage", SelectedTool: "local_fs"},
	}})
	s = s.Apply(&Delta{BigtoolSelections: map[string]ToolSelection{
		StageUnderstand: {Capability: "ocr", SelectedTool: "google_vision"},
	}})
	s = s.Apply(&Delta{BigtoolSelections: map[string]ToolSelection{
		StageIntake: {Capability: "storage", SelectedTool: "s3"},
	}})

	require.Len(t, s.BigtoolSelections, 2)
	assert.Equal(t, "s3", s.BigtoolSelections[StageIntake].SelectedTool)
	assert.Equal(t, "google_vision", s.BigtoolSelections[StageUnderstand].SelectedTool)
}

func TestApplyStructuredFields(t *testing.T) {
	s := NewState("thread-1", testPayload())

	s = s.Apply(&Delta{
		VendorProfile: &VendorProfile{NormalizedName: "ACME CORPORATION", RiskScore: 0.15},
		MatchedPOs: []PurchaseOrder{
			{PONumber: "PO-2024-001", TotalAmount: 11500, Status: "APPROVED"},
		},
		AccountingEntries: []JournalEntry{
			{EntryID: "JE-AB12CD34-01", Type: "DEBIT", Account: "6000-Expenses", Amount: 11500},
			{EntryID: "JE-AB12CD34-02", Type: "CREDIT", Account: "2100-Accounts Payable", Amount: 11500},
		},
	})

	require.NotNil(t, s.VendorProfile)
	assert.Equal(t, "ACME CORPORATION", s.VendorProfile.NormalizedName)
	require.Len(t, s.MatchedPOs, 1)
	require.Len(t, s.AccountingEntries, 2)
	assert.Equal(t, "DEBIT", s.AccountingEntries[0].Type)
	assert.Equal(t, "CREDIT", s.AccountingEntries[1].Type)
}

func TestPayloadValidate(t *testing.T) {
	valid := testPayload()
	assert.NoError(t, valid.Validate())

	missing := InvoicePayload{VendorName: "Acme", Amount: 100}
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoice_id")

	zeroAmount := InvoicePayload{InvoiceID: "INV-1", VendorName: "Acme"}
	err = zeroAmount.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount")
}

// TestStageCatalog pins the published stage order and execution modes.
func TestStageCatalog(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, 12)

	assert.Equal(t, StageIntake, stages[0].ID)
	assert.Equal(t, StageComplete, stages[11].ID)

	for _, st := range stages {
		if st.ID == StageHITLDecision {
			assert.Equal(t, ModeNonDeterministic, st.Mode)
		} else {
			assert.Equal(t, ModeDeterministic, st.Mode, "stage %s", st.ID)
		}
	}
}
