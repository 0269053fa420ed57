package mcp

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/invoiceflow/hitl"
)

func validPayload() map[string]interface{} {
	return map[string]interface{}{
		"invoice_id":  "INV-2024-001",
		"vendor_name": "Acme Corporation Inc.",
		"amount":      11500.00,
		"currency":    "USD",
	}
}

func TestValidateInvoiceSchema(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	t.Run("valid payload", func(t *testing.T) {
		result := resultOf(t, invokeTool(t, ts.URL, "validate_invoice_schema", map[string]interface{}{
			"payload": validPayload(),
		}))
		assert.Equal(t, true, result["valid"])
		assert.Empty(t, result["errors"])
		assert.Equal(t, "invoice", result["schema_type"])
		assert.EqualValues(t, 4, result["fields_checked"])
	})

	t.Run("missing fields", func(t *testing.T) {
		result := resultOf(t, invokeTool(t, ts.URL, "validate_invoice_schema", map[string]interface{}{
			"payload": map[string]interface{}{"invoice_id": "INV-1"},
		}))
		assert.Equal(t, false, result["valid"])
		errs := result["errors"].([]interface{})
		assert.Contains(t, errs, "Missing required field: vendor_name")
		assert.Contains(t, errs, "Missing required field: amount")
		assert.Contains(t, errs, "Missing required field: currency")
	})

	t.Run("negative amount and bad currency", func(t *testing.T) {
		payload := validPayload()
		payload["amount"] = -5.0
		payload["currency"] = "DOLLARS"
		result := resultOf(t, invokeTool(t, ts.URL, "validate_invoice_schema", map[string]interface{}{
			"payload": payload,
		}))
		errs := result["errors"].([]interface{})
		assert.Contains(t, errs, "Amount must be positive")
		assert.Contains(t, errs, "Currency must be 3-letter ISO code")
	})

	t.Run("top-level params used when payload missing", func(t *testing.T) {
		result := resultOf(t, invokeTool(t, ts.URL, "validate_invoice_schema", validPayload()))
		assert.Equal(t, true, result["valid"])
	})
}

func TestPersistInvoice(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	result := resultOf(t, invokeTool(t, ts.URL, "persist_invoice", map[string]interface{}{
		"payload": validPayload(),
	}))

	assert.Regexp(t, regexp.MustCompile(`^RAW-[0-9A-F]{12}$`), result["raw_id"])
	assert.Equal(t, "database", result["storage_type"])
	assert.Equal(t, "INV-2024-001", result["invoice_id"])
	assert.Equal(t, true, result["persisted"])
	assert.Greater(t, result["payload_size"].(float64), 0.0)
	assert.NotEmpty(t, result["stored_at"])
}

func TestParseLineItems(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	result := resultOf(t, invokeTool(t, ts.URL, "parse_line_items", map[string]interface{}{
		"line_items": []interface{}{
			map[string]interface{}{"desc": "Cloud Software License", "qty": 100, "price": 45.00},
			map[string]interface{}{"description": "Consulting Hours", "quantity": 50, "unit_price": 140.00},
			map[string]interface{}{"description": "Misc charge", "amount": 250.00},
		},
	}))

	items := result["parsed_items"].([]interface{})
	require.Len(t, items, 3)

	first := items[0].(map[string]interface{})
	assert.EqualValues(t, 1, first["line_number"])
	assert.Equal(t, "Cloud Software License", first["description"])
	assert.EqualValues(t, 100, first["quantity"])
	assert.EqualValues(t, 45.0, first["unit_price"])
	assert.EqualValues(t, 4500.0, first["amount"], "amount defaults to qty*price")
	assert.Equal(t, "6200", first["gl_code"], "software keyword maps to 6200")
	assert.Equal(t, true, first["tax_applicable"])

	second := items[1].(map[string]interface{})
	assert.Equal(t, "6320", second["gl_code"], "consulting keyword maps to 6320")

	third := items[2].(map[string]interface{})
	assert.Equal(t, "6000", third["gl_code"], "unmatched description falls back to default")
	assert.EqualValues(t, 250.0, third["amount"], "explicit amount wins")

	assert.EqualValues(t, 3, result["total_items"])
	assert.EqualValues(t, 4500.0+7000.0+250.0, result["total_amount"])
	assert.EqualValues(t, 3, result["gl_codes_assigned"])
}

func TestParseLineItemsKeywordOrder(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	result := resultOf(t, invokeTool(t, ts.URL, "parse_line_items", map[string]interface{}{
		"line_items": []interface{}{
			map[string]interface{}{"description": "Software support bundle", "quantity": 1, "unit_price": 100},
		},
	}))

	item := result["parsed_items"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "6200", item["gl_code"], "earlier keyword in the mapping wins")
}

func TestNormalizeVendor(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	tests := []struct {
		name          string
		input         string
		wantNormal    string
		wantCanonical string
	}{
		{"strips punctuation and suffix", "  Acme   Corp!! Inc  ", "Acme Corp Inc", "Acme Corp"},
		{"corporation suffix", "Globex Corporation", "Globex Corporation", "Globex"},
		{"keeps ampersand and dots", "Smith & Sons Co.", "Smith & Sons Co.", "Smith & Sons Co."},
		{"no suffix", "TechFlow", "TechFlow", "Techflow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := resultOf(t, invokeTool(t, ts.URL, "normalize_vendor", map[string]interface{}{
				"vendor_name": tt.input,
			}))
			assert.Equal(t, tt.input, result["original_name"])
			assert.Equal(t, tt.wantNormal, result["normalized_name"])
			assert.Equal(t, tt.wantCanonical, result["canonical_name"])
			assert.Regexp(t, regexp.MustCompile(`^VND-[0-9A-F]{8}$`), result["vendor_id"])
		})
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	created := resultOf(t, invokeTool(t, ts.URL, "create_checkpoint", map[string]interface{}{
		"workflow_id": "wf-123",
		"invoice_id":  "INV-2024-001",
		"state":       map[string]interface{}{"match_score": 0.42},
	}))

	checkpointID, ok := created["checkpoint_id"].(string)
	require.True(t, ok)
	assert.Regexp(t, regexp.MustCompile(`^CP-[0-9A-F]{12}$`), checkpointID)
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, "Manual review required", created["reason"])
	assert.Equal(t, "wf-123", created["workflow_id"])

	fetched := invokeTool(t, ts.URL, "get_checkpoint", map[string]interface{}{
		"checkpoint_id": checkpointID,
	})
	assert.Equal(t, true, fetched["success"])
	assert.Equal(t, checkpointID, resultOf(t, fetched)["checkpoint_id"])
}

func TestGetCheckpointFailures(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	missing := invokeTool(t, ts.URL, "get_checkpoint", map[string]interface{}{})
	assert.Equal(t, false, missing["success"])
	assert.Equal(t, "checkpoint_id required", resultOf(t, missing)["error"])

	unknown := invokeTool(t, ts.URL, "get_checkpoint", map[string]interface{}{
		"checkpoint_id": "CP-DOESNOTEXIST",
	})
	assert.Equal(t, false, unknown["success"])
	assert.Equal(t, "Checkpoint CP-DOESNOTEXIST not found", resultOf(t, unknown)["error"])
}

func TestComputeMatchWeighted(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	invoice := map[string]interface{}{
		"invoice_id": "INV-2024-001",
		"amount":     11500.00,
		"line_items": []interface{}{
			map[string]interface{}{"description": "Cloud Software License", "quantity": 100, "unit_price": 45.00},
			map[string]interface{}{"description": "Support Services", "quantity": 50, "unit_price": 140.00},
		},
	}
	po := map[string]interface{}{
		"po_number":    "PO-2024-001",
		"total_amount": 11500.00,
		"line_items": []interface{}{
			map[string]interface{}{"description": "Cloud Software License", "quantity": 100, "unit_price": 45.00},
			map[string]interface{}{"description": "Support Services", "quantity": 50, "unit_price": 140.00},
		},
	}

	result := resultOf(t, invokeTool(t, ts.URL, "compute_match", map[string]interface{}{
		"invoice":         invoice,
		"purchase_orders": []interface{}{po},
	}))

	assert.EqualValues(t, 1.0, result["match_score"])
	assert.Equal(t, "MATCHED", result["match_result"])

	evidence := result["evidence"].(map[string]interface{})
	assert.EqualValues(t, 1.0, evidence["amount_score"])
	assert.EqualValues(t, 1.0, evidence["quantity_score"])
	assert.EqualValues(t, 1.0, evidence["price_score"])
	assert.Equal(t, "PO-2024-001", evidence["po_number"])
}

func TestComputeMatchNoPOs(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	result := resultOf(t, invokeTool(t, ts.URL, "compute_match", map[string]interface{}{
		"invoice":         validPayload(),
		"purchase_orders": []interface{}{},
	}))

	assert.EqualValues(t, 0.0, result["match_score"])
	assert.Equal(t, "FAILED", result["match_result"])
	evidence := result["evidence"].(map[string]interface{})
	assert.Equal(t, "No POs to match", evidence["error"])
}

func TestComputeMatchThresholdParam(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	// Amount off by 15%, identical lines: score 0.60.
	invoice := map[string]interface{}{
		"amount": 11500.00,
		"line_items": []interface{}{
			map[string]interface{}{"quantity": 1, "unit_price": 100.00},
		},
	}
	po := map[string]interface{}{
		"total_amount": 10000.00,
		"line_items": []interface{}{
			map[string]interface{}{"quantity": 1, "unit_price": 100.00},
		},
	}

	result := resultOf(t, invokeTool(t, ts.URL, "compute_match", map[string]interface{}{
		"invoice":         invoice,
		"purchase_orders": []interface{}{po},
		"match_threshold": 0.5,
	}))

	assert.EqualValues(t, 0.6, result["match_score"])
	assert.Equal(t, "MATCHED", result["match_result"], "relaxed threshold flips the outcome")
}

func TestBuildEntries(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	result := resultOf(t, invokeTool(t, ts.URL, "build_entries", map[string]interface{}{
		"invoice": validPayload(),
		"vendor":  map[string]interface{}{"normalized_name": "Acme Corporation"},
	}))

	entries := result["entries"].([]interface{})
	require.Len(t, entries, 2)

	debit := entries[0].(map[string]interface{})
	credit := entries[1].(map[string]interface{})

	assert.Regexp(t, regexp.MustCompile(`^JE-[0-9A-F]{8}-01$`), debit["entry_id"])
	assert.Regexp(t, regexp.MustCompile(`^JE-[0-9A-F]{8}-02$`), credit["entry_id"])
	assert.Equal(t, debit["entry_id"].(string)[:11], credit["entry_id"].(string)[:11], "entries share a base ID")

	assert.Equal(t, "DEBIT", debit["type"])
	assert.Equal(t, "6000-Expenses", debit["account"])
	assert.Equal(t, "Expense for invoice INV-2024-001 - Acme Corporation", debit["description"])

	assert.Equal(t, "CREDIT", credit["type"])
	assert.Equal(t, "2100-Accounts Payable", credit["account"])
	assert.Equal(t, "Payable to Acme Corporation", credit["description"])

	assert.Equal(t, debit["amount"], credit["amount"], "entries balance")
	assert.EqualValues(t, 11500.00, debit["amount"])
	assert.Equal(t, "INV-2024-001", debit["reference"])
	assert.Equal(t, "USD", debit["currency"])
}

func TestPersistAudit(t *testing.T) {
	ts := startServer(t, NewCommonServer())

	result := resultOf(t, invokeTool(t, ts.URL, "persist_audit", map[string]interface{}{
		"invoice_id": "INV-2024-001",
		"raw_id":     "RAW-AABBCCDDEEFF",
		"audit_entries": []interface{}{
			map[string]interface{}{"action": "intake_complete"},
			map[string]interface{}{"action": "match_computed"},
		},
	}))

	assert.Regexp(t, regexp.MustCompile(`^AUDIT-[0-9A-F]{10}$`), result["audit_id"])
	assert.Equal(t, "INV-2024-001", result["invoice_id"])
	assert.Equal(t, "RAW-AABBCCDDEEFF", result["raw_id"])
	assert.EqualValues(t, 2, result["entries_persisted"])
	assert.Equal(t, true, result["persisted"])
}

func TestPersistAuditWritesThroughStore(t *testing.T) {
	audit := hitl.NewInMemoryAuditStore()
	ts := startServer(t, NewCommonServer(WithAuditStore(audit)))

	resultOf(t, invokeTool(t, ts.URL, "persist_audit", map[string]interface{}{
		"invoice_id": "INV-2024-001",
		"thread_id":  "thread-audit",
		"audit_entries": []interface{}{
			map[string]interface{}{
				"stage":     "INTAKE",
				"action":    "invoice_received",
				"timestamp": "2026-04-01T09:30:00Z",
				"details":   map[string]interface{}{"vendor": "Acme Corp"},
			},
			map[string]interface{}{"stage": "COMPLETE", "action": "workflow_completed"},
		},
	}))

	trail, err := audit.List(context.Background(), "thread-audit")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "INV-2024-001", trail[0].InvoiceID)
	assert.Equal(t, "INTAKE", trail[0].Stage)
	assert.Equal(t, "invoice_received", trail[0].Action)
	assert.Equal(t, "Acme Corp", trail[0].Details["vendor"])
	assert.Equal(t, 2026, trail[0].Timestamp.Year())
	assert.Equal(t, "workflow_completed", trail[1].Action)
	assert.False(t, trail[1].Timestamp.IsZero(), "missing timestamps are stamped on append")
}

// Without a thread_id the trail is keyed by invoice, so audit history
// from callers that only know the invoice still lands somewhere findable.
func TestPersistAuditFallsBackToInvoiceKey(t *testing.T) {
	audit := hitl.NewInMemoryAuditStore()
	ts := startServer(t, NewCommonServer(WithAuditStore(audit)))

	resultOf(t, invokeTool(t, ts.URL, "persist_audit", map[string]interface{}{
		"invoice_id": "INV-2024-002",
		"audit_entries": []interface{}{
			map[string]interface{}{"stage": "POSTING", "action": "posted_to_erp"},
		},
	}))

	trail, err := audit.List(context.Background(), "INV-2024-002")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "posted_to_erp", trail[0].Action)
}
