package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/match"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// Server wire names.
const (
	ServerNameCommon = "COMMON"
	ServerNameAtlas  = "ATLAS"
)

const commonDescription = "Internal operations server - handles validation, storage, matching, and accounting"

// glCodes maps description keywords to general ledger codes. Order
// matters: the first keyword found in a line description wins.
var glCodes = []struct {
	keyword string
	code    string
}{
	{"software", "6200"},
	{"hardware", "1500"},
	{"license", "6210"},
	{"service", "6300"},
	{"support", "6310"},
	{"consulting", "6320"},
	{"maintenance", "6350"},
	{"equipment", "1510"},
	{"supply", "5100"},
	{"office", "5110"},
}

const defaultGLCode = "6000"

var (
	whitespaceRE  = regexp.MustCompile(`\s+`)
	vendorCharsRE = regexp.MustCompile(`[^\w\s\-&.]`)
)

// commonTools holds the COMMON server's handler state: checkpoint
// bookkeeping lives in memory, scoped to the server process, while
// audit trails go through the configured store.
type commonTools struct {
	tolerancePct   float64
	matchThreshold float64
	audit          hitl.AuditStore

	mu          sync.Mutex
	checkpoints map[string]map[string]interface{}
}

// NewCommonServer assembles the COMMON tool server: validation,
// persistence, parsing, normalization, matching, checkpoint
// bookkeeping, accounting entries, and audit persistence.
func NewCommonServer(opts ...ServerOption) *Server {
	s := NewServer(ServerNameCommon, commonDescription, opts...)
	ct := &commonTools{
		tolerancePct:   s.config.Workflow.TwoWayTolerancePct,
		matchThreshold: s.config.Workflow.MatchThreshold,
		audit:          s.audit,
		checkpoints:    make(map[string]map[string]interface{}),
	}
	for _, def := range ct.defs() {
		if err := s.RegisterTool(def); err != nil {
			s.logger.Error("Failed to register tool", map[string]interface{}{
				"operation": "register_tool",
				"tool":      def.Name,
				"error":     err.Error(),
			})
		}
	}
	return s
}

func (ct *commonTools) defs() []ToolDef {
	return []ToolDef{
		{
			Name:        "validate_invoice_schema",
			Description: "Validate invoice payload against the expected schema. Use this to verify invoice data structure before processing. Returns validation errors if schema is invalid.",
			InputSchema: objectSchema(map[string]interface{}{
				"payload":     property("object", "Invoice data to validate"),
				"schema_type": property("string", "Type of schema to validate against"),
			}, "payload"),
			Handler: ct.validateInvoiceSchema,
		},
		{
			Name:        "persist_invoice",
			Description: "Store invoice data to persistent storage. Use this to save raw invoice data for audit trail and later retrieval. Supports various storage backends.",
			InputSchema: objectSchema(map[string]interface{}{
				"payload":      property("object", "Invoice data to store"),
				"storage_type": property("string", "Storage backend to use"),
			}, "payload"),
			Handler: ct.persistInvoice,
		},
		{
			Name:        "persist_audit",
			Description: "Persist audit log entries for compliance and tracking. Use this to store workflow execution history and decision trails.",
			InputSchema: objectSchema(map[string]interface{}{
				"invoice_id":    property("string", "Invoice identifier"),
				"thread_id":     property("string", "Workflow thread identifier"),
				"audit_entries": property("array", "List of audit entries to store"),
			}, "invoice_id", "audit_entries"),
			Handler: ct.persistAudit,
		},
		{
			Name:        "parse_line_items",
			Description: "Parse and extract line items from invoice text. Use this to structure raw OCR text into individual line items with quantities and prices.",
			InputSchema: objectSchema(map[string]interface{}{
				"line_items": property("array", "Line items to parse"),
				"text":       property("string", "Raw invoice text to parse"),
			}),
			Handler: ct.parseLineItems,
		},
		{
			Name:        "normalize_vendor",
			Description: "Normalize vendor name to canonical form. Use this to standardize vendor names for consistent matching and deduplication.",
			InputSchema: objectSchema(map[string]interface{}{
				"vendor_name": property("string", "Raw vendor name to normalize"),
				"tax_id":      property("string", "Optional tax ID for validation"),
			}, "vendor_name"),
			Handler: ct.normalizeVendor,
		},
		{
			Name:        "create_checkpoint",
			Description: "Create a workflow checkpoint for HITL (Human-in-the-Loop) review. Use this when matching fails and human review is required.",
			InputSchema: objectSchema(map[string]interface{}{
				"workflow_id": property("string", "Workflow thread identifier"),
				"invoice_id":  property("string", "Invoice identifier"),
				"state":       property("object", "Current workflow state to checkpoint"),
				"reason":      property("string", "Reason for checkpoint"),
			}, "workflow_id", "state"),
			Handler: ct.createCheckpoint,
		},
		{
			Name:        "get_checkpoint",
			Description: "Retrieve a previously created checkpoint. Use this to resume a paused workflow after human review.",
			InputSchema: objectSchema(map[string]interface{}{
				"checkpoint_id": property("string", "Checkpoint identifier to retrieve"),
			}, "checkpoint_id"),
			Handler: ct.getCheckpoint,
		},
		{
			Name:        "compute_match",
			Description: "Compute 2-way match between invoice and purchase order. Use this to calculate match score and identify discrepancies.",
			InputSchema: objectSchema(map[string]interface{}{
				"invoice":         property("object", "Invoice data"),
				"purchase_orders": property("array", "List of POs to match against"),
				"tolerance_pct":   property("number", "Tolerance percentage for matching"),
				"match_threshold": property("number", "Score required for a MATCHED result"),
			}, "invoice", "purchase_orders"),
			Handler: ct.computeMatch,
		},
		{
			Name:        "build_entries",
			Description: "Build accounting journal entries from invoice data. Use this to create debit/credit entries for ERP posting.",
			InputSchema: objectSchema(map[string]interface{}{
				"invoice": property("object", "Invoice data"),
				"vendor":  property("object", "Vendor profile"),
			}, "invoice"),
			Handler: ct.buildEntries,
		},
	}
}

func (ct *commonTools) validateInvoiceSchema(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	payload := objectParam(params, "payload", params)
	schemaType := stringParam(params, "schema_type", "invoice")

	validationErrors := []string{}
	if schemaType == "invoice" {
		for _, field := range []string{"invoice_id", "vendor_name", "amount", "currency"} {
			if v, ok := payload[field]; !ok || v == nil {
				validationErrors = append(validationErrors, "Missing required field: "+field)
			}
		}
		if amount, ok := toFloat(payload["amount"]); ok && amount <= 0 {
			validationErrors = append(validationErrors, "Amount must be positive")
		}
		if currency := stringParam(payload, "currency", ""); currency != "" && len(currency) != 3 {
			validationErrors = append(validationErrors, "Currency must be 3-letter ISO code")
		}
	}

	return map[string]interface{}{
		"valid":          len(validationErrors) == 0,
		"errors":         validationErrors,
		"schema_type":    schemaType,
		"fields_checked": len(payload),
	}, nil
}

func (ct *commonTools) persistInvoice(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	payload := objectParam(params, "payload", params)
	storageType := stringParam(params, "storage_type", "database")

	size := 0
	if raw, err := json.Marshal(payload); err == nil {
		size = len(raw)
	}

	return map[string]interface{}{
		"raw_id":       hexID("RAW-", 12),
		"storage_type": storageType,
		"stored_at":    nowRFC3339(),
		"payload_size": size,
		"invoice_id":   payload["invoice_id"],
		"persisted":    true,
	}, nil
}

func (ct *commonTools) parseLineItems(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	lineItems := listParam(params, "line_items")

	parsed := make([]map[string]interface{}, 0, len(lineItems))
	totalAmount := 0.0
	codes := make(map[string]struct{})

	for idx, entry := range lineItems {
		item, ok := entry.(map[string]interface{})
		if !ok {
			item = map[string]interface{}{}
		}
		desc := stringParam(item, "desc", stringParam(item, "description", ""))
		quantity := floatParam(item, "quantity", floatParam(item, "qty", 1))
		unitPrice := floatParam(item, "unit_price", floatParam(item, "price", 0))
		amount := floatParam(item, "amount", quantity*unitPrice)

		glCode := defaultGLCode
		descLower := strings.ToLower(desc)
		for _, mapping := range glCodes {
			if strings.Contains(descLower, mapping.keyword) {
				glCode = mapping.code
				break
			}
		}

		parsed = append(parsed, map[string]interface{}{
			"line_number":    idx + 1,
			"description":    desc,
			"quantity":       quantity,
			"unit_price":     unitPrice,
			"amount":         amount,
			"gl_code":        glCode,
			"tax_applicable": true,
		})
		totalAmount += amount
		codes[glCode] = struct{}{}
	}

	return map[string]interface{}{
		"parsed_items":      parsed,
		"total_items":       len(parsed),
		"total_amount":      totalAmount,
		"gl_codes_assigned": len(codes),
	}, nil
}

func (ct *commonTools) normalizeVendor(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	vendorName := stringParam(params, "vendor_name", "")

	normalized := strings.TrimSpace(vendorName)
	normalized = whitespaceRE.ReplaceAllString(normalized, " ")
	normalized = vendorCharsRE.ReplaceAllString(normalized, "")

	canonical := strings.ToLower(normalized)
	for _, suffix := range []string{" inc", " llc", " ltd", " corp", " corporation", " company", " co"} {
		if strings.HasSuffix(canonical, suffix) {
			canonical = strings.TrimSuffix(canonical, suffix)
			break
		}
	}

	return map[string]interface{}{
		"original_name":   vendorName,
		"normalized_name": normalized,
		"canonical_name":  titleCase(canonical),
		"vendor_id":       hexID("VND-", 8),
		"normalized_at":   nowRFC3339(),
	}, nil
}

func (ct *commonTools) createCheckpoint(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	requiredFields := params["required_fields"]
	if requiredFields == nil {
		requiredFields = []interface{}{}
	}

	checkpoint := map[string]interface{}{
		"checkpoint_id":   hexID("CP-", 12),
		"workflow_id":     params["workflow_id"],
		"invoice_id":      params["invoice_id"],
		"state":           objectParam(params, "state", map[string]interface{}{}),
		"reason":          stringParam(params, "reason", "Manual review required"),
		"required_fields": requiredFields,
		"created_at":      nowRFC3339(),
		"status":          "pending",
	}

	ct.mu.Lock()
	ct.checkpoints[checkpoint["checkpoint_id"].(string)] = checkpoint
	ct.mu.Unlock()

	return checkpoint, nil
}

func (ct *commonTools) getCheckpoint(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	checkpointID := stringParam(params, "checkpoint_id", "")
	if checkpointID == "" {
		return nil, fmt.Errorf("checkpoint_id required")
	}

	ct.mu.Lock()
	checkpoint, ok := ct.checkpoints[checkpointID]
	ct.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("Checkpoint %s not found", checkpointID)
	}
	return checkpoint, nil
}

func (ct *commonTools) computeMatch(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	invoice := objectParam(params, "invoice", map[string]interface{}{})
	pos := listParam(params, "purchase_orders")
	tolerance := floatParam(params, "tolerance_pct", ct.tolerancePct)
	threshold := floatParam(params, "match_threshold", ct.matchThreshold)

	if len(pos) == 0 {
		return map[string]interface{}{
			"match_score":  0.0,
			"match_result": match.ResultFailed,
			"evidence":     map[string]interface{}{"error": "No POs to match"},
		}, nil
	}

	po, _ := pos[0].(map[string]interface{})
	outcome := match.Compute(
		match.InvoiceFromMap(invoice),
		match.PurchaseOrderFromMap(po),
		tolerance,
		threshold,
	)

	return map[string]interface{}{
		"match_score":  outcome.Score,
		"match_result": outcome.Result,
		"evidence":     outcome.Evidence,
	}, nil
}

func (ct *commonTools) buildEntries(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	invoice := objectParam(params, "invoice", map[string]interface{}{})
	vendor := objectParam(params, "vendor", map[string]interface{}{})

	amount := floatParam(invoice, "amount", 0)
	invoiceID := stringParam(invoice, "invoice_id", "")
	currency := stringParam(invoice, "currency", "USD")
	vendorName := stringParam(vendor, "normalized_name", stringParam(invoice, "vendor_name", ""))

	return map[string]interface{}{
		"entries": workflow.BuildJournalEntries(invoiceID, amount, currency, vendorName),
	}, nil
}

func (ct *commonTools) persistAudit(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	invoiceID := stringParam(params, "invoice_id", "")
	threadID := stringParam(params, "thread_id", invoiceID)
	auditEntries := listParam(params, "audit_entries")

	if ct.audit != nil && threadID != "" {
		records := make([]hitl.AuditRecord, 0, len(auditEntries))
		for _, entry := range auditEntries {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			rec := hitl.AuditRecord{
				InvoiceID: invoiceID,
				Stage:     stringParam(m, "stage", ""),
				Action:    stringParam(m, "action", ""),
				Details:   objectParam(m, "details", nil),
			}
			if ts, err := time.Parse(time.RFC3339, stringParam(m, "timestamp", "")); err == nil {
				rec.Timestamp = ts
			}
			records = append(records, rec)
		}
		if err := ct.audit.Append(ctx, threadID, records); err != nil {
			return nil, fmt.Errorf("failed to persist audit trail for %s: %w", threadID, err)
		}
	}

	return map[string]interface{}{
		"audit_id":          hexID("AUDIT-", 10),
		"invoice_id":        invoiceID,
		"raw_id":            stringParam(params, "raw_id", ""),
		"entries_persisted": len(auditEntries),
		"persisted":         true,
		"persisted_at":      nowRFC3339(),
	}, nil
}

// titleCase uppercases the first letter of each word. Input is
// expected to be lowercase already.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		runes := []rune(word)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
