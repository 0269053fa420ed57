package mcp

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/itsneelabh/invoiceflow/policy"
)

const atlasDescription = "External operations server - handles OCR, vendor enrichment, ERP integration, payments, and notifications"

// atlasTools implements the externally-facing tool set. The data it
// returns is simulated: amounts, dates, and identifiers are generated
// so the pipeline can run end to end without live ERP or OCR vendors.
type atlasTools struct{}

// NewAtlasServer assembles the ATLAS tool server: OCR, vendor
// enrichment, PO and GRN fetch, ERP posting, payment scheduling,
// notifications, and approval policy.
func NewAtlasServer(opts ...ServerOption) *Server {
	s := NewServer(ServerNameAtlas, atlasDescription, opts...)
	at := &atlasTools{}
	for _, def := range at.defs() {
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

func (at *atlasTools) defs() []ToolDef {
	return []ToolDef{
		{
			Name:        "extract_ocr",
			Description: "Extract text and structured fields from invoice documents using OCR. Use this to read scanned or photographed invoices before parsing.",
			InputSchema: objectSchema(map[string]interface{}{
				"file_path":   property("string", "Path to the document"),
				"file_base64": property("string", "Base64 encoded document"),
				"file_type":   property("string", "Document type (pdf, image)"),
			}),
			Handler: at.extractOCR,
		},
		{
			Name:        "enrich_vendor",
			Description: "Enrich vendor data from external sources. Use this to pull legal name, tax ID, industry, and risk profile for a vendor.",
			InputSchema: objectSchema(map[string]interface{}{
				"vendor_name": property("string", "Name of the vendor"),
				"vendor_id":   property("string", "Optional vendor ID"),
				"domain":      property("string", "Optional company domain"),
			}, "vendor_name"),
			Handler: at.enrichVendor,
		},
		{
			Name:        "fetch_po_data",
			Description: "Fetch purchase order data from the ERP system. Use this to retrieve the POs an invoice should be matched against.",
			InputSchema: objectSchema(map[string]interface{}{
				"po_number":  property("string", "Purchase order number"),
				"vendor_id":  property("string", "Vendor identifier"),
				"invoice_id": property("string", "Related invoice ID"),
			}),
			Handler: at.fetchPOData,
		},
		{
			Name:        "fetch_grn_data",
			Description: "Fetch goods receipt note data from the ERP system. Use this to confirm what was actually received against a PO.",
			InputSchema: objectSchema(map[string]interface{}{
				"grn_number": property("string", "GRN number"),
				"po_number":  property("string", "Related PO number"),
				"invoice_id": property("string", "Related invoice ID"),
			}),
			Handler: at.fetchGRNData,
		},
		{
			Name:        "post_to_erp",
			Description: "Post an approved invoice to the ERP system. Use this to create the vendor invoice document after reconciliation.",
			InputSchema: objectSchema(map[string]interface{}{
				"invoice_id":      property("string", "Invoice identifier"),
				"invoice_data":    property("object", "Complete invoice data"),
				"journal_entries": property("array", "Accounting entries to post"),
			}),
			Handler: at.postToERP,
		},
		{
			Name:        "schedule_payment",
			Description: "Schedule payment for an approved invoice. Use this to queue an ACH, wire, or check payment by due date.",
			InputSchema: objectSchema(map[string]interface{}{
				"invoice_id": property("string", "Invoice identifier"),
				"amount":     property("number", "Payment amount"),
				"currency":   property("string", "Payment currency"),
				"due_date":   property("string", "Payment due date"),
				"vendor_id":  property("string", "Vendor identifier"),
			}),
			Handler: at.schedulePayment,
		},
		{
			Name:        "send_notification",
			Description: "Send notification via email or other channels. Use this to inform vendors and finance about processing outcomes.",
			InputSchema: objectSchema(map[string]interface{}{
				"recipient":         property("string", "Notification recipient"),
				"notification_type": property("string", "Type of notification"),
				"subject":           property("string", "Notification subject"),
				"message":           property("string", "Notification message"),
				"invoice_id":        property("string", "Related invoice ID"),
			}),
			Handler: at.sendNotification,
		},
		{
			Name:        "apply_policy",
			Description: "Apply approval policy to an invoice. Use this to decide the approval route based on amount and vendor risk.",
			InputSchema: objectSchema(map[string]interface{}{
				"invoice": property("object", "Invoice data"),
				"vendor":  property("object", "Vendor profile"),
				"amount":  property("number", "Invoice amount"),
			}),
			Handler: at.applyPolicy,
		},
	}
}

func (at *atlasTools) extractOCR(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	fileType := stringParam(params, "file_type", "pdf")

	invoiceID := fmt.Sprintf("INV-%d", randInt(10000, 99999))
	vendor := pick("Acme Corp", "TechFlow Inc", "Global Services LLC", "DataSoft Ltd")
	amount := round2(randBetween(1000, 50000))

	return map[string]interface{}{
		"extracted_data": map[string]interface{}{
			"invoice_number": invoiceID,
			"vendor_name":    vendor,
			"invoice_date":   dateOffset(-randInt(1, 30)),
			"due_date":       dateOffset(randInt(15, 45)),
			"amount":         amount,
			"currency":       "USD",
			"line_items": []map[string]interface{}{
				{"description": "Professional Services", "quantity": 1, "unit_price": amount * 0.7, "amount": amount * 0.7},
				{"description": "Support & Maintenance", "quantity": 1, "unit_price": amount * 0.3, "amount": amount * 0.3},
			},
			"payment_terms": "NET30",
			"tax_amount":    round2(amount * 0.08),
		},
		"confidence":   round2(randBetween(0.85, 0.98)),
		"ocr_engine":   "google_vision",
		"file_type":    fileType,
		"extracted_at": nowRFC3339(),
	}, nil
}

func (at *atlasTools) enrichVendor(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	vendorName := stringParam(params, "vendor_name", "Unknown Vendor")
	vendorID := stringParam(params, "vendor_id", hexID("VND-", 8))

	return map[string]interface{}{
		"vendor_id":   vendorID,
		"vendor_name": vendorName,
		"enriched_data": map[string]interface{}{
			"legal_name":     vendorName + " Corporation",
			"tax_id":         fmt.Sprintf("%d-%d", randInt(10, 99), randInt(1000000, 9999999)),
			"duns_number":    strconv.Itoa(randInt(100000000, 999999999)),
			"industry":       pick("Technology", "Manufacturing", "Services", "Healthcare"),
			"employee_count": randInt(50, 5000),
			"revenue_range":  pick("$10M-$50M", "$50M-$100M", "$100M-$500M"),
			"address": map[string]interface{}{
				"street":  fmt.Sprintf("%d Tech Boulevard", randInt(100, 9999)),
				"city":    pick("San Francisco", "Austin", "Seattle", "Boston"),
				"state":   pick("CA", "TX", "WA", "MA"),
				"zip":     strconv.Itoa(randInt(10000, 99999)),
				"country": "USA",
			},
			"payment_terms_default": "NET30",
			"risk_score":            round2(randBetween(0.1, 0.5)),
		},
		"enrichment_source": "clearbit",
		"enriched_at":       nowRFC3339(),
		"confidence":        round2(randBetween(0.80, 0.95)),
	}, nil
}

func (at *atlasTools) fetchPOData(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	poNumber := stringParam(params, "po_number", fmt.Sprintf("PO-%d", randInt(10000, 99999)))
	vendorID := stringParam(params, "vendor_id", "")

	poAmount := round2(randBetween(5000, 50000))

	return map[string]interface{}{
		"po_number": poNumber,
		"po_data": map[string]interface{}{
			"vendor_id": vendorID,
			"po_date":   dateOffset(-randInt(30, 90)),
			"po_amount": poAmount,
			"currency":  "USD",
			"status":    "APPROVED",
			"line_items": []map[string]interface{}{
				{"description": "Professional Services", "quantity": 1, "unit_price": poAmount * 0.7},
				{"description": "Support & Maintenance", "quantity": 1, "unit_price": poAmount * 0.3},
			},
			"approver":    "John Manager",
			"cost_center": fmt.Sprintf("CC-%d", randInt(100, 999)),
			"department":  pick("Engineering", "Operations", "IT", "Finance"),
		},
		"source":     "sap_erp",
		"fetched_at": nowRFC3339(),
	}, nil
}

func (at *atlasTools) fetchGRNData(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	grnNumber := stringParam(params, "grn_number", fmt.Sprintf("GRN-%d", randInt(10000, 99999)))
	poNumber := stringParam(params, "po_number", "")

	grnAmount := round2(randBetween(5000, 50000))

	return map[string]interface{}{
		"grn_number": grnNumber,
		"grn_data": map[string]interface{}{
			"po_number":       poNumber,
			"receipt_date":    dateOffset(-randInt(5, 30)),
			"received_amount": grnAmount,
			"currency":        "USD",
			"status":          "COMPLETE",
			"items_received": []map[string]interface{}{
				{"description": "Professional Services", "quantity": 1, "received": true},
				{"description": "Support & Maintenance", "quantity": 1, "received": true},
			},
			"received_by":   "Jane Warehouse",
			"warehouse":     "WH-001",
			"quality_check": "PASSED",
		},
		"source":     "sap_erp",
		"fetched_at": nowRFC3339(),
	}, nil
}

func (at *atlasTools) postToERP(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	invoiceID := stringParam(params, "invoice_id", hexID("INV-", 8))

	now := time.Now()
	return map[string]interface{}{
		"erp_document_id": hexID("ERP-", 10),
		"invoice_id":      invoiceID,
		"posting_status":  "SUCCESS",
		"posted_at":       nowRFC3339(),
		"erp_system":      "mock_erp",
		"fiscal_year":     now.Year(),
		"fiscal_period":   int(now.Month()),
		"document_type":   "VENDOR_INVOICE",
		"posting_key":     "31",
		"company_code":    "1000",
		"journal_id":      fmt.Sprintf("JE-%d", randInt(100000, 999999)),
	}, nil
}

func (at *atlasTools) schedulePayment(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	invoiceID := stringParam(params, "invoice_id", "")
	amount := floatParam(params, "amount", 0)
	currency := stringParam(params, "currency", "USD")

	now := time.Now()
	return map[string]interface{}{
		"payment_id":     hexID("PAY-", 10),
		"invoice_id":     invoiceID,
		"amount":         amount,
		"currency":       currency,
		"scheduled_date": dateOffset(randInt(7, 30)),
		"payment_method": pick("ACH", "WIRE", "CHECK"),
		"status":         "SCHEDULED",
		"bank_account":   "****1234",
		"batch_id":       fmt.Sprintf("BATCH-%s-%d", now.Format("20060102"), randInt(100, 999)),
		"scheduled_at":   nowRFC3339(),
	}, nil
}

func (at *atlasTools) sendNotification(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	recipients := recipientList(params)
	notificationType := stringParam(params, "notification_type", "email")
	subject := stringParam(params, "subject", "Invoice Processing Notification")
	message := stringParam(params, "message", "Your invoice has been processed")

	preview := message
	if len(message) > 100 {
		preview = message[:100] + "..."
	}

	delivery := make(map[string]interface{}, len(recipients))
	for _, r := range recipients {
		delivery[r] = "DELIVERED"
	}

	return map[string]interface{}{
		"notification_id":   hexID("NOTIF-", 10),
		"recipient":         recipients,
		"notification_type": notificationType,
		"subject":           subject,
		"message_preview":   preview,
		"invoice_id":        stringParam(params, "invoice_id", ""),
		"status":            "SENT",
		"sent_at":           nowRFC3339(),
		"delivery_status":   delivery,
	}, nil
}

func (at *atlasTools) applyPolicy(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	invoice := objectParam(params, "invoice", map[string]interface{}{})
	vendor := objectParam(params, "vendor", map[string]interface{}{})
	amount := floatParam(params, "amount", floatParam(invoice, "amount", 0))
	riskScore := floatParam(vendor, "risk_score", 0)

	decision := policy.Decide(amount, riskScore)

	return map[string]interface{}{
		"status":      decision.Status,
		"approver_id": decision.ApproverID,
		"policy":      decision.Policy,
		"amount":      amount,
		"risk_score":  riskScore,
		"applied_at":  nowRFC3339(),
	}, nil
}

// recipientList accepts the addressing shapes callers send: a single
// recipient string, a list, or the plural key.
func recipientList(params map[string]interface{}) []string {
	collect := func(v interface{}) []string {
		switch value := v.(type) {
		case string:
			if value != "" {
				return []string{value}
			}
		case []interface{}:
			out := make([]string, 0, len(value))
			for _, entry := range value {
				if s, ok := entry.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
		return nil
	}

	if got := collect(params["recipient"]); got != nil {
		return got
	}
	if got := collect(params["recipients"]); got != nil {
		return got
	}
	return []string{"admin@company.com"}
}

func pick(options ...string) string {
	return options[rand.Intn(len(options))]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func randBetween(lo, hi float64) float64 {
	return lo + rand.Float64()*(hi-lo)
}

// randInt returns a value in [lo, hi] inclusive.
func randInt(lo, hi int) int {
	return lo + rand.Intn(hi-lo+1)
}

func dateOffset(days int) string {
	return time.Now().AddDate(0, 0, days).Format("2006-01-02")
}
