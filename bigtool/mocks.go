package bigtool

import "strings"

// mockResponse returns the canned result used when a tool server is
// unreachable and mock fallback is enabled. Pipelines keep moving in
// demo and test environments without either server running.
func mockResponse(tool string, params map[string]interface{}) map[string]interface{} {
	switch tool {
	case "validate_invoice_schema":
		return map[string]interface{}{"valid": true, "errors": []interface{}{}}
	case "persist_invoice":
		return map[string]interface{}{"stored": true, "location": "local_fs://invoices/mock"}
	case "persist_audit":
		return map[string]interface{}{"stored": true, "audit_id": "AUDIT-MOCK-001"}
	case "parse_line_items":
		return map[string]interface{}{"parsed": true, "items_count": 3}
	case "normalize_vendor":
		name, _ := params["vendor_name"].(string)
		return map[string]interface{}{"normalized_name": strings.ToUpper(strings.TrimSpace(name))}
	case "create_checkpoint":
		return map[string]interface{}{"checkpoint_created": true, "checkpoint_id": "CP-MOCK-001"}
	case "get_checkpoint":
		return map[string]interface{}{"checkpoint_id": "CP-MOCK-001", "state": map[string]interface{}{}}
	case "compute_match":
		return map[string]interface{}{"matched": true, "score": 0.95, "evidence": []interface{}{}}
	case "build_entries":
		return map[string]interface{}{"entries_created": 2, "balanced": true, "entries": []interface{}{}}
	case "extract_ocr":
		return map[string]interface{}{"text": "Mock OCR text", "confidence": 0.95, "provider": "google_vision"}
	case "enrich_vendor":
		return map[string]interface{}{"enriched": true, "company_size": "medium", "industry": "Technology"}
	case "fetch_po_data":
		return map[string]interface{}{"pos": []interface{}{}, "count": 0}
	case "fetch_grn_data":
		return map[string]interface{}{"grns": []interface{}{}, "count": 0}
	case "post_to_erp":
		return map[string]interface{}{"posted": true, "txn_id": "ERP-MOCK-001"}
	case "schedule_payment":
		return map[string]interface{}{"scheduled": true, "payment_id": "PAY-MOCK-001"}
	case "send_notification":
		return map[string]interface{}{"sent": true, "message_id": "NOTIF-MOCK-001"}
	case "apply_policy":
		return map[string]interface{}{"applied": true, "policy_id": "POL-001"}
	default:
		return map[string]interface{}{"success": true, "mock": true}
	}
}
