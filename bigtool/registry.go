// Package bigtool routes workflow capabilities to tools hosted on the
// COMMON and ATLAS tool servers. Tools are discovered from the servers
// at runtime; a static capability map provides the semantic binding
// from what a stage needs (ocr, matching, posting) to the tool that
// provides it, and a model-backed picker chooses between candidate
// tools when descriptions alone must decide.
package bigtool

import "sort"

// Server names as they appear in call envelopes and tool catalogs.
const (
	ServerCommon = "common"
	ServerAtlas  = "atlas"
)

// capabilityTools binds high-level capabilities to tool names.
var capabilityTools = map[string]string{
	// OCR and parsing
	"ocr":     "extract_ocr",
	"parsing": "parse_line_items",

	// Enrichment and normalization
	"enrichment": "enrich_vendor",
	"normalize":  "normalize_vendor",

	// ERP operations
	"erp_connector": "fetch_po_data",
	"po_data":       "fetch_po_data",
	"grn_data":      "fetch_grn_data",

	// Storage and database
	"storage":    "persist_invoice",
	"db":         "persist_audit",
	"validation": "validate_invoice_schema",

	// Email and notifications
	"email": "send_notification",

	// Accounting and policy
	"accounting": "build_entries",
	"policy":     "apply_policy",
	"matching":   "compute_match",

	// Checkpoint, payment, posting
	"checkpoint": "create_checkpoint",
	"payment":    "schedule_payment",
	"posting":    "post_to_erp",
}

// toolServers is the static routing table used when a tool has not
// been discovered from a live server.
var toolServers = map[string]string{
	// COMMON server tools (internal operations)
	"validate_invoice_schema": ServerCommon,
	"persist_invoice":         ServerCommon,
	"persist_audit":           ServerCommon,
	"parse_line_items":        ServerCommon,
	"normalize_vendor":        ServerCommon,
	"create_checkpoint":       ServerCommon,
	"get_checkpoint":          ServerCommon,
	"compute_match":           ServerCommon,
	"build_entries":           ServerCommon,

	// ATLAS server tools (external operations)
	"extract_ocr":       ServerAtlas,
	"enrich_vendor":     ServerAtlas,
	"fetch_po_data":     ServerAtlas,
	"fetch_grn_data":    ServerAtlas,
	"post_to_erp":       ServerAtlas,
	"schedule_payment":  ServerAtlas,
	"send_notification": ServerAtlas,
	"apply_policy":      ServerAtlas,
}

// ToolForCapability resolves the tool that provides a capability.
func ToolForCapability(capability string) (string, bool) {
	tool, ok := capabilityTools[capability]
	return tool, ok
}

// Capabilities lists every routable capability in sorted order.
func Capabilities() []string {
	out := make([]string, 0, len(capabilityTools))
	for c := range capabilityTools {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ServerFor reports which server hosts a tool. Unlisted tools route
// to COMMON.
func ServerFor(tool string) string {
	return staticServerFor(tool)
}

// staticServerFor returns the static home server for a tool. Unlisted
// tools route to COMMON.
func staticServerFor(tool string) string {
	if server, ok := toolServers[tool]; ok {
		return server
	}
	return ServerCommon
}
