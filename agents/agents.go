// Package agents implements the stage executors of the invoice
// processing workflow. Each agent is one node of the graph: it reads a
// snapshot of the thread state, calls out to the tool servers for its
// capability, falls back to a local computation when a server cannot
// serve the call, and returns a delta carrying its outputs and audit
// trail. BuildEngine wires the agents into the executable graph.
//
// Tool calls are soft failures: an unreachable server or a failed
// invocation downgrades the stage to its local fallback and the
// workflow keeps moving. Only business rejections, such as an invalid
// payload, fail a thread.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/itsneelabh/invoiceflow/bigtool"
	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/events"
	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/llm"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// Deps carries the shared services the agents run on. Zero-value
// fields get working defaults: default config, a no-op logger, a fresh
// event bus, an offline model service, and an in-memory review store.
// A nil Picker disables tool server calls entirely and every stage
// runs on its local fallback.
type Deps struct {
	Config    *core.Config
	Logger    core.Logger
	Bus       *events.Bus
	Picker    *bigtool.Picker
	AI        *llm.Service
	Reviews   hitl.ReviewStore
	Telemetry core.Telemetry
}

func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		d.Config = core.DefaultConfig()
	}
	if d.Logger == nil {
		d.Logger = &core.NoOpLogger{}
	}
	if d.Bus == nil {
		d.Bus = events.NewBus()
	}
	if d.AI == nil {
		d.AI = llm.NewService(nil)
	}
	if d.Reviews == nil {
		d.Reviews = hitl.NewInMemoryReviewStore()
	}
	return d
}

// Implementation pools the model chooses from per capability. The
// first entry doubles as the deterministic fallback, so pools are
// ordered with the implementation the deployment actually runs first.
var (
	storagePool    = []string{"local_fs", "s3", "gcs"}
	ocrPool        = []string{"google_vision", "tesseract", "aws_textract"}
	enrichmentPool = []string{"clearbit", "people_data_labs", "vendor_db"}
	erpPool        = []string{"mock_erp", "sap_sandbox", "netsuite"}
	reviewDBPool   = []string{"sqlite", "postgres", "dynamodb"}
	emailPool      = []string{"sendgrid", "ses", "smartlead"}
	auditDBPool    = []string{"postgresql", "mongodb", "sqlite"}
)

// Fixture dates used when a payload omits its own.
const (
	fallbackDueDate  = "2024-03-01"
	poCreatedDate    = "2024-01-15"
	grnReceivedDate  = "2024-02-01"
	financeEmail     = "finance@company.com"
	accountsPayEmail = "accounts.payable@company.com"
)

// baseAgent holds the per-stage wiring every agent shares.
type baseAgent struct {
	stage   string
	config  *core.Config
	logger  core.Logger
	bus     *events.Bus
	picker  *bigtool.Picker
	ai      *llm.Service
	reviews hitl.ReviewStore
}

func newBase(stage string, d Deps) baseAgent {
	d = d.withDefaults()
	logger := d.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agents." + strings.ToLower(stage))
	}
	return baseAgent{
		stage:   stage,
		config:  d.Config,
		logger:  logger,
		bus:     d.Bus,
		picker:  d.Picker,
		ai:      d.AI,
		reviews: d.Reviews,
	}
}

// Name returns the stage this agent executes. Stage names double as
// graph node names.
func (a baseAgent) Name() string { return a.stage }

// toolOutcome is the agent-side view of one capability call.
type toolOutcome struct {
	tool   string
	server string
	result map[string]interface{}
	ok     bool
	mock   bool
}

// liveString returns a result value only when a real server produced
// it. Canned mock results carry placeholder identifiers that would
// collide across threads, so identifier adoption is limited to live
// results.
func (t toolOutcome) liveString(key string) string {
	if !t.ok || t.mock {
		return ""
	}
	return resultString(t.result, key)
}

// callTool routes a capability through the picker, publishes the
// tool_call event, and reports the outcome. A failed call is returned
// with ok=false; the caller decides whether its local fallback covers
// for it.
func (a baseAgent) callTool(ctx context.Context, threadID, capability string, params map[string]interface{}) toolOutcome {
	if a.picker == nil {
		return toolOutcome{}
	}

	res := a.picker.Execute(ctx, capability, params, map[string]interface{}{"stage": a.stage})
	if !res.Success {
		a.logger.Warn("No tool route for capability", map[string]interface{}{
			"operation":  "call_tool",
			"stage":      a.stage,
			"capability": capability,
			"error":      res.Error,
		})
		return toolOutcome{}
	}

	call := res.Call
	status := events.StatusCompleted
	if !call.Success {
		status = events.StatusFailed
	}
	a.bus.Publish(threadID, events.NewToolCall(threadID, a.stage, res.Tool, call.Server, status, params, call.Result))

	if !call.Success {
		a.logger.Warn("Tool call failed, continuing on local fallback", map[string]interface{}{
			"operation":  "call_tool",
			"stage":      a.stage,
			"capability": capability,
			"tool":       res.Tool,
			"error":      call.Error,
		})
		return toolOutcome{tool: res.Tool, server: call.Server}
	}

	return toolOutcome{
		tool:   res.Tool,
		server: call.Server,
		result: call.Result,
		ok:     true,
		mock:   call.Mock,
	}
}

// selectTool asks the model to pick an implementation from the pool
// and records the choice for the thread's selection map.
func (a baseAgent) selectTool(ctx context.Context, threadID, capability string, pool []string, contextData map[string]interface{}) workflow.ToolSelection {
	choice := a.ai.SelectTool(ctx, capability, pool, contextData)

	sel := workflow.ToolSelection{
		Capability:   capability,
		SelectedTool: choice.SelectedTool,
		Pool:         pool,
		Reason:       choice.Reason,
	}
	if tool, ok := bigtool.ToolForCapability(capability); ok {
		sel.Server = bigtool.ServerFor(tool)
	}

	a.bus.Publish(threadID, events.NewLog(threadID, "info",
		fmt.Sprintf("Selected %s for capability %s", choice.SelectedTool, capability),
		a.stage, "bigtool", map[string]interface{}{
			"capability": capability,
			"selected":   choice.SelectedTool,
			"pool":       pool,
			"reason":     choice.Reason,
		}))

	return sel
}

// publishLog emits a log event on the thread's stream.
func (a baseAgent) publishLog(threadID, level, message, logType string, details map[string]interface{}) {
	a.bus.Publish(threadID, events.NewLog(threadID, level, message, a.stage, logType, details))
}

// audit builds an audit entry stamped with the agent's stage.
func (a baseAgent) audit(action string, details map[string]interface{}) workflow.AuditEntry {
	if details == nil {
		details = map[string]interface{}{}
	}
	return workflow.AuditEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Stage:     a.stage,
		Action:    action,
		Details:   details,
	}
}

// toMap converts a struct to its JSON object form for tool params.
func toMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// toList converts a slice of structs to its JSON array form.
func toList(v interface{}) []interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return []interface{}{}
	}
	var list []interface{}
	if err := json.Unmarshal(data, &list); err != nil {
		return []interface{}{}
	}
	return list
}

func resultString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func resultFloat(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func currencyOf(p workflow.InvoicePayload) string {
	return orDefault(p.Currency, "USD")
}

// lineAmount resolves a line's monetary value, preferring the stated
// amount over the quantity times unit price product.
func lineAmount(li workflow.LineItem) float64 {
	if li.Amount > 0 {
		return li.Amount
	}
	return li.Quantity * li.UnitPrice
}

func lineItemTotal(items []workflow.LineItem) float64 {
	total := 0.0
	for _, li := range items {
		total += lineAmount(li)
	}
	return total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
