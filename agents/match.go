package agents

import (
	"context"

	"github.com/itsneelabh/invoiceflow/match"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// MatcherAgent scores the invoice against its purchase orders and
// decides whether the thread can proceed without human review.
type MatcherAgent struct{ baseAgent }

// NewMatcherAgent creates the MATCH_TWO_WAY stage executor.
func NewMatcherAgent(d Deps) *MatcherAgent {
	return &MatcherAgent{newBase(workflow.StageMatchTwoWay, d)}
}

func (a *MatcherAgent) Execute(ctx context.Context, state workflow.State) (*workflow.Delta, error) {
	p := state.InvoicePayload
	threadID := state.ThreadID
	threshold := a.config.Workflow.MatchThreshold
	tolerance := a.config.Workflow.TwoWayTolerancePct

	var (
		score    float64
		result   string
		evidence map[string]interface{}
		computed bool
	)
	if out := a.callTool(ctx, threadID, "matching", map[string]interface{}{
		"invoice":         toMap(p),
		"purchase_orders": toList(state.MatchedPOs),
		"grns":            toList(state.MatchedGRNs),
		"tolerance_pct":   tolerance,
		"match_threshold": threshold,
	}); out.ok {
		if s, found := resultFloat(out.result, "match_score"); found {
			score = s
			result = resultString(out.result, "match_result")
			if ev, has := out.result["evidence"].(map[string]interface{}); has {
				evidence = ev
			}
			computed = true
		}
	}
	if !computed {
		score, result, evidence = localMatch(p, state.MatchedPOs, tolerance, threshold)
	}
	if result == "" {
		result = match.ResultFailed
		if score >= threshold {
			result = match.ResultMatched
		}
	}

	matched, mismatched := classifyEvidence(evidence)

	analysis := make(map[string]interface{}, len(evidence)+1)
	for k, v := range evidence {
		analysis[k] = v
	}
	llmCtx := map[string]interface{}{
		"invoice": map[string]interface{}{
			"id":               p.InvoiceID,
			"vendor":           p.VendorName,
			"amount":           p.Amount,
			"line_items_count": len(p.LineItems),
		},
		"match_score":       score,
		"match_status":      result,
		"matched_fields":    matched,
		"mismatched_fields": mismatched,
		"matched_pos":       summarizePOs(state.MatchedPOs),
	}
	if res := a.ai.InvokeStage(ctx, a.stage, "Analyze invoice-PO match result and provide insights",
		llmCtx, "json with: recommendation, confidence, risk_factors"); res.Success {
		analysis["llm_analysis"] = res.Response
	}

	a.logger.Info("Two-way match computed", map[string]interface{}{
		"operation":   "execute",
		"thread_id":   threadID,
		"invoice_id":  p.InvoiceID,
		"match_score": score,
		"result":      result,
	})

	return &workflow.Delta{
		MatchScore:   workflow.Float64(score),
		MatchResult:  workflow.String(result),
		TolerancePct: workflow.Float64(tolerance),
		MatchEvidence: &workflow.MatchEvidence{
			MatchedFields:     matched,
			MismatchedFields:  mismatched,
			ToleranceAnalysis: analysis,
		},
		CurrentStage: workflow.String(a.stage),
		AuditLog: []workflow.AuditEntry{a.audit("match_computed", map[string]interface{}{
			"match_score":       score,
			"match_result":      result,
			"threshold":         threshold,
			"matched_fields":    matched,
			"mismatched_fields": mismatched,
			"bigtool_used":      computed,
			"llm_used":          a.ai.Available(),
		})},
	}, nil
}

// localMatch computes the weighted two-way score in-process when no
// matching tool answered.
func localMatch(p workflow.InvoicePayload, pos []workflow.PurchaseOrder, tolerancePct, threshold float64) (float64, string, map[string]interface{}) {
	if len(pos) == 0 {
		return 0, match.ResultFailed, map[string]interface{}{
			"error":         "no purchase orders to match",
			"tolerance_pct": tolerancePct,
		}
	}
	outcome := match.Compute(matchInvoice(p), matchPO(pos[0]), tolerancePct, threshold)
	return outcome.Score, outcome.Result, toMap(outcome.Evidence)
}

func matchInvoice(p workflow.InvoicePayload) match.Invoice {
	lines := make([]match.LineItem, 0, len(p.LineItems))
	for _, li := range p.LineItems {
		lines = append(lines, match.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			Amount:      lineAmount(li),
		})
	}
	return match.Invoice{InvoiceID: p.InvoiceID, Amount: p.Amount, LineItems: lines}
}

func matchPO(po workflow.PurchaseOrder) match.PurchaseOrder {
	lines := make([]match.LineItem, 0, len(po.LineItems))
	for _, li := range po.LineItems {
		lines = append(lines, match.LineItem{
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			Amount:      lineAmount(li),
		})
	}
	return match.PurchaseOrder{PONumber: po.PONumber, TotalAmount: po.TotalAmount, LineItems: lines}
}

// classifyEvidence splits the component scores into matched and
// mismatched field lists. A component matches only at full score.
func classifyEvidence(evidence map[string]interface{}) (matched, mismatched []string) {
	matched = []string{}
	mismatched = []string{}
	components := []struct{ field, key string }{
		{"amount", "amount_score"},
		{"quantity", "quantity_score"},
		{"price", "price_score"},
	}
	for _, c := range components {
		score, found := resultFloat(evidence, c.key)
		if !found {
			continue
		}
		if score >= 1.0 {
			matched = append(matched, c.field)
		} else {
			mismatched = append(mismatched, c.field)
		}
	}
	if len(matched) == 0 && len(mismatched) == 0 {
		mismatched = []string{"no_matching_po"}
	}
	return matched, mismatched
}

// summarizePOs trims the PO list to the fields the analysis prompt
// needs, capped at three orders.
func summarizePOs(pos []workflow.PurchaseOrder) []map[string]interface{} {
	if len(pos) > 3 {
		pos = pos[:3]
	}
	out := make([]map[string]interface{}, 0, len(pos))
	for _, po := range pos {
		out = append(out, map[string]interface{}{
			"po_number": po.PONumber,
			"amount":    po.TotalAmount,
			"status":    po.Status,
		})
	}
	return out
}
