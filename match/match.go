// Package match implements the weighted two-way match between an
// invoice and a purchase order. The score blends three components:
// header amount, line-item quantities, and unit prices. Both the
// matching tool server and the workflow's local fallback share this
// implementation so a degraded run scores invoices identically.
package match

import (
	"math"
)

// Component weights. They sum to 1.0.
const (
	WeightAmount   = 0.40
	WeightQuantity = 0.35
	WeightPrice    = 0.25
)

// Match outcomes.
const (
	ResultMatched = "MATCHED"
	ResultFailed  = "FAILED"
)

// LineItem is one invoice or purchase order line.
type LineItem struct {
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount,omitempty"`
}

// Invoice carries the fields the matcher reads from a parsed invoice.
type Invoice struct {
	InvoiceID string
	Amount    float64
	LineItems []LineItem
}

// PurchaseOrder carries the fields the matcher reads from a PO.
type PurchaseOrder struct {
	PONumber    string
	TotalAmount float64
	LineItems   []LineItem
}

// Evidence breaks the blended score into its components so reviewers
// can see which dimension pushed an invoice below threshold.
type Evidence struct {
	AmountScore   float64 `json:"amount_score"`
	QuantityScore float64 `json:"quantity_score"`
	PriceScore    float64 `json:"price_score"`
	AmountDiffPct float64 `json:"amount_diff_pct"`
	LinesCompared int     `json:"lines_compared"`
	TolerancePct  float64 `json:"tolerance_pct"`
	PONumber      string  `json:"po_number,omitempty"`
}

// Outcome is the result of one two-way match computation.
type Outcome struct {
	Score    float64  `json:"match_score"`
	Result   string   `json:"match_result"`
	Evidence Evidence `json:"evidence"`
}

// Compute scores an invoice against a purchase order.
//
// Amount: percentage difference against the PO total. Within tolerance
// scores 1.0, within double tolerance 0.5, beyond that 0.0. A PO total
// of zero or less scores 0.0.
//
// Quantity: lines are compared by index against the larger of the two
// line counts, so missing or extra lines count as mismatches. A line
// matches when its quantity difference is within tolerance. Two empty
// line lists score 0.8; one empty side scores 0.0.
//
// Price: same per-line comparison using unit prices, except an empty
// side is neutral and scores 0.5.
//
// The blended score is rounded to three decimals and compared against
// threshold to decide MATCHED or FAILED.
func Compute(inv Invoice, po PurchaseOrder, tolerancePct, threshold float64) Outcome {
	amountScore, diffPct := amountComponent(inv.Amount, po.TotalAmount, tolerancePct)
	qtyScore := quantityComponent(inv.LineItems, po.LineItems, tolerancePct)
	priceScore := priceComponent(inv.LineItems, po.LineItems, tolerancePct)

	score := round3(amountScore*WeightAmount + qtyScore*WeightQuantity + priceScore*WeightPrice)

	result := ResultFailed
	if score >= threshold {
		result = ResultMatched
	}

	return Outcome{
		Score:  score,
		Result: result,
		Evidence: Evidence{
			AmountScore:   amountScore,
			QuantityScore: round3(qtyScore),
			PriceScore:    round3(priceScore),
			AmountDiffPct: round3(diffPct),
			LinesCompared: max(len(inv.LineItems), len(po.LineItems)),
			TolerancePct:  tolerancePct,
			PONumber:      po.PONumber,
		},
	}
}

func amountComponent(invAmount, poTotal, tolerancePct float64) (score, diffPct float64) {
	if poTotal <= 0 {
		return 0.0, 100.0
	}
	diffPct = math.Abs(invAmount-poTotal) / poTotal * 100
	switch {
	case diffPct <= tolerancePct:
		return 1.0, diffPct
	case diffPct <= 2*tolerancePct:
		return 0.5, diffPct
	default:
		return 0.0, diffPct
	}
}

func quantityComponent(inv, po []LineItem, tolerancePct float64) float64 {
	switch {
	case len(inv) == 0 && len(po) == 0:
		return 0.8
	case len(inv) == 0 || len(po) == 0:
		return 0.0
	}

	n := max(len(inv), len(po))
	matches := 0
	for i, item := range inv {
		var poQty float64
		if i < len(po) {
			poQty = po[i].Quantity
		}
		if lineDiffPct(item.Quantity, poQty) <= tolerancePct {
			matches++
		}
	}
	return float64(matches) / float64(n)
}

func priceComponent(inv, po []LineItem, tolerancePct float64) float64 {
	if len(inv) == 0 || len(po) == 0 {
		return 0.5
	}

	n := max(len(inv), len(po))
	matches := 0
	for i, item := range inv {
		var poPrice float64
		if i < len(po) {
			poPrice = po[i].UnitPrice
		}
		if lineDiffPct(item.UnitPrice, poPrice) <= tolerancePct {
			matches++
		}
	}
	return float64(matches) / float64(n)
}

// lineDiffPct returns the percentage difference of an invoice value
// against its PO counterpart, treating a non-positive PO value as a
// full mismatch.
func lineDiffPct(invValue, poValue float64) float64 {
	if poValue <= 0 {
		return 100.0
	}
	return math.Abs(invValue-poValue) / poValue * 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
