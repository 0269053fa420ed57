package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInvoice() Invoice {
	return Invoice{
		InvoiceID: "INV-2024-001",
		Amount:    11500.00,
		LineItems: []LineItem{
			{Description: "Cloud Software License", Quantity: 100, UnitPrice: 45.00},
			{Description: "Support Services", Quantity: 50, UnitPrice: 140.00},
		},
	}
}

func samplePO() PurchaseOrder {
	return PurchaseOrder{
		PONumber:    "PO-2024-001",
		TotalAmount: 11500.00,
		LineItems: []LineItem{
			{Description: "Cloud Software License", Quantity: 100, UnitPrice: 45.00},
			{Description: "Support Services", Quantity: 50, UnitPrice: 140.00},
		},
	}
}

func TestComputePerfectMatch(t *testing.T) {
	out := Compute(sampleInvoice(), samplePO(), 5.0, 0.90)

	assert.Equal(t, 1.0, out.Score)
	assert.Equal(t, ResultMatched, out.Result)
	assert.Equal(t, 1.0, out.Evidence.AmountScore)
	assert.Equal(t, 1.0, out.Evidence.QuantityScore)
	assert.Equal(t, 1.0, out.Evidence.PriceScore)
	assert.Equal(t, 0.0, out.Evidence.AmountDiffPct)
	assert.Equal(t, 2, out.Evidence.LinesCompared)
	assert.Equal(t, "PO-2024-001", out.Evidence.PONumber)
}

func TestComputeAmountTiers(t *testing.T) {
	po := PurchaseOrder{TotalAmount: 10000.00}
	tests := []struct {
		name      string
		invAmount float64
		want      float64
	}{
		{"within tolerance", 10400.00, 1.0},
		{"at tolerance", 10500.00, 1.0},
		{"within double tolerance", 10750.00, 0.5},
		{"at double tolerance", 11000.00, 0.5},
		{"beyond double tolerance", 11500.00, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Compute(Invoice{Amount: tt.invAmount}, po, 5.0, 0.90)
			assert.Equal(t, tt.want, out.Evidence.AmountScore)
		})
	}
}

func TestComputeZeroPOTotal(t *testing.T) {
	out := Compute(sampleInvoice(), PurchaseOrder{TotalAmount: 0}, 5.0, 0.90)
	assert.Equal(t, 0.0, out.Evidence.AmountScore)
	assert.Equal(t, 100.0, out.Evidence.AmountDiffPct)
	assert.Equal(t, ResultFailed, out.Result)
}

func TestComputeNoLineItemsOnEitherSide(t *testing.T) {
	out := Compute(
		Invoice{Amount: 10000.00},
		PurchaseOrder{TotalAmount: 10000.00},
		5.0, 0.90,
	)

	// Amount 1.0, quantity 0.8, price neutral 0.5.
	assert.Equal(t, 0.8, out.Evidence.QuantityScore)
	assert.Equal(t, 0.5, out.Evidence.PriceScore)
	assert.InDelta(t, 0.805, out.Score, 1e-9)
	assert.Equal(t, ResultFailed, out.Result)
}

func TestComputeOneSideMissingLineItems(t *testing.T) {
	out := Compute(
		Invoice{Amount: 10000.00},
		PurchaseOrder{TotalAmount: 10000.00, LineItems: []LineItem{{Quantity: 1, UnitPrice: 10000}}},
		5.0, 0.90,
	)

	assert.Equal(t, 0.0, out.Evidence.QuantityScore)
	assert.Equal(t, 0.5, out.Evidence.PriceScore)
	assert.InDelta(t, 0.525, out.Score, 1e-9)
}

func TestComputeExtraInvoiceLinesCountAgainst(t *testing.T) {
	inv := sampleInvoice()
	inv.LineItems = append(inv.LineItems, LineItem{Description: "Unplanned charge", Quantity: 1, UnitPrice: 500})

	out := Compute(inv, samplePO(), 5.0, 0.90)

	// Three lines compared, two match on both quantity and price.
	assert.Equal(t, 3, out.Evidence.LinesCompared)
	assert.InDelta(t, 0.667, out.Evidence.QuantityScore, 1e-9)
	assert.InDelta(t, 0.667, out.Evidence.PriceScore, 1e-9)
	assert.InDelta(t, 0.8, out.Score, 1e-9)
}

func TestComputeQuantityDrift(t *testing.T) {
	inv := sampleInvoice()
	inv.LineItems[0].Quantity = 110 // 10% over, outside 5% tolerance

	out := Compute(inv, samplePO(), 5.0, 0.90)

	assert.Equal(t, 0.5, out.Evidence.QuantityScore)
	assert.Equal(t, 1.0, out.Evidence.PriceScore)
	assert.InDelta(t, 0.825, out.Score, 1e-9)
	assert.Equal(t, ResultFailed, out.Result)
}

func TestComputeZeroPOQuantityIsMismatch(t *testing.T) {
	po := samplePO()
	po.LineItems[0].Quantity = 0

	out := Compute(sampleInvoice(), po, 5.0, 0.90)
	assert.Equal(t, 0.5, out.Evidence.QuantityScore)
}

func TestComputeScoreAtThresholdMatches(t *testing.T) {
	// Five lines, quantities all match, prices match on three of five:
	// 0.40 + 0.35 + 0.25*0.6 = 0.90 exactly.
	inv := Invoice{Amount: 5000}
	po := PurchaseOrder{TotalAmount: 5000}
	for i := 0; i < 5; i++ {
		price := 100.0
		if i >= 3 {
			price = 250.0
		}
		inv.LineItems = append(inv.LineItems, LineItem{Quantity: 2, UnitPrice: price})
		po.LineItems = append(po.LineItems, LineItem{Quantity: 2, UnitPrice: 100.0})
	}

	out := Compute(inv, po, 5.0, 0.90)
	assert.Equal(t, 0.9, out.Score)
	assert.Equal(t, ResultMatched, out.Result)
}

func TestComputeRoundsToThreeDecimals(t *testing.T) {
	// Quantity 2/3 with amount and price at 1.0 yields 0.883333...
	inv := sampleInvoice()
	inv.LineItems = append(inv.LineItems, LineItem{Quantity: 1, UnitPrice: 10})
	po := samplePO()
	po.LineItems = append(po.LineItems, LineItem{Quantity: 99, UnitPrice: 10})

	out := Compute(inv, po, 5.0, 0.90)
	assert.Equal(t, 0.883, out.Score)
}

func TestInvoiceFromMap(t *testing.T) {
	inv := InvoiceFromMap(map[string]interface{}{
		"invoice_id": "INV-42",
		"amount":     1250.50,
		"line_items": []interface{}{
			map[string]interface{}{"desc": "Widgets", "qty": 10, "price": 125.05},
			map[string]interface{}{"description": "Freight", "quantity": 1.0, "unit_price": 0.0},
		},
	})

	assert.Equal(t, "INV-42", inv.InvoiceID)
	assert.Equal(t, 1250.50, inv.Amount)
	require.Len(t, inv.LineItems, 2)
	assert.Equal(t, "Widgets", inv.LineItems[0].Description)
	assert.Equal(t, 10.0, inv.LineItems[0].Quantity)
	assert.Equal(t, 125.05, inv.LineItems[0].UnitPrice)
	assert.Equal(t, "Freight", inv.LineItems[1].Description)
}

func TestPurchaseOrderFromMap(t *testing.T) {
	po := PurchaseOrderFromMap(map[string]interface{}{
		"po_number": "PO-77",
		"po_amount": 9800.0,
	})
	assert.Equal(t, "PO-77", po.PONumber)
	assert.Equal(t, 9800.0, po.TotalAmount)
	assert.Empty(t, po.LineItems)

	po = PurchaseOrderFromMap(map[string]interface{}{
		"total_amount": 5000.0,
		"po_amount":    9999.0,
	})
	assert.Equal(t, 5000.0, po.TotalAmount, "total_amount wins over po_amount")

	po = PurchaseOrderFromMap(map[string]interface{}{
		"total_amount": "not a number",
	})
	assert.Equal(t, 0.0, po.TotalAmount)
}
