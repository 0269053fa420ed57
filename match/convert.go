package match

// Map adapters for callers that hold decoded JSON rather than typed
// structs. Key aliases mirror what upstream systems actually send:
// quantity/qty, unit_price/price, description/desc.

// InvoiceFromMap extracts the matcher's invoice inputs from a decoded
// JSON object.
func InvoiceFromMap(m map[string]interface{}) Invoice {
	return Invoice{
		InvoiceID: stringField(m, "invoice_id"),
		Amount:    numberField(m, "amount"),
		LineItems: lineItemsFromValue(m["line_items"]),
	}
}

// PurchaseOrderFromMap extracts the matcher's PO inputs from a decoded
// JSON object.
func PurchaseOrderFromMap(m map[string]interface{}) PurchaseOrder {
	return PurchaseOrder{
		PONumber:    stringField(m, "po_number"),
		TotalAmount: numberField(m, "total_amount", "po_amount", "amount"),
		LineItems:   lineItemsFromValue(m["line_items"]),
	}
}

func lineItemsFromValue(v interface{}) []LineItem {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	items := make([]LineItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		items = append(items, LineItem{
			Description: stringField(m, "description", "desc"),
			Quantity:    numberField(m, "quantity", "qty"),
			UnitPrice:   numberField(m, "unit_price", "price"),
			Amount:      numberField(m, "amount"),
		})
	}
	return items
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		if f, ok := toFloat(m[key]); ok {
			return f
		}
	}
	return 0
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
