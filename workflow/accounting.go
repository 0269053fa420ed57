package workflow

import (
	"fmt"
	"time"
)

// Reconciliation accounts for the double-entry pair.
const (
	AccountExpenses        = "6000-Expenses"
	AccountAccountsPayable = "2100-Accounts Payable"
)

// Journal entry types.
const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"
)

// BuildJournalEntries builds the balanced pair of accounting entries
// for an invoice: a debit against expenses and a matching credit to
// accounts payable, each for the full invoice amount. The accounting
// tool server and the reconcile stage's local fallback share this
// builder so a degraded run books invoices identically.
func BuildJournalEntries(invoiceID string, amount float64, currency, vendorName string) []JournalEntry {
	base := NewJournalEntryBase()
	ts := time.Now().UTC().Format(time.RFC3339)
	return []JournalEntry{
		{
			EntryID:     NewJournalEntryID(base, 1),
			Type:        EntryDebit,
			Account:     AccountExpenses,
			Amount:      amount,
			Currency:    currency,
			Reference:   invoiceID,
			Description: fmt.Sprintf("Expense for invoice %s - %s", invoiceID, vendorName),
			Timestamp:   ts,
		},
		{
			EntryID:     NewJournalEntryID(base, 2),
			Type:        EntryCredit,
			Account:     AccountAccountsPayable,
			Amount:      amount,
			Currency:    currency,
			Reference:   invoiceID,
			Description: "Payable to " + vendorName,
			Timestamp:   ts,
		},
	}
}
