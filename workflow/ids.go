package workflow

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewThreadID returns a workflow thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}

// NewRawID returns an intake record identifier, e.g. RAW-3F2A9B81C04D.
func NewRawID() string {
	return "RAW-" + randomHex(12, true)
}

// NewCheckpointID returns a review checkpoint identifier,
// e.g. CHKPT-9AC1E57B20F4.
func NewCheckpointID() string {
	return "CHKPT-" + randomHex(12, true)
}

// NewResumeToken returns a resume token, e.g. RESUME-7D41AB09.
func NewResumeToken() string {
	return "RESUME-" + randomHex(8, true)
}

// NewERPTransactionID returns an ERP posting identifier,
// e.g. ERP-TXN-4B8E21D7A0.
func NewERPTransactionID() string {
	return "ERP-TXN-" + randomHex(10, true)
}

// NewPaymentID returns a scheduled payment identifier, e.g. PAY-1C9F73E2.
func NewPaymentID() string {
	return "PAY-" + randomHex(8, true)
}

// NewJournalEntryID returns an accounting entry identifier with a
// per-invoice sequence suffix, e.g. JE-A42F91CD-01.
func NewJournalEntryID(base string, seq int) string {
	return fmt.Sprintf("JE-%s-%02d", base, seq)
}

// NewJournalEntryBase returns the shared 8-hex base used by a group of
// journal entries for one invoice.
func NewJournalEntryBase() string {
	return randomHex(8, true)
}

func randomHex(n int, upper bool) string {
	u := uuid.New()
	s := hex.EncodeToString(u[:])
	if len(s) > n {
		s = s[:n]
	}
	if upper {
		return strings.ToUpper(s)
	}
	return s
}
