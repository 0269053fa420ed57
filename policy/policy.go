// Package policy implements the approval routing rules for invoices.
// The policy tool server and the workflow's local fallback share this
// implementation.
package policy

// Approval limits in invoice currency units.
const (
	AutoApproveLimit    = 10000.0
	ManagerApproveLimit = 50000.0
)

// Approval statuses.
const (
	StatusAutoApproved       = "AUTO_APPROVED"
	StatusApproved           = "APPROVED"
	StatusApprovedWithReview = "APPROVED_WITH_REVIEW"
)

// Decision is one approval routing outcome.
type Decision struct {
	Status     string `json:"status"`
	ApproverID string `json:"approver_id"`
	Policy     string `json:"policy"`
}

// Decide routes an invoice by amount and vendor risk. High-risk
// vendors always go through manager review regardless of amount;
// otherwise the amount picks the approval tier.
func Decide(amount, riskScore float64) Decision {
	switch {
	case riskScore > 0.5:
		return Decision{Status: StatusApprovedWithReview, ApproverID: "MANAGER-REVIEW", Policy: "high_risk_vendor"}
	case amount <= AutoApproveLimit:
		return Decision{Status: StatusAutoApproved, ApproverID: "SYSTEM", Policy: "auto_approve_small_amount"}
	case amount <= ManagerApproveLimit:
		return Decision{Status: StatusApproved, ApproverID: "MGR-001", Policy: "manager_approval"}
	default:
		return Decision{Status: StatusApproved, ApproverID: "EXEC-001", Policy: "executive_approval"}
	}
}
