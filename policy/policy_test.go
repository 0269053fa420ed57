package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		amount     float64
		riskScore  float64
		wantStatus string
		wantBy     string
		wantPolicy string
	}{
		{"small amount auto approves", 5000, 0.2, StatusAutoApproved, "SYSTEM", "auto_approve_small_amount"},
		{"auto limit is inclusive", 10000, 0.0, StatusAutoApproved, "SYSTEM", "auto_approve_small_amount"},
		{"mid amount routes to manager", 25000, 0.3, StatusApproved, "MGR-001", "manager_approval"},
		{"manager limit is inclusive", 50000, 0.0, StatusApproved, "MGR-001", "manager_approval"},
		{"large amount routes to executive", 50000.01, 0.0, StatusApproved, "EXEC-001", "executive_approval"},
		{"high risk overrides amount", 500, 0.8, StatusApprovedWithReview, "MANAGER-REVIEW", "high_risk_vendor"},
		{"risk boundary is exclusive", 500, 0.5, StatusAutoApproved, "SYSTEM", "auto_approve_small_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.amount, tt.riskScore)
			assert.Equal(t, tt.wantStatus, d.Status)
			assert.Equal(t, tt.wantBy, d.ApproverID)
			assert.Equal(t, tt.wantPolicy, d.Policy)
		})
	}
}
