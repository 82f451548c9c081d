package escrowflow

import (
	"strings"

	"fundflow/native/funding"
	"fundflow/services/ledger"
)

// buildDeployment turns a validated draft into the escrow initialization
// request. Every role is bound to the single creator; prize routing for
// competitions happens later through per-winner milestones.
func buildDeployment(engagementID, signer string, d *funding.Draft, feePercent float64, trustline string) *ledger.EscrowDeployment {
	amounts := d.MilestoneAmounts()
	milestones := make([]ledger.MilestoneRequest, len(d.Milestones))
	for i, m := range d.Milestones {
		desc := strings.TrimSpace(m.Description)
		if desc == "" {
			desc = strings.TrimSpace(m.Title)
		}
		milestones[i] = ledger.MilestoneRequest{
			Description: desc,
			Amount:      funding.FormatAmount(amounts[i]),
		}
	}
	return &ledger.EscrowDeployment{
		EngagementID:       engagementID,
		Title:              strings.TrimSpace(d.Title),
		Description:        strings.TrimSpace(d.Description),
		PlatformFeePercent: feePercent,
		TrustlineAddress:   trustline,
		Roles:              ledger.SingleSignerRoles(signer),
		Milestones:         milestones,
	}
}
