package funding

import (
	"math/big"
	"testing"
)

func validDraft() *Draft {
	return &Draft{
		Title:         "Open hardware hackathon",
		Category:      "Hackathon",
		Description:   "Build open hardware tools for rural clinics.",
		FundingAmount: big.NewRat(9000, 1),
		Milestones: []Milestone{
			milestone("prototype", day(10), day(14)),
			milestone("pilot", day(24), day(30)),
			milestone("report", day(54), day(7)),
		},
		DistributeEqually: true,
		Team:              []TeamMember{{Name: "Ada", Role: "Organizer", Wallet: "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H"}},
		Contact:           Contact{Email: "team@example.org"},
	}
}

func TestValidateDraftAcceptsCompleteDraft(t *testing.T) {
	if res := ValidateDraft(validDraft(), testNow); !res.OK() {
		t.Fatalf("expected valid draft, got %v", res.Err())
	}
}

func TestStepsOwnTheirFields(t *testing.T) {
	d := validDraft()
	d.Title = ""
	d.Category = "gaming"
	d.FundingAmount = nil
	d.Team = []TeamMember{{Name: "Bo", Wallet: "not-an-address"}}
	d.Contact.Email = "Team <team@example.org>"

	expect := map[Step][]string{
		StepBasic:   {CodeTitleRequired, CodeCategoryInvalid},
		StepDetails: {CodeFundingInvalid},
		StepTeam:    {CodeMemberIncomplete, CodeMemberWallet},
		StepContact: {CodeEmailInvalid},
	}
	for step, codes := range expect {
		res := step.Validate(d, testNow)
		for _, code := range codes {
			if !res.Has(code) {
				t.Errorf("%s: expected %s in %+v", step, code, res.Violations)
			}
		}
	}
	if res := StepMilestones.Validate(d, testNow); res.Has(CodeFundingInvalid) {
		t.Fatalf("milestones step must leave the funding amount to details: %+v", res.Violations)
	}

	all := ValidateDraft(d, testNow)
	count := 0
	for _, v := range all.Violations {
		if v.Code == CodeFundingInvalid {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected funding_invalid once, got %d", count)
	}
}

func TestEqualSplitIgnoresExplicitAmounts(t *testing.T) {
	d := validDraft()
	d.Milestones[0].Amount = big.NewRat(-1, 1)
	if res := StepMilestones.Validate(d, testNow); !res.OK() {
		t.Fatalf("explicit amounts are ignored when distributing equally: %v", res.Err())
	}
	d.DistributeEqually = false
	if res := StepMilestones.Validate(d, testNow); !res.Has(CodeAmountInvalid) {
		t.Fatalf("expected amount_invalid, got %+v", res.Violations)
	}
}

func TestExplicitAmountsRequiredOnEveryMilestone(t *testing.T) {
	d := validDraft()
	d.DistributeEqually = false
	res := StepMilestones.Validate(d, testNow)
	for i := range d.Milestones {
		got := res.ByIndex(i)
		if len(got) != 1 || got[0].Code != CodeAmountInvalid {
			t.Fatalf("expected missing amount on milestone %d, got %+v", i, res.Violations)
		}
	}
	for i := range d.Milestones {
		d.Milestones[i].Amount = big.NewRat(3000, 1)
	}
	if res := ValidateDraft(d, testNow); !res.OK() {
		t.Fatalf("expected explicit amounts to validate, got %v", res.Err())
	}
}

func TestDraftCloneIsDeep(t *testing.T) {
	d := validDraft()
	d.Milestones[0].Amount = big.NewRat(5, 1)
	clone := d.Clone()
	clone.Milestones[0].Amount.SetInt64(7)
	clone.FundingAmount.SetInt64(1)
	clone.Team[0].Name = "changed"
	if d.Milestones[0].Amount.Cmp(big.NewRat(5, 1)) != 0 || d.FundingAmount.Cmp(big.NewRat(9000, 1)) != 0 || d.Team[0].Name != "Ada" {
		t.Fatalf("clone shares state with the original")
	}
	if StepBasic.String() != "basic" || Step(99).String() != "unknown" {
		t.Fatalf("unexpected step names")
	}
}
