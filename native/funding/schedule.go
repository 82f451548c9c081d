package funding

import (
	"math/big"
	"strings"
	"time"
)

const (
	// MinMilestoneDuration is the shortest schedulable milestone.
	MinMilestoneDuration = 7 * 24 * time.Hour
	// OrderingSlack is how far a milestone may start before the previous
	// one ends.
	OrderingSlack = 24 * time.Hour
	// MaxStartYears bounds how far in the future a milestone may start.
	MaxStartYears = 2
	// MaxSpanYears bounds the span from the first start to the last end.
	MaxSpanYears = 3
)

// ScheduleValidator checks milestone lists against the temporal and
// financial rules of a campaign.
type ScheduleValidator struct {
	now func() time.Time
}

// NewScheduleValidator returns a validator using the supplied clock.
func NewScheduleValidator(now func() time.Time) *ScheduleValidator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ScheduleValidator{now: now}
}

// Validate applies the per-milestone and cross-milestone rules and returns
// every violation found.
func (v *ScheduleValidator) Validate(milestones []Milestone, totalFunding *big.Rat) Result {
	return validateSchedule(milestones, totalFunding, amountsIfAny, v.now())
}

// ValidateSchedule is a convenience wrapper around ScheduleValidator for a
// fixed instant.
func ValidateSchedule(milestones []Milestone, totalFunding *big.Rat, now time.Time) Result {
	return validateSchedule(milestones, totalFunding, amountsIfAny, now)
}

// amountRule selects how per-milestone amounts are checked.
type amountRule int

const (
	// amountsIgnored applies when funding is split equally.
	amountsIgnored amountRule = iota
	// amountsIfAny requires every amount once any milestone carries one.
	amountsIfAny
	// amountsRequired requires an amount on every milestone.
	amountsRequired
)

func validateSchedule(milestones []Milestone, totalFunding *big.Rat, rule amountRule, now time.Time) Result {
	var res Result
	if !isPositive(totalFunding) {
		res.add(Violation{Scope: ScopeDraft, Index: -1, Field: "fundingAmount", Code: CodeFundingInvalid, Message: "funding amount must be positive"})
	}
	if len(milestones) == 0 {
		res.add(Violation{Scope: ScopeDraft, Index: -1, Field: "milestones", Code: CodeMilestonesRequired, Message: "at least one milestone is required"})
		return res
	}

	if rule == amountsIfAny {
		for _, m := range milestones {
			if m.Amount != nil {
				rule = amountsRequired
				break
			}
		}
	}

	latestStart := now.AddDate(MaxStartYears, 0, 0)
	for i, m := range milestones {
		if strings.TrimSpace(m.Title) == "" {
			res.add(fieldViolation(i, "title", CodeTitleRequired, "title is required"))
		}
		startSet := !m.StartDate.IsZero()
		endSet := !m.EndDate.IsZero()
		if !startSet {
			res.add(fieldViolation(i, "startDate", CodeStartRequired, "start date is required"))
		}
		if !endSet {
			res.add(fieldViolation(i, "endDate", CodeEndRequired, "end date is required"))
		}
		if startSet {
			if !m.StartDate.After(now) {
				res.add(fieldViolation(i, "startDate", CodeStartNotFuture, "start date must be in the future"))
			}
			if m.StartDate.After(latestStart) {
				res.add(fieldViolation(i, "startDate", CodeStartTooFar, "start date must be within 2 years"))
			}
		}
		if startSet && endSet {
			if !m.EndDate.After(m.StartDate) {
				res.add(fieldViolation(i, "endDate", CodeEndBeforeStart, "end date must be after start date"))
			} else if m.Duration() < MinMilestoneDuration {
				res.add(fieldViolation(i, "endDate", CodeDurationTooShort, "milestone must last at least 7 days"))
			}
		}
		if rule == amountsRequired {
			switch {
			case m.Amount == nil:
				res.add(fieldViolation(i, "amount", CodeAmountInvalid, "amount is required"))
			case m.Amount.Sign() <= 0:
				res.add(fieldViolation(i, "amount", CodeAmountInvalid, "amount must be positive"))
			}
		}
	}

	for i := 0; i+1 < len(milestones); i++ {
		cur, next := milestones[i], milestones[i+1]
		if cur.EndDate.IsZero() || next.StartDate.IsZero() {
			continue
		}
		if next.StartDate.Before(cur.EndDate.Add(-OrderingSlack)) {
			res.add(Violation{
				Scope:   ScopeList,
				Index:   i + 1,
				Field:   "startDate",
				Code:    CodeOutOfOrder,
				Message: "milestone starts before the previous milestone ends",
			})
		}
	}

	first, last := milestones[0], milestones[len(milestones)-1]
	if !first.StartDate.IsZero() && !last.EndDate.IsZero() {
		if last.EndDate.After(first.StartDate.AddDate(MaxSpanYears, 0, 0)) {
			res.add(Violation{
				Scope:   ScopeList,
				Index:   len(milestones) - 1,
				Field:   "endDate",
				Code:    CodeSpanTooLong,
				Message: "milestones must complete within 3 years of the first start",
			})
		}
	}

	if rule == amountsRequired && isPositive(totalFunding) {
		sum := new(big.Rat)
		for _, m := range milestones {
			if m.Amount != nil {
				sum.Add(sum, m.Amount)
			}
		}
		if sum.Cmp(totalFunding) > 0 {
			res.add(Violation{
				Scope:   ScopeList,
				Index:   len(milestones) - 1,
				Field:   "amount",
				Code:    CodeAmountsExceedTotal,
				Message: "milestone amounts exceed the funding amount",
			})
		}
	}
	return res
}

func fieldViolation(index int, field, code, msg string) Violation {
	return Violation{Scope: ScopeField, Index: index, Field: field, Code: code, Message: msg}
}
