package funding

import (
	"errors"
	"fmt"
	"strings"
)

// Scope identifies what a violation is attached to.
type Scope string

const (
	// ScopeField violations belong to a single field of one milestone.
	ScopeField Scope = "field"
	// ScopeList violations describe a relationship between milestones and
	// are keyed by the offending index.
	ScopeList Scope = "list"
	// ScopeDraft violations belong to a draft-level field.
	ScopeDraft Scope = "draft"
)

// Violation codes. Codes are stable and safe to expose to clients.
const (
	CodeTitleRequired      = "title_required"
	CodeTitleTooLong       = "title_too_long"
	CodeCategoryInvalid    = "category_invalid"
	CodeDescriptionMissing = "description_required"
	CodeStartRequired      = "start_required"
	CodeEndRequired        = "end_required"
	CodeStartNotFuture     = "start_not_future"
	CodeEndBeforeStart     = "end_before_start"
	CodeDurationTooShort   = "duration_too_short"
	CodeStartTooFar        = "start_too_far"
	CodeOutOfOrder         = "out_of_order"
	CodeSpanTooLong        = "span_too_long"
	CodeAmountInvalid      = "amount_invalid"
	CodeAmountsExceedTotal = "amounts_exceed_total"
	CodeFundingInvalid     = "funding_invalid"
	CodeMilestonesRequired = "milestones_required"
	CodeTeamRequired       = "team_required"
	CodeMemberIncomplete   = "member_incomplete"
	CodeMemberWallet       = "member_wallet_invalid"
	CodeEmailInvalid       = "email_invalid"
)

// Violation describes a single broken rule.
type Violation struct {
	Scope   Scope  `json:"scope"`
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	switch v.Scope {
	case ScopeField, ScopeList:
		return fmt.Sprintf("milestones[%d].%s: %s", v.Index, v.Field, v.Message)
	default:
		return fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
}

// Result collects every violation found by a validation pass.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether no violations were recorded.
func (r Result) OK() bool { return len(r.Violations) == 0 }

// ByIndex returns the violations attached to milestone i.
func (r Result) ByIndex(i int) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if (v.Scope == ScopeField || v.Scope == ScopeList) && v.Index == i {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether a violation with the code exists.
func (r Result) Has(code string) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Merge appends other's violations to r.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

func (r *Result) add(v Violation) {
	r.Violations = append(r.Violations, v)
}

// ErrInvalidDraft is the sentinel matched by errors produced from a Result.
var ErrInvalidDraft = errors.New("funding: invalid draft")

// Err converts the result to an error, nil when OK.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.String()
	}
	return fmt.Errorf("%w: %s", ErrInvalidDraft, strings.Join(parts, "; "))
}
