package funding

import (
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"fundflow/native/wallet"
)

// MaxTitleLength bounds campaign titles.
const MaxTitleLength = 120

// Step identifies one page of the campaign wizard. Each step validates the
// part of the draft it owns.
type Step uint8

const (
	StepBasic Step = iota + 1
	StepDetails
	StepMilestones
	StepTeam
	StepContact
)

// Steps returns the wizard steps in order.
func Steps() []Step {
	return []Step{StepBasic, StepDetails, StepMilestones, StepTeam, StepContact}
}

func (s Step) String() string {
	switch s {
	case StepBasic:
		return "basic"
	case StepDetails:
		return "details"
	case StepMilestones:
		return "milestones"
	case StepTeam:
		return "team"
	case StepContact:
		return "contact"
	default:
		return "unknown"
	}
}

// Validate checks the fields owned by the step.
func (s Step) Validate(d *Draft, now time.Time) Result {
	if d == nil {
		d = &Draft{}
	}
	switch s {
	case StepBasic:
		return validateBasic(d)
	case StepDetails:
		return validateDetails(d)
	case StepMilestones:
		return validateMilestones(d, now)
	case StepTeam:
		return validateTeam(d)
	case StepContact:
		return validateContact(d)
	default:
		return Result{}
	}
}

// ValidateDraft runs every step and returns the merged result.
func ValidateDraft(d *Draft, now time.Time) Result {
	var res Result
	for _, step := range Steps() {
		res.Merge(step.Validate(d, now))
	}
	return res
}

func draftViolation(field, code, msg string) Violation {
	return Violation{Scope: ScopeDraft, Index: -1, Field: field, Code: code, Message: msg}
}

func validateBasic(d *Draft) Result {
	var res Result
	title := strings.TrimSpace(d.Title)
	switch {
	case title == "":
		res.add(draftViolation("title", CodeTitleRequired, "title is required"))
	case utf8.RuneCountInString(title) > MaxTitleLength:
		res.add(draftViolation("title", CodeTitleTooLong, "title must be at most 120 characters"))
	}
	if _, ok := ParseCategory(d.Category); !ok {
		res.add(draftViolation("category", CodeCategoryInvalid, "category is not supported"))
	}
	if strings.TrimSpace(d.Description) == "" {
		res.add(draftViolation("description", CodeDescriptionMissing, "description is required"))
	}
	return res
}

func validateDetails(d *Draft) Result {
	var res Result
	if !isPositive(d.FundingAmount) {
		res.add(draftViolation("fundingAmount", CodeFundingInvalid, "funding amount must be positive"))
	}
	return res
}

// The funding amount belongs to the details step.
func validateMilestones(d *Draft, now time.Time) Result {
	rule := amountsRequired
	if d.DistributeEqually {
		rule = amountsIgnored
	}
	full := validateSchedule(d.Milestones, d.FundingAmount, rule, now)
	var res Result
	for _, v := range full.Violations {
		if v.Code == CodeFundingInvalid {
			continue
		}
		res.add(v)
	}
	return res
}

func validateTeam(d *Draft) Result {
	var res Result
	if len(d.Team) == 0 {
		res.add(draftViolation("team", CodeTeamRequired, "at least one team member is required"))
		return res
	}
	for i, member := range d.Team {
		if strings.TrimSpace(member.Name) == "" || strings.TrimSpace(member.Role) == "" {
			res.add(Violation{Scope: ScopeDraft, Index: i, Field: "team", Code: CodeMemberIncomplete, Message: "team member needs a name and a role"})
		}
		if addr := wallet.Normalize(member.Wallet); addr != "" && !wallet.ValidAddress(addr) {
			res.add(Violation{Scope: ScopeDraft, Index: i, Field: "team", Code: CodeMemberWallet, Message: "team member wallet is not a valid address"})
		}
	}
	return res
}

func validateContact(d *Draft) Result {
	var res Result
	email := strings.TrimSpace(d.Contact.Email)
	if email == "" {
		res.add(draftViolation("contact.email", CodeEmailInvalid, "contact email is required"))
		return res
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil || parsed.Address != email {
		res.add(draftViolation("contact.email", CodeEmailInvalid, "contact email is not valid"))
	}
	return res
}
