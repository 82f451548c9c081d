package funding

import (
	"math/big"
	"strings"
	"time"
)

// Category enumerates the campaign categories accepted by the basic step.
type Category string

const (
	CategoryTechnology  Category = "technology"
	CategoryEducation   Category = "education"
	CategoryCommunity   Category = "community"
	CategoryEnvironment Category = "environment"
	CategoryArt         Category = "art"
	CategoryHealth      Category = "health"
	CategoryHackathon   Category = "hackathon"
)

var knownCategories = map[Category]struct{}{
	CategoryTechnology:  {},
	CategoryEducation:   {},
	CategoryCommunity:   {},
	CategoryEnvironment: {},
	CategoryArt:         {},
	CategoryHealth:      {},
	CategoryHackathon:   {},
}

// ParseCategory normalises a free-form category string.
func ParseCategory(raw string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := knownCategories[c]
	return c, ok
}

// Milestone is a dated, amount-bound unit of work.
type Milestone struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	// Amount is nil when the draft distributes funding equally.
	Amount *big.Rat `json:"amount,omitempty"`
}

// Clone returns a deep copy of the milestone.
func (m Milestone) Clone() Milestone {
	clone := m
	if m.Amount != nil {
		clone.Amount = new(big.Rat).Set(m.Amount)
	}
	return clone
}

// Duration reports the scheduled length of the milestone.
func (m Milestone) Duration() time.Duration {
	return m.EndDate.Sub(m.StartDate)
}

// TeamMember lists a contributor shown on the campaign.
type TeamMember struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	Wallet string `json:"wallet,omitempty"`
}

// Contact holds the public contact details of the organizer.
type Contact struct {
	Email   string `json:"email"`
	Website string `json:"website,omitempty"`
	Social  string `json:"social,omitempty"`
}

// Draft aggregates everything an organizer enters before the escrow is
// deployed. A draft is owned by a single editing session.
type Draft struct {
	Title             string       `json:"title"`
	Category          string       `json:"category"`
	Description       string       `json:"description"`
	FundingAmount     *big.Rat     `json:"fundingAmount"`
	Currency          string       `json:"currency,omitempty"`
	Milestones        []Milestone  `json:"milestones"`
	DistributeEqually bool         `json:"distributeEqually"`
	Team              []TeamMember `json:"team"`
	Contact           Contact      `json:"contact"`
}

// Clone returns a deep copy so callers cannot mutate a draft held by a
// running workflow.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	clone := *d
	if d.FundingAmount != nil {
		clone.FundingAmount = new(big.Rat).Set(d.FundingAmount)
	}
	if len(d.Milestones) > 0 {
		clone.Milestones = make([]Milestone, len(d.Milestones))
		for i, m := range d.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	if len(d.Team) > 0 {
		clone.Team = append([]TeamMember(nil), d.Team...)
	}
	return &clone
}

// MilestoneAmounts returns the amount that will be committed for every
// milestone. Equal distribution ignores any explicit per-milestone amounts.
func (d *Draft) MilestoneAmounts() []*big.Rat {
	if d == nil || len(d.Milestones) == 0 {
		return nil
	}
	out := make([]*big.Rat, len(d.Milestones))
	if d.DistributeEqually {
		share := EqualSplit(d.FundingAmount, len(d.Milestones))
		for i := range out {
			out[i] = new(big.Rat).Set(share)
		}
		return out
	}
	for i, m := range d.Milestones {
		if m.Amount != nil {
			out[i] = new(big.Rat).Set(m.Amount)
		} else {
			out[i] = new(big.Rat)
		}
	}
	return out
}
