package fundflowd

import (
	"fmt"
	"math/big"
	"time"

	"fundflow/native/funding"
	"fundflow/native/prize"
	"fundflow/services/escrowflow"
	"fundflow/services/ledger"
	"fundflow/services/publication"
)

// Amounts travel as decimal strings so no precision is lost in JSON.

type milestonePayload struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Amount      string    `json:"amount,omitempty"`
}

type draftPayload struct {
	Title             string               `json:"title"`
	Category          string               `json:"category"`
	Description       string               `json:"description"`
	FundingAmount     string               `json:"fundingAmount"`
	Currency          string               `json:"currency,omitempty"`
	Milestones        []milestonePayload   `json:"milestones"`
	DistributeEqually bool                 `json:"distributeEqually"`
	Team              []funding.TeamMember `json:"team"`
	Contact           funding.Contact      `json:"contact"`
}

// toDraft converts the payload. Unparseable amounts become zero so the
// validator reports them alongside every other violation.
func (p draftPayload) toDraft(defaultCurrency string) *funding.Draft {
	d := &funding.Draft{
		Title:             p.Title,
		Category:          p.Category,
		Description:       p.Description,
		FundingAmount:     parseOptionalAmount(p.FundingAmount),
		Currency:          p.Currency,
		DistributeEqually: p.DistributeEqually,
		Team:              p.Team,
		Contact:           p.Contact,
	}
	if d.Currency == "" {
		d.Currency = defaultCurrency
	}
	d.Milestones = make([]funding.Milestone, len(p.Milestones))
	for i, m := range p.Milestones {
		d.Milestones[i] = funding.Milestone{
			Title:       m.Title,
			Description: m.Description,
			StartDate:   m.StartDate,
			EndDate:     m.EndDate,
			Amount:      parseOptionalAmount(m.Amount),
		}
	}
	return d
}

func parseOptionalAmount(raw string) *big.Rat {
	if raw == "" {
		return nil
	}
	amount, err := funding.ParseAmount(raw)
	if err != nil {
		return new(big.Rat)
	}
	return amount
}

func draftPayloadFrom(d *funding.Draft) *draftPayload {
	if d == nil {
		return nil
	}
	p := &draftPayload{
		Title:             d.Title,
		Category:          d.Category,
		Description:       d.Description,
		Currency:          d.Currency,
		DistributeEqually: d.DistributeEqually,
		Team:              d.Team,
		Contact:           d.Contact,
		Milestones:        make([]milestonePayload, len(d.Milestones)),
	}
	if d.FundingAmount != nil {
		p.FundingAmount = funding.FormatAmount(d.FundingAmount)
	}
	for i, m := range d.Milestones {
		p.Milestones[i] = milestonePayload{Title: m.Title, Description: m.Description, StartDate: m.StartDate, EndDate: m.EndDate}
		if m.Amount != nil {
			p.Milestones[i].Amount = funding.FormatAmount(m.Amount)
		}
	}
	return p
}

type campaignView struct {
	ID           string                   `json:"id"`
	State        escrowflow.State         `json:"state"`
	Draft        *draftPayload            `json:"draft,omitempty"`
	Deployment   *ledger.EscrowDeployment `json:"deployment,omitempty"`
	Submitting   bool                     `json:"submitting"`
	ErrorKind    ledger.Kind              `json:"errorKind,omitempty"`
	ErrorMessage string                   `json:"errorMessage,omitempty"`
	Violations   []funding.Violation      `json:"violations,omitempty"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

func newCampaignView(id string, snap escrowflow.Snapshot) campaignView {
	view := campaignView{
		ID:           id,
		State:        snap.State,
		Draft:        draftPayloadFrom(snap.Draft),
		Deployment:   snap.Deployment,
		Submitting:   snap.Submitting,
		ErrorKind:    snap.ErrorKind,
		ErrorMessage: snap.ErrorMessage,
		Violations:   snap.Violations,
		UpdatedAt:    snap.UpdatedAt,
	}
	if view.Deployment != nil {
		// The unsigned envelope is only needed while signing.
		if snap.State != escrowflow.StateSigning {
			view.Deployment.UnsignedTransaction = ""
		}
	}
	return view
}

type signPayload struct {
	SignedTransaction string `json:"signedTransaction"`
	Rejected          bool   `json:"rejected"`
}

type tierPayload struct {
	Position    string `json:"position"`
	PrizeAmount string `json:"prizeAmount"`
	Currency    string `json:"currency"`
}

type publicationPayload struct {
	Escrow  publication.Escrow `json:"escrow"`
	Winners []prize.Winner     `json:"winners"`
	Tiers   []tierPayload      `json:"tiers"`
}

func (p publicationPayload) tiers() ([]prize.Tier, error) {
	out := make([]prize.Tier, len(p.Tiers))
	for i, t := range p.Tiers {
		amount, err := funding.ParseAmount(t.PrizeAmount)
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", t.Position, err)
		}
		out[i] = prize.Tier{Position: t.Position, Amount: amount, Currency: t.Currency}
	}
	return out, nil
}

type walletPayload struct {
	Address string `json:"address"`
}

type announcementPayload struct {
	Message string `json:"message"`
}

type publicationView struct {
	ID      string                    `json:"id"`
	State   publication.State         `json:"state"`
	Wallets publication.WalletsReport `json:"wallets"`
}

type publishView struct {
	publicationView
	Failures []winnerFailure `json:"failures,omitempty"`
}

type winnerFailure struct {
	WinnerID string `json:"winnerId"`
	Receiver string `json:"receiver,omitempty"`
	Reason   string `json:"reason"`
}

type resultsView struct {
	ContractID      string                    `json:"contractId"`
	EngagementID    string                    `json:"engagementId"`
	EscrowAddress   string                    `json:"escrowAddress,omitempty"`
	TransactionHash string                    `json:"transactionHash,omitempty"`
	Campaign        *draftPayload             `json:"campaign,omitempty"`
	Payouts         []publication.Payout      `json:"payouts"`
	Announcement    *publication.Announcement `json:"announcement,omitempty"`
}
