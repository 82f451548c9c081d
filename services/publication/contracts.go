package publication

import (
	"context"
	"time"

	"fundflow/services/ledger"
)

// Escrow identifies the deployed escrow that pays the winners.
type Escrow struct {
	ContractID   string `json:"contractId"`
	EngagementID string `json:"engagementId"`
	Funded       bool   `json:"funded"`
	Currency     string `json:"currency"`
}

// LatchStore persists the one-way milestones-created latch per escrow.
// ClaimMilestones sets the latch atomically and reports whether this call
// was the one that set it.
type LatchStore interface {
	MilestonesCreated(ctx context.Context, escrowID string) (bool, error)
	ClaimMilestones(ctx context.Context, escrowID string) (bool, error)
}

// Announcement is the public results post.
type Announcement struct {
	EscrowID     string          `json:"escrowId"`
	EngagementID string          `json:"engagementId"`
	Message      string          `json:"message"`
	Winners      []PreviewWinner `json:"winners"`
	PublishedAt  time.Time       `json:"publishedAt"`
}

// AnnouncementPublisher stores the results announcement.
type AnnouncementPublisher interface {
	PublishAnnouncement(ctx context.Context, a Announcement) error
}

// PayoutStatus is the outcome of one winner's milestone.
type PayoutStatus string

const (
	PayoutCreated        PayoutStatus = "created"
	PayoutFailed         PayoutStatus = "failed"
	PayoutInvalidAddress PayoutStatus = "invalid_address"
)

// Payout records the milestone attempt for one winner.
type Payout struct {
	WinnerID       string       `json:"winnerId"`
	Rank           int          `json:"rank"`
	Receiver       string       `json:"receiver"`
	Amount         string       `json:"amount"`
	Currency       string       `json:"currency"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Status         PayoutStatus `json:"status"`
	Error          string       `json:"error,omitempty"`
}

// PayoutRecorder keeps per-winner results once milestones were attempted.
type PayoutRecorder interface {
	RecordPayouts(ctx context.Context, escrowID string, payouts []Payout) error
}

// Collaborators bundles the services the wizard drives. Inspector and
// Payouts are optional.
type Collaborators struct {
	Milestones ledger.MilestoneSubmitter
	Latch      LatchStore
	Announcer  AnnouncementPublisher
	Payouts    PayoutRecorder
	Inspector  ledger.EscrowInspector
}
