package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FundingRecord is a deployed campaign escrow.
type FundingRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	EngagementID    string    `gorm:"uniqueIndex;not null"`
	Owner           string    `gorm:"index"`
	Title           string
	Category        string `gorm:"index"`
	FundingAmount   string
	Currency        string
	Draft           string `gorm:"type:text"`
	ContractID      string `gorm:"uniqueIndex;not null"`
	EscrowAddress   string
	TransactionHash string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Publication holds the milestones-created latch of an escrow.
type Publication struct {
	ContractID          string `gorm:"primaryKey"`
	MilestonesCreated   bool   `gorm:"not null;default:false"`
	MilestonesCreatedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WinnerPayout is the milestone outcome of one winner.
type WinnerPayout struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContractID     string    `gorm:"uniqueIndex:idx_payout_winner;not null"`
	WinnerID       string    `gorm:"uniqueIndex:idx_payout_winner;not null"`
	Rank           int       `gorm:"column:winner_rank"`
	Receiver       string
	Amount         string
	Currency       string
	IdempotencyKey string `gorm:"index"`
	Status         string `gorm:"index"`
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Announcement is the published results post of an escrow.
type Announcement struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContractID   string    `gorm:"uniqueIndex;not null"`
	EngagementID string    `gorm:"index"`
	Message      string    `gorm:"type:text"`
	Winners      string    `gorm:"type:text"`
	PublishedAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&FundingRecord{},
		&Publication{},
		&WinnerPayout{},
		&Announcement{},
	)
}
