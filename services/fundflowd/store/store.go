// Package store persists funding records, the publication latch, winner
// payouts and announcements for the fundflow daemon.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundflow/native/funding"
	"fundflow/services/ledger"
	"fundflow/services/publication"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrDSNRequired is returned when no database DSN is configured.
	ErrDSNRequired = errors.New("store: dsn must be configured")
	// ErrUnsupportedDriver is returned for unknown database drivers.
	ErrUnsupportedDriver = errors.New("store: unsupported driver")
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("store: record not found")
)

// Store implements the persistence collaborators of both workflows.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ ledger.FundingRecorder            = (*Store)(nil)
	_ publication.LatchStore            = (*Store)(nil)
	_ publication.AnnouncementPublisher = (*Store)(nil)
	_ publication.PayoutRecorder        = (*Store)(nil)
)

// Open connects to the configured database and applies migrations.
func Open(driver, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return New(db), nil
}

// New wraps an already migrated database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RecordFunding stores a deployed campaign. Recording the same engagement
// and contract again succeeds without changes; binding an engagement to a
// different contract is refused.
func (s *Store) RecordFunding(ctx context.Context, rec ledger.FundingRecord) (*ledger.RecordResponse, error) {
	engagementID := strings.TrimSpace(rec.EngagementID)
	contractID := strings.TrimSpace(rec.ContractID)
	if engagementID == "" || contractID == "" {
		return &ledger.RecordResponse{Success: false, Message: "engagement and contract identifiers are required"}, nil
	}
	draft, err := json.Marshal(rec.Draft)
	if err != nil {
		return nil, fmt.Errorf("store: encode draft: %w", err)
	}
	resp := &ledger.RecordResponse{Success: true}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing FundingRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "engagement_id = ?", engagementID).Error
		switch {
		case err == nil:
			if existing.ContractID != contractID {
				resp = &ledger.RecordResponse{Success: false, Message: "engagement is already bound to another escrow"}
			} else {
				resp.Message = "already recorded"
			}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		now := s.now()
		row := FundingRecord{
			ID:              uuid.New(),
			EngagementID:    engagementID,
			Owner:           strings.TrimSpace(rec.Owner),
			ContractID:      contractID,
			EscrowAddress:   strings.TrimSpace(rec.EscrowAddress),
			TransactionHash: strings.TrimSpace(rec.TransactionHash),
			Draft:           string(draft),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if d := rec.Draft; d != nil {
			row.Title = strings.TrimSpace(d.Title)
			row.Category = strings.ToLower(strings.TrimSpace(d.Category))
			row.FundingAmount = funding.FormatAmount(d.FundingAmount)
			row.Currency = strings.TrimSpace(d.Currency)
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: record funding: %w", err)
	}
	return resp, nil
}

// Funding returns the funding record of a contract.
func (s *Store) Funding(ctx context.Context, contractID string) (*FundingRecord, error) {
	var row FundingRecord
	err := s.db.WithContext(ctx).First(&row, "contract_id = ?", strings.TrimSpace(contractID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load funding: %w", err)
	}
	return &row, nil
}

// FundingDraft decodes the draft stored with a funding record.
func (r *FundingRecord) FundingDraft() (*funding.Draft, error) {
	if r == nil || r.Draft == "" || r.Draft == "null" {
		return nil, nil
	}
	var d funding.Draft
	if err := json.Unmarshal([]byte(r.Draft), &d); err != nil {
		return nil, fmt.Errorf("store: decode draft: %w", err)
	}
	return &d, nil
}

// MilestonesCreated reports whether winner milestones were created for the
// escrow.
func (s *Store) MilestonesCreated(ctx context.Context, escrowID string) (bool, error) {
	var row Publication
	err := s.db.WithContext(ctx).First(&row, "contract_id = ?", strings.TrimSpace(escrowID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: load latch: %w", err)
	}
	return row.MilestonesCreated, nil
}

// ClaimMilestones sets the latch and reports whether this call set it.
// Exactly one caller per escrow gets true. The latch is never cleared.
func (s *Store) ClaimMilestones(ctx context.Context, escrowID string) (bool, error) {
	escrowID = strings.TrimSpace(escrowID)
	now := s.now()
	row := Publication{
		ContractID:          escrowID,
		MilestonesCreated:   true,
		MilestonesCreatedAt: &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("store: claim latch: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	res = s.db.WithContext(ctx).Model(&Publication{}).
		Where("contract_id = ? AND milestones_created = ?", escrowID, false).
		Updates(map[string]any{
			"milestones_created":    true,
			"milestones_created_at": now,
			"updated_at":            now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: claim latch: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecordPayouts upserts the per-winner results of an escrow.
func (s *Store) RecordPayouts(ctx context.Context, escrowID string, payouts []publication.Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	escrowID = strings.TrimSpace(escrowID)
	now := s.now()
	rows := make([]WinnerPayout, len(payouts))
	for i, p := range payouts {
		rows[i] = WinnerPayout{
			ID:             uuid.New(),
			ContractID:     escrowID,
			WinnerID:       p.WinnerID,
			Rank:           p.Rank,
			Receiver:       p.Receiver,
			Amount:         p.Amount,
			Currency:       p.Currency,
			IdempotencyKey: p.IdempotencyKey,
			Status:         string(p.Status),
			Error:          p.Error,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "contract_id"}, {Name: "winner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"winner_rank", "receiver", "amount", "currency", "idempotency_key", "status", "error", "updated_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("store: record payouts: %w", err)
	}
	return nil
}

// Payouts lists the recorded results of an escrow in rank order.
func (s *Store) Payouts(ctx context.Context, escrowID string) ([]publication.Payout, error) {
	var rows []WinnerPayout
	err := s.db.WithContext(ctx).
		Where("contract_id = ?", strings.TrimSpace(escrowID)).
		Order("winner_rank ASC").Order("winner_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list payouts: %w", err)
	}
	out := make([]publication.Payout, len(rows))
	for i, r := range rows {
		out[i] = publication.Payout{
			WinnerID:       r.WinnerID,
			Rank:           r.Rank,
			Receiver:       r.Receiver,
			Amount:         r.Amount,
			Currency:       r.Currency,
			IdempotencyKey: r.IdempotencyKey,
			Status:         publication.PayoutStatus(r.Status),
			Error:          r.Error,
		}
	}
	return out, nil
}

// PublishAnnouncement stores the announcement; publishing again replaces it.
func (s *Store) PublishAnnouncement(ctx context.Context, a publication.Announcement) error {
	winners, err := json.Marshal(a.Winners)
	if err != nil {
		return fmt.Errorf("store: encode winners: %w", err)
	}
	now := s.now()
	publishedAt := a.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = now
	}
	row := Announcement{
		ID:           uuid.New(),
		ContractID:   strings.TrimSpace(a.EscrowID),
		EngagementID: strings.TrimSpace(a.EngagementID),
		Message:      a.Message,
		Winners:      string(winners),
		PublishedAt:  publishedAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"engagement_id", "message", "winners", "published_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: publish announcement: %w", err)
	}
	return nil
}

// Announcement returns the published announcement of an escrow.
func (s *Store) Announcement(ctx context.Context, escrowID string) (*publication.Announcement, error) {
	var row Announcement
	err := s.db.WithContext(ctx).First(&row, "contract_id = ?", strings.TrimSpace(escrowID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load announcement: %w", err)
	}
	out := &publication.Announcement{
		EscrowID:     row.ContractID,
		EngagementID: row.EngagementID,
		Message:      row.Message,
		PublishedAt:  row.PublishedAt,
	}
	if row.Winners != "" {
		if err := json.Unmarshal([]byte(row.Winners), &out.Winners); err != nil {
			return nil, fmt.Errorf("store: decode winners: %w", err)
		}
	}
	return out, nil
}
