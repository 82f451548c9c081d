package publication

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEscrowNotFunded blocks the wallets step until the escrow holds funds.
	ErrEscrowNotFunded = errors.New("publication: escrow is not funded")
	// ErrNotOpened is returned before Open loaded the persisted latch.
	ErrNotOpened = errors.New("publication: wizard not opened")
	// ErrUnknownWinner is returned for winners outside the prize tiers.
	ErrUnknownWinner = errors.New("publication: winner is not eligible")
	// ErrAnnouncementRequired is returned when completing an empty announcement.
	ErrAnnouncementRequired = errors.New("publication: announcement message required")
	// ErrMilestonesLocked is returned when returning to wallets after the
	// milestones were created.
	ErrMilestonesLocked = errors.New("publication: milestones already created")
)

// MissingPrizeTierError blocks the whole batch: an eligible winner has no
// tier to be paid from.
type MissingPrizeTierError struct {
	Ranks     []int
	WinnerIDs []string
}

func (e *MissingPrizeTierError) Error() string {
	ranks := make([]string, len(e.Ranks))
	for i, r := range e.Ranks {
		ranks[i] = fmt.Sprint(r)
	}
	return fmt.Sprintf("publication: no prize tier for rank %s", strings.Join(ranks, ", "))
}

// IncompleteWalletsError lists eligible winners without a wallet address.
type IncompleteWalletsError struct {
	WinnerIDs []string
}

func (e *IncompleteWalletsError) Error() string {
	return fmt.Sprintf("publication: %d winner(s) missing a wallet address", len(e.WinnerIDs))
}

// WinnerMilestoneError reports the milestone failure of a single winner.
// Other winners are unaffected.
type WinnerMilestoneError struct {
	WinnerID string
	Receiver string
	Err      error
}

func (e *WinnerMilestoneError) Error() string {
	return fmt.Sprintf("publication: milestone for winner %s: %v", e.WinnerID, e.Err)
}

func (e *WinnerMilestoneError) Unwrap() error { return e.Err }
