package ledger

import (
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// MilestoneKey derives a deterministic idempotency key for a milestone
// submission so a ledger can discard replays of the same payout.
func MilestoneKey(escrowID, winnerID, receiver, amount string) string {
	parts := []string{
		strings.TrimSpace(escrowID),
		strings.TrimSpace(winnerID),
		strings.TrimSpace(receiver),
		strings.TrimSpace(amount),
	}
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}
