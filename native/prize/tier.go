package prize

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Tier maps a position label to a prize amount.
type Tier struct {
	Position string   `json:"position"`
	Amount   *big.Rat `json:"prizeAmount"`
	Currency string   `json:"currency"`
}

// Rank resolves the tier position.
func (t Tier) Rank() (int, bool) {
	return ExtractRank(t.Position)
}

// Winner is a ranked competition submission.
type Winner struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ProjectName string  `json:"projectName"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"maxScore"`
	Rank        *int    `json:"rank,omitempty"`
}

// FindTierForRank returns the first tier whose position resolves to rank.
func FindTierForRank(tiers []Tier, rank int) (Tier, bool) {
	for _, tier := range tiers {
		if r, ok := ExtractRank(tier.Position); ok && r == rank {
			return tier, true
		}
	}
	return Tier{}, false
}

// DuplicateRankError reports two or more tiers resolving to the same rank.
type DuplicateRankError struct {
	Rank      int
	Positions []string
}

func (e *DuplicateRankError) Error() string {
	return fmt.Sprintf("prize: positions %s all resolve to rank %d", strings.Join(quoteAll(e.Positions), ", "), e.Rank)
}

// UnrecognizedPositionError reports a tier label that is not a rank.
type UnrecognizedPositionError struct {
	Position string
}

func (e *UnrecognizedPositionError) Error() string {
	return fmt.Sprintf("prize: position %q is not a recognised rank", e.Position)
}

// ErrInvalidTier marks tiers with a missing or non-positive amount.
var ErrInvalidTier = errors.New("prize: invalid tier")

// IndexTiers resolves every tier to its rank. Duplicate ranks and
// unrecognised positions are configuration errors and are all reported.
func IndexTiers(tiers []Tier) (map[int]Tier, error) {
	index := make(map[int]Tier, len(tiers))
	positions := make(map[int][]string)
	var errs []error
	for _, tier := range tiers {
		rank, ok := tier.Rank()
		if !ok {
			errs = append(errs, &UnrecognizedPositionError{Position: tier.Position})
			continue
		}
		if tier.Amount == nil || tier.Amount.Sign() <= 0 {
			errs = append(errs, fmt.Errorf("%w: position %q needs a positive amount", ErrInvalidTier, tier.Position))
		}
		positions[rank] = append(positions[rank], tier.Position)
		if _, exists := index[rank]; !exists {
			index[rank] = tier
		}
	}
	ranks := make([]int, 0, len(positions))
	for rank, labels := range positions {
		if len(labels) > 1 {
			ranks = append(ranks, rank)
		}
	}
	sort.Ints(ranks)
	for _, rank := range ranks {
		errs = append(errs, &DuplicateRankError{Rank: rank, Positions: positions[rank]})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return index, nil
}

// EligibleWinners returns the winners whose rank falls within the defined
// tiers, ordered by rank then ID.
func EligibleWinners(winners []Winner, tierCount int) []Winner {
	out := make([]Winner, 0, len(winners))
	for _, w := range winners {
		if w.Rank == nil || *w.Rank < 1 || *w.Rank > tierCount {
			continue
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if *out[i].Rank != *out[j].Rank {
			return *out[i].Rank < *out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
