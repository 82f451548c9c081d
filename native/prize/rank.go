// Package prize resolves free-text prize tier positions to numeric ranks.
package prize

import (
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxRank bounds the ranks recognised from labels.
const MaxRank = 1000

var ordinalWords = map[string]int{
	"first":   1,
	"second":  2,
	"third":   3,
	"fourth":  4,
	"fifth":   5,
	"sixth":   6,
	"seventh": 7,
	"eighth":  8,
	"ninth":   9,
	"tenth":   10,
}

var ordinalSuffixes = []string{"st", "nd", "rd", "th"}

// trailing words tolerated after the rank, e.g. "1st place".
var rankNouns = map[string]struct{}{
	"place": {},
	"prize": {},
}

// ExtractRank resolves a position label such as "1", "2nd", "Third" or
// "1st Place" to its rank. Unrecognised labels report ok=false.
func ExtractRank(label string) (int, bool) {
	normalized := strings.ToLower(strings.TrimSpace(norm.NFKC.String(label)))
	fields := strings.Fields(normalized)
	switch len(fields) {
	case 1:
	case 2:
		if _, ok := rankNouns[fields[1]]; !ok {
			return 0, false
		}
	default:
		return 0, false
	}
	token := fields[0]
	if rank, ok := ordinalWords[token]; ok {
		return rank, true
	}
	for _, suffix := range ordinalSuffixes {
		if trimmed, ok := strings.CutSuffix(token, suffix); ok {
			token = trimmed
			break
		}
	}
	if token == "" {
		return 0, false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	rank, err := strconv.Atoi(token)
	if err != nil || rank < 1 || rank > MaxRank {
		return 0, false
	}
	return rank, true
}
