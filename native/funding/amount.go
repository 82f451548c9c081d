package funding

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// AmountScale is the number of fractional digits the ledger tracks for an
// asset amount.
const AmountScale = 7

// ErrInvalidAmount marks malformed decimal amounts.
var ErrInvalidAmount = errors.New("funding: invalid amount")

// ParseAmount parses a non-negative decimal string such as "1500" or
// "1500.25". Fractions and exponents are rejected.
func ParseAmount(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.ContainsAny(trimmed, "/eE+-") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if whole, frac, ok := strings.Cut(trimmed, "."); ok {
		if whole == "" || frac == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
		}
		if len(frac) > AmountScale {
			return nil, fmt.Errorf("%w: more than %d decimals", ErrInvalidAmount, AmountScale)
		}
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return value, nil
}

// FormatAmount renders an amount with at most AmountScale decimals and no
// trailing zeros.
func FormatAmount(amount *big.Rat) string {
	if amount == nil {
		return "0"
	}
	out := amount.FloatString(AmountScale)
	if strings.Contains(out, ".") {
		out = strings.TrimRight(out, "0")
		out = strings.TrimSuffix(out, ".")
	}
	return out
}

func isPositive(amount *big.Rat) bool {
	return amount != nil && amount.Sign() > 0
}
