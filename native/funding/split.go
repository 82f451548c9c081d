package funding

import "math/big"

// EqualSplit returns floor(total / count). The remainder is not redistributed
// to any milestone, so the committed sum can be lower than total.
func EqualSplit(total *big.Rat, count int) *big.Rat {
	if total == nil || count <= 0 || total.Sign() <= 0 {
		return new(big.Rat)
	}
	num := new(big.Int).Set(total.Num())
	den := new(big.Int).Mul(total.Denom(), big.NewInt(int64(count)))
	// Quo truncates toward zero which equals floor for positive operands.
	share := new(big.Int).Quo(num, den)
	return new(big.Rat).SetInt(share)
}

// SplitRemainder reports the amount lost by EqualSplit.
func SplitRemainder(total *big.Rat, count int) *big.Rat {
	if total == nil || count <= 0 {
		return new(big.Rat)
	}
	share := EqualSplit(total, count)
	committed := new(big.Rat).Mul(share, new(big.Rat).SetInt64(int64(count)))
	return new(big.Rat).Sub(total, committed)
}
