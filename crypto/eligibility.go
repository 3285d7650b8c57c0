package crypto

import "math/big"

// two256 is 2^256, the number of values the first half of a signature can take.
var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// IsEligible reports whether this task signature selects its author for a
// round task with probability p. The first 32 bytes of the signature,
// read as a big-endian integer n, select the author iff n / 2^256 < p.
func (s Signature) IsEligible(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	n := new(big.Int).SetBytes(s[:32])
	prob := new(big.Rat).SetFloat64(p)
	// n / 2^256 < p  <=>  n * denom(p) < num(p) * 2^256
	lhs := new(big.Int).Mul(n, prob.Denom())
	rhs := new(big.Int).Mul(prob.Num(), two256)
	return lhs.Cmp(rhs) < 0
}
