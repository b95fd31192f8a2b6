package types

import "math/big"

// Uint256Size is the width in bytes of a ChainTrust/target value.
const Uint256Size = 32

// Uint256 is a fixed-width unsigned 256-bit integer, stored big-endian.
// Used for chain trust (cumulative work) and PoW targets, grounded on the
// teacher's big.Int-based target arithmetic in internal/consensus/pow.go,
// given a fixed-size wrapper the way pkg/types/hash.go wraps [32]byte.
type Uint256 [Uint256Size]byte

// ZeroUint256 is the additive identity.
var ZeroUint256 = Uint256{}

// Uint256FromBig converts a big.Int into a Uint256, truncating silently if
// it does not fit (callers are expected to keep values within range).
func Uint256FromBig(v *big.Int) Uint256 {
	var out Uint256
	b := v.Bytes()
	if len(b) > Uint256Size {
		b = b[len(b)-Uint256Size:]
	}
	copy(out[Uint256Size-len(b):], b)
	return out
}

// Big returns the value as a big.Int.
func (u Uint256) Big() *big.Int {
	return new(big.Int).SetBytes(u[:])
}

// Add returns u+v as a Uint256 (wraps if the sum exceeds 256 bits, which
// should never happen for realistic chain-trust accumulation).
func (u Uint256) Add(v Uint256) Uint256 {
	sum := new(big.Int).Add(u.Big(), v.Big())
	return Uint256FromBig(sum)
}

// Cmp compares u to v: -1, 0, or 1.
func (u Uint256) Cmp(v Uint256) int {
	for i := 0; i < Uint256Size; i++ {
		if u[i] != v[i] {
			if u[i] < v[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// LessOrEqual reports whether u <= v.
func (u Uint256) LessOrEqual(v Uint256) bool {
	return u.Cmp(v) <= 0
}

// String renders the value in decimal.
func (u Uint256) String() string {
	return u.Big().String()
}
