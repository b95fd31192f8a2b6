package consensus

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Compact is a 32-bit floating-point encoding of a 256-bit PoW target: the
// top byte is an exponent (number of significant bytes), the low three
// bytes are the mantissa. Grounded on the teacher's big.Int-based target()
// helper, generalized from a plain divisor to this compact representation
// so targets can be carried in a fixed-width header field.
type Compact uint32

// ToTarget decodes the compact value into a 256-bit target.
func (c Compact) ToTarget() types.Uint256 {
	exp := uint(c >> 24)
	mantissa := new(big.Int).SetUint64(uint64(c & 0x007fffff))

	var target *big.Int
	if exp <= 3 {
		target = new(big.Int).Rsh(mantissa, 8*(3-exp))
	} else {
		target = new(big.Int).Lsh(mantissa, 8*(exp-3))
	}
	if target.Sign() < 0 {
		return types.ZeroUint256
	}
	return types.Uint256FromBig(target)
}

// CompactFromTarget encodes a 256-bit target into its compact form,
// rounding down mantissa precision the same way Bitcoin's nBits does.
func CompactFromTarget(target types.Uint256) Compact {
	b := target.Big()
	if b.Sign() == 0 {
		return 0
	}

	bytesLen := (b.BitLen() + 7) / 8
	var mantissa *big.Int
	if bytesLen <= 3 {
		mantissa = new(big.Int).Lsh(b, uint(8*(3-bytesLen)))
	} else {
		mantissa = new(big.Int).Rsh(b, uint(8*(bytesLen-3)))
	}

	m := mantissa.Uint64()
	// If the high bit of the mantissa's top byte is set, it would be
	// misread as a sign bit; shift right one byte and bump the exponent.
	if m&0x00800000 != 0 {
		m >>= 8
		bytesLen++
	}
	return Compact(uint32(bytesLen)<<24 | uint32(m))
}

// CompactFromDifficulty builds a compact target equivalent to the teacher's
// plain-divisor difficulty: target = MaxUint256 / difficulty.
func CompactFromDifficulty(difficulty uint64) Compact {
	if difficulty == 0 {
		difficulty = 1
	}
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	target := new(big.Int).Div(max, new(big.Int).SetUint64(difficulty))
	return CompactFromTarget(types.Uint256FromBig(target))
}
