package types

import (
	"fmt"
	"math/big"
)

// Amount is an unsigned 128-bit value measured in base units, used for
// every value transferred on-chain. All arithmetic is checked: overflow
// or underflow reports ok=false instead of wrapping, following the same
// (value, ok) idiom the teacher uses for Transaction.TotalOutputValue.
//
// Grounded on original_source/common/src/primitives/amount.rs, whose
// Amount wraps a u128 and exposes checked_add/checked_sub/checked_mul.
type Amount struct {
	Hi uint64
	Lo uint64
}

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{}

// NewAmount builds an Amount from a uint64 (Hi is always zero).
func NewAmount(v uint64) Amount {
	return Amount{Lo: v}
}

// big returns the amount as a big.Int for arithmetic.
func (a Amount) big() *big.Int {
	hi := new(big.Int).SetUint64(a.Hi)
	hi.Lsh(hi, 64)
	return hi.Or(hi, new(big.Int).SetUint64(a.Lo))
}

var amountMax = func() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	return max.Sub(max, big.NewInt(1))
}()

func fromBig(v *big.Int) (Amount, bool) {
	if v.Sign() < 0 || v.Cmp(amountMax) > 0 {
		return Amount{}, false
	}
	mask64 := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(v, mask64).Uint64()
	hi := new(big.Int).Rsh(v, 64).Uint64()
	return Amount{Hi: hi, Lo: lo}, true
}

// Add returns a+b, or ok=false on overflow past 128 bits.
func (a Amount) Add(b Amount) (Amount, bool) {
	sum := new(big.Int).Add(a.big(), b.big())
	return fromBig(sum)
}

// Sub returns a-b, or ok=false on underflow (a < b).
func (a Amount) Sub(b Amount) (Amount, bool) {
	if a.Cmp(b) < 0 {
		return Amount{}, false
	}
	diff := new(big.Int).Sub(a.big(), b.big())
	return fromBig(diff)
}

// Mul returns a*b, or ok=false on overflow past 128 bits.
func (a Amount) Mul(b Amount) (Amount, bool) {
	prod := new(big.Int).Mul(a.big(), b.big())
	return fromBig(prod)
}

// Cmp compares a to b: -1, 0, or 1.
func (a Amount) Cmp(b Amount) int {
	if a.Hi != b.Hi {
		if a.Hi < b.Hi {
			return -1
		}
		return 1
	}
	if a.Lo != b.Lo {
		if a.Lo < b.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Hi == 0 && a.Lo == 0
}

// String renders the amount in base units (decimal).
func (a Amount) String() string {
	return a.big().String()
}

// Uint64 returns the amount as a uint64, or ok=false if it does not fit.
func (a Amount) Uint64() (uint64, bool) {
	if a.Hi != 0 {
		return 0, false
	}
	return a.Lo, true
}

// MarshalJSON encodes the amount as a decimal string (128 bits does not
// fit losslessly in a JSON number).
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", a.String())), nil
}

// UnmarshalJSON decodes a decimal string into the amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", s)
	}
	parsed, okRange := fromBig(v)
	if !okRange {
		return fmt.Errorf("amount %q out of range", s)
	}
	*a = parsed
	return nil
}
