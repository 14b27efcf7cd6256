package math

import (
	"math/big"
	"sync"
)

// Base-unit precision: monetary amounts are fixed-point integers with 18
// fractional digits, carried as *big.Int because values exceed int64 range.
const (
	BaseUnitDecimals = 18
	BpsDenominator   = 10_000
)

// BaseUnitScale is 10^18 as a big.Int. Treat as read-only.
var BaseUnitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(BaseUnitDecimals), nil)

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding (default)
	RoundDown
	RoundUp
)

// BaseUnits converts a whole-token amount into base units (whole × 10^18).
func BaseUnits(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), BaseUnitScale)
}

// WholeUnits truncates a base-unit amount to whole tokens. Display only;
// never feed the result back into accounting math.
func WholeUnits(amount *big.Int) int64 {
	q := getBig()
	q.Quo(amount, BaseUnitScale)
	result := q.Int64()
	putBig(q)
	return result
}

// DivideRound computes numerator / denominator with the given rounding mode.
// The returned value is freshly allocated.
func DivideRound(numerator, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		return new(big.Int)
	}

	quotient := new(big.Int)
	remainder := getBig()
	quotient.QuoRem(numerator, denominator, remainder)

	switch mode {
	case RoundHalfEven:
		// remainder*2 vs denominator decides the half; ties round to even
		double := getBig()
		double.Abs(remainder)
		double.Lsh(double, 1)
		absDenom := getBig()
		absDenom.Abs(denominator)
		cmp := double.Cmp(absDenom)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			stepTowardRemainder(quotient, numerator, denominator)
		}
		putBig(double)
		putBig(absDenom)
	case RoundUp:
		if remainder.Sign() != 0 {
			stepTowardRemainder(quotient, numerator, denominator)
		}
	case RoundDown:
		// QuoRem already truncates toward zero
	}

	putBig(remainder)
	return quotient
}

func stepTowardRemainder(quotient, numerator, denominator *big.Int) {
	if (numerator.Sign() < 0) != (denominator.Sign() < 0) {
		quotient.Sub(quotient, big.NewInt(1))
	} else {
		quotient.Add(quotient, big.NewInt(1))
	}
}

// RatioBps returns part/whole in basis points. A zero whole yields zero.
func RatioBps(part, whole *big.Int) int64 {
	if whole.Sign() == 0 {
		return 0
	}
	scaled := getBig()
	scaled.Mul(part, big.NewInt(BpsDenominator))
	result := DivideRound(scaled, whole, RoundHalfEven)
	putBig(scaled)
	return result.Int64()
}

// ApplyBps returns amount × bps / 10,000 with banker's rounding.
func ApplyBps(amount *big.Int, bps int64) *big.Int {
	scaled := getBig()
	scaled.Mul(amount, big.NewInt(bps))
	result := DivideRound(scaled, big.NewInt(BpsDenominator), RoundHalfEven)
	putBig(scaled)
	return result
}

// MulDiv returns amount × num / den without intermediate overflow.
func MulDiv(amount *big.Int, num, den int64) *big.Int {
	scaled := getBig()
	scaled.Mul(amount, big.NewInt(num))
	result := DivideRound(scaled, big.NewInt(den), RoundHalfEven)
	putBig(scaled)
	return result
}

// Sum adds the given amounts into a fresh big.Int.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// Min returns the smaller of a and b (freshly allocated).
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Max returns the larger of a and b (freshly allocated).
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Clamp bounds v into [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
