package fixmath

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// All prices, quantities and quote amounts share one 6-decimal fixed-point
// representation: the int64 value 1_000_000 means 1.0.
const (
	DecimalPrecision = 6
	Scale            = 1_000_000
	BpsDenom         = 10_000
)

// ErrOverflow is returned when a result does not fit in int64. Callers must
// abort the whole instruction; wrapping silently is never acceptable.
var ErrOverflow = errors.New("arithmetic overflow")

var (
	ErrTickMisaligned = errors.New("price not aligned to tick")
	ErrLotMisaligned  = errors.New("quantity not aligned to lot")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward negative infinity
	RoundUp
)

// int128Pool holds big.Int values for 128-bit intermediates.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrOverflow.
func CheckedSub(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// CheckedAbs returns |a|; only MinInt64 overflows.
func CheckedAbs(a int64) (int64, error) {
	if a == math.MinInt64 {
		return 0, ErrOverflow
	}
	if a < 0 {
		return -a, nil
	}
	return a, nil
}

// MulDiv computes a*b/denom through a 128-bit intermediate and returns
// ErrOverflow when the rounded quotient does not fit in int64.
func MulDiv(a, b, denom int64, mode RoundingMode) (int64, error) {
	if denom == 0 {
		return 0, ErrOverflow
	}
	product := getInt128()
	defer putInt128(product)
	product.Mul(big.NewInt(a), big.NewInt(b))
	return divide128(product, denom, mode)
}

// divide128 divides a 128-bit numerator by an int64 denominator with the
// requested rounding, checking that the result fits in int64.
func divide128(numerator *big.Int, denominator int64, mode RoundingMode) (int64, error) {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// big.Int DivMod is Euclidean: remainder is always >= 0 and the
	// quotient floors toward negative infinity, which is exactly RoundDown.
	quotient.DivMod(numerator, denom, remainder)

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	result := quotient.Int64()

	switch mode {
	case RoundDown:
		// already floored
	case RoundUp:
		if remainder.Sign() != 0 {
			var err error
			if result, err = CheckedAdd(result, 1); err != nil {
				return 0, err
			}
		}
	case RoundHalfEven:
		absDenom := denominator
		if absDenom < 0 {
			absDenom = -absDenom
		}
		half := big.NewInt(absDenom / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 || (cmp == 0 && absDenom%2 == 0 && result%2 != 0) {
			var err error
			if result, err = CheckedAdd(result, 1); err != nil {
				return 0, err
			}
		}
	}
	return result, nil
}

// Notional computes qty*price at quote scale: qty and price are both
// 6-decimal fixed point, so the raw product carries Scale twice.
func Notional(qty, price int64) (int64, error) {
	return MulDiv(qty, price, Scale, RoundHalfEven)
}

// FeeBps computes notional*bps/10_000. Negative bps (maker rebates) yield a
// negative fee.
func FeeBps(notional, bps int64) (int64, error) {
	return MulDiv(notional, bps, BpsDenom, RoundHalfEven)
}

// ScaleByRatio computes m * num / denom rounding down. With 0 <= num <= denom
// the result is monotonic in num, zero at num=0 and exactly m at num=denom,
// which is what margin reduction relies on.
func ScaleByRatio(m, num, denom int64) (int64, error) {
	if denom <= 0 || num < 0 {
		return 0, ErrOverflow
	}
	return MulDiv(m, num, denom, RoundDown)
}

// CheckTick rejects prices that are not positive exact multiples of tick.
func CheckTick(price, tick int64) error {
	if tick <= 0 || price <= 0 || price%tick != 0 {
		return ErrTickMisaligned
	}
	return nil
}

// CheckLot rejects quantities that are not positive exact multiples of lot.
func CheckLot(qty, lot int64) error {
	if lot <= 0 || qty <= 0 || qty%lot != 0 {
		return ErrLotMisaligned
	}
	return nil
}

// WithinBandBps reports whether px lies inside mark ± mark*bandBps/10_000.
func WithinBandBps(px, mark, bandBps int64) (bool, error) {
	width, err := MulDiv(mark, bandBps, BpsDenom, RoundDown)
	if err != nil {
		return false, err
	}
	lo, err := CheckedSub(mark, width)
	if err != nil {
		return false, err
	}
	hi, err := CheckedAdd(mark, width)
	if err != nil {
		return false, err
	}
	return px >= lo && px <= hi, nil
}

// NotionalAcc accumulates Σ qty_i*price_i across fills in a 128-bit sum so a
// multi-level sweep cannot overflow before the final division.
type NotionalAcc struct {
	sum *big.Int
}

func NewNotionalAcc() *NotionalAcc {
	return &NotionalAcc{sum: new(big.Int)}
}

// AddFill folds one fill into the accumulator.
func (a *NotionalAcc) AddFill(qty, price int64) {
	product := getInt128()
	product.Mul(big.NewInt(qty), big.NewInt(price))
	a.sum.Add(a.sum, product)
	putInt128(product)
}

// VWAP returns the quantity-weighted average price for totalQty filled.
func (a *NotionalAcc) VWAP(totalQty int64) (int64, error) {
	if totalQty <= 0 {
		return 0, ErrOverflow
	}
	return divide128(a.sum, totalQty, RoundDown)
}

// Total returns the accumulated notional at quote scale.
func (a *NotionalAcc) Total() (int64, error) {
	return divide128(a.sum, Scale, RoundHalfEven)
}
