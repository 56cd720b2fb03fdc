package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// SecondsPerYear is the accrual year used by the linear index update.
const SecondsPerYear = 31_536_000

// BasisPoints is the denominator for fee and factor percentages.
const BasisPoints = 10_000

var (
	Ray     = mustBigInt("1000000000000000000000000000") // 1e27
	HalfRay = new(big.Int).Rsh(Ray, 1)
	Wad     = mustBigInt("1000000000000000000") // 1e18

	bpsDenominator = big.NewInt(BasisPoints)
	secondsPerYear = big.NewInt(SecondsPerYear)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// NewRay returns a fresh copy of 1 ray.
func NewRay() *big.Int { return new(big.Int).Set(Ray) }

// RayMul returns a*b/ray rounded half up.
func RayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return new(big.Int)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, HalfRay)
	return product.Quo(product, Ray)
}

// RayMulFloor returns a*b/ray rounded down.
func RayMulFloor(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return new(big.Int)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, Ray)
}

// RayDiv returns a*ray/b rounded half up. Division by zero yields zero.
func RayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return new(big.Int)
	}
	numerator := new(big.Int).Mul(a, Ray)
	numerator.Add(numerator, halfUp(b))
	return numerator.Quo(numerator, b)
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return new(big.Int)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	return half.Rsh(half, 1)
}

// LinearInterest returns the ray factor 1 + rate*dt/SecondsPerYear.
func LinearInterest(rate *big.Int, dt int64) *big.Int {
	factor := NewRay()
	if rate == nil || rate.Sign() == 0 || dt <= 0 {
		return factor
	}
	accrued := new(big.Int).Mul(rate, big.NewInt(dt))
	accrued.Quo(accrued, secondsPerYear)
	return factor.Add(factor, accrued)
}

// PercentMul returns value*bps/10000 rounded down.
func PercentMul(value *big.Int, bps uint64) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(value, new(big.Int).SetUint64(bps))
	return out.Quo(out, bpsDenominator)
}

// MulDiv returns a*b/c rounded down. Division by zero yields zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// ParseRay converts a decimal string such as "0.8" into its ray value.
func ParseRay(s string) (*big.Int, error) {
	return parseScaled(s, 27)
}

// ParseWad converts a decimal string into its wad value.
func ParseWad(s string) (*big.Int, error) {
	return parseScaled(s, 18)
}

// ParseUnits converts a human amount such as "70.1" into base units of an
// asset with the given number of decimals. Amounts finer than one base unit
// are rejected rather than truncated.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	return parseScaled(s, int32(decimals))
}

func parseScaled(s string, exp int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("parse decimal %q: negative value", s)
	}
	shifted := d.Shift(exp)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("parse decimal %q: more than %d fractional digits", s, exp)
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders base units as a decimal string.
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}

// FormatRay renders a ray value as a decimal string.
func FormatRay(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -27).String()
}
