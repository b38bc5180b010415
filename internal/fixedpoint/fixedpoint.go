// Package fixedpoint holds the checked 256-bit integer arithmetic every
// balance, fill and payout computation goes through. Nothing here wraps
// silently: overflow and underflow surface as domain errors.
package fixedpoint

import (
	"math/big"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/holiman/uint256"
)

// BpsDenominator is the basis-point scale for fee rates.
const BpsDenominator = 10_000

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Add returns a+b or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, domain.ErrOverflow
	}
	return z, nil
}

// Sub returns a-b or ErrUnderflow when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, domain.ErrUnderflow
	}
	return z, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, domain.ErrOverflow
	}
	return z, nil
}

// MulDiv returns floor(a*b/d). The product is held in 512 bits, so only a
// quotient that does not fit in 256 bits overflows.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, domain.ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, domain.ErrOverflow
	}
	return z, nil
}

// Bps returns floor(amount*bps/10000).
func Bps(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(bps), uint256.NewInt(BpsDenominator))
}

// Sum adds every value, failing on the first overflow.
func Sum(values ...*uint256.Int) (*uint256.Int, error) {
	total := Zero()
	for _, v := range values {
		if v == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, v); overflow {
			return nil, domain.ErrOverflow
		}
	}
	return total, nil
}

// CrossGE reports whether a*b >= c*d using exact wide products.
func CrossGE(a, b, c, d *uint256.Int) bool {
	lhs, lo := new(uint256.Int).MulOverflow(a, b)
	rhs, ro := new(uint256.Int).MulOverflow(c, d)
	if !lo && !ro {
		return !lhs.Lt(rhs)
	}
	wl := new(big.Int).Mul(a.ToBig(), b.ToBig())
	wr := new(big.Int).Mul(c.ToBig(), d.ToBig())
	return wl.Cmp(wr) >= 0
}

// Parse reads a base-10 amount. Hex input with a 0x prefix is accepted too.
func Parse(s string) (*uint256.Int, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}
