// Package fixedpoint implements the checked-arithmetic kernel that every
// monetary computation in the settlement engine routes through. No
// operation here ever wraps silently: overflow and division-by-zero are
// returned as typed errors rather than producing a truncated value.
package fixedpoint

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrOverflow is returned when an addition or a narrow would exceed the
// native 64-bit stake width.
var ErrOverflow = errors.New("fixedpoint: overflow")

// ErrDivideByZero is returned by CheckedDivWide when the divisor is zero.
var ErrDivideByZero = errors.New("fixedpoint: divide by zero")

// Wide is a 128-bit-safe (in practice 256-bit) widened intermediate value,
// used to carry a stake*pool product through division without risking
// overflow of the native 64-bit width.
type Wide = uint256.Int

// CheckedAdd adds a and b, failing with ErrOverflow rather than wrapping
// past the 64-bit stake width.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedMulWide widens a and b to a 256-bit intermediate and multiplies.
// A 64x64 multiply can never overflow 256 bits, so this step never fails;
// the wide result is the only way later division can stay exact for
// stakes whose product with the total pool would overflow 64 bits.
func CheckedMulWide(a, b uint64) *Wide {
	return new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
}

// CheckedDivWide divides a widened value by divisor, flooring toward zero.
// Fails with ErrDivideByZero if divisor is zero.
func CheckedDivWide(wide *Wide, divisor uint64) (*Wide, error) {
	if divisor == 0 {
		return nil, ErrDivideByZero
	}
	return new(uint256.Int).Div(wide, uint256.NewInt(divisor)), nil
}

// Narrow brings a widened value back down to the native 64-bit stake
// width, failing with ErrOverflow if it does not fit.
func Narrow(wide *Wide) (uint64, error) {
	if !wide.IsUint64() {
		return 0, ErrOverflow
	}
	return wide.Uint64(), nil
}
