package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrInvalidDecimal = errors.New("fixedpoint: invalid decimal string")
)

// Value is a signed 64.64 binary fixed-point number: 64 integer bits and 64
// fractional bits, stored as a 128-bit signed integer interpreted as
// raw * 2^-64. All swap unit quantities in the system are Values; currency
// amounts stay plain int64 minor units.
//
// The zero Value is ready to use and equals 0. Operations never mutate their
// receivers; arithmetic that would leave the 128-bit range returns ErrOverflow
// instead of wrapping.
type Value struct {
	n *big.Int
}

// displayDecimals is the precision of ToDecimal output.
const displayDecimals = 8

var (
	one          = new(big.Int).Lsh(big.NewInt(1), 64) // 2^64
	halfOne      = new(big.Int).Lsh(big.NewInt(1), 63)
	maxRaw       = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minRaw       = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	displayScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(displayDecimals), nil)
)

func (v Value) raw() *big.Int {
	if v.n == nil {
		return new(big.Int)
	}
	return v.n
}

func checked(n *big.Int) (Value, error) {
	if n.Cmp(maxRaw) > 0 || n.Cmp(minRaw) < 0 {
		return Value{}, ErrOverflow
	}
	return Value{n: n}, nil
}

// Zero returns the zero Value.
func Zero() Value { return Value{} }

// FromInt converts a whole number of units.
func FromInt(i int64) Value {
	return Value{n: new(big.Int).Lsh(big.NewInt(i), 64)}
}

// FromRaw constructs a Value from its raw 128-bit representation.
func FromRaw(n *big.Int) (Value, error) {
	return checked(new(big.Int).Set(n))
}

// Raw returns a copy of the raw 128-bit representation.
func (v Value) Raw() *big.Int {
	return new(big.Int).Set(v.raw())
}

// FromDecimal parses a decimal string such as "28.5" or "-0.125". The
// fractional part is truncated toward zero past 64 binary digits.
func FromDecimal(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, ErrInvalidDecimal
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return Value{}, ErrInvalidDecimal
	}
	if intPart == "" {
		intPart = "0"
	}
	// Only bare digits past the sign; SetString alone would accept a second
	// sign character here.
	if !isDigits(intPart) || !isDigits(fracPart) {
		return Value{}, ErrInvalidDecimal
	}

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return Value{}, ErrInvalidDecimal
	}
	raw := new(big.Int).Lsh(whole, 64)

	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok {
			return Value{}, ErrInvalidDecimal
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(fracPart))), nil)
		frac.Lsh(frac, 64)
		frac.Quo(frac, scale)
		raw.Add(raw, frac)
	}
	if neg {
		raw.Neg(raw)
	}
	return checked(raw)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ToDecimal renders the value with 8 decimal places, rounded to nearest so
// 8-decimal inputs survive a parse/format round trip. This is a lossy display
// conversion.
func (v Value) ToDecimal() string {
	n := v.raw()
	sign := ""
	abs := new(big.Int).Abs(n)
	if n.Sign() < 0 {
		sign = "-"
	}

	whole := new(big.Int)
	rem := new(big.Int)
	whole.QuoRem(abs, one, rem)

	rem.Mul(rem, displayScale)
	rem.Add(rem, halfOne)
	rem.Quo(rem, one)
	if rem.Cmp(displayScale) >= 0 {
		// Rounding carried past .99999999
		whole.Add(whole, big.NewInt(1))
		rem.Sub(rem, displayScale)
	}

	return fmt.Sprintf("%s%s.%08d", sign, whole.String(), rem)
}

func (v Value) String() string { return v.ToDecimal() }

// Add returns v + o.
func (v Value) Add(o Value) (Value, error) {
	return checked(new(big.Int).Add(v.raw(), o.raw()))
}

// Sub returns v - o.
func (v Value) Sub(o Value) (Value, error) {
	return checked(new(big.Int).Sub(v.raw(), o.raw()))
}

// Mul returns v * o with an exact 256-bit intermediate product, shifted back
// down by 64 bits with truncation toward zero.
func (v Value) Mul(o Value) (Value, error) {
	prod := new(big.Int).Mul(v.raw(), o.raw())
	prod.Quo(prod, one)
	return checked(prod)
}

// Div returns v / o, truncated toward zero.
func (v Value) Div(o Value) (Value, error) {
	if o.raw().Sign() == 0 {
		return Value{}, ErrDivisionByZero
	}
	num := new(big.Int).Lsh(v.raw(), 64)
	num.Quo(num, o.raw())
	return checked(num)
}

// MulInt scales v by a plain integer without fractional loss.
func (v Value) MulInt(i int64) (Value, error) {
	return checked(new(big.Int).Mul(v.raw(), big.NewInt(i)))
}

// Int64 truncates toward zero to a whole number of units.
func (v Value) Int64() (int64, error) {
	q := new(big.Int).Quo(v.raw(), one)
	if !q.IsInt64() {
		return 0, ErrOverflow
	}
	return q.Int64(), nil
}

// Cmp compares v and o, returning -1, 0 or +1.
func (v Value) Cmp(o Value) int {
	return v.raw().Cmp(o.raw())
}

// Sign reports the sign of v.
func (v Value) Sign() int { return v.raw().Sign() }

// IsZero reports whether v == 0.
func (v Value) IsZero() bool { return v.raw().Sign() == 0 }

// Min returns the smaller of v and o.
func Min(v, o Value) Value {
	if v.Cmp(o) <= 0 {
		return v
	}
	return o
}

// MarshalJSON encodes the value as its decimal display string.
func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.ToDecimal() + `"`), nil
}

// UnmarshalJSON accepts a decimal string or bare JSON number.
func (v *Value) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := FromDecimal(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
