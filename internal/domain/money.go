package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// DropsPerXRP is the number of base units in one display unit.
const DropsPerXRP = 1_000_000

// ParseAmount parses a base-10 integer amount as stored and carried on the wire.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	return v, nil
}

// MustAmount is ParseAmount for literals; it panics on bad input.
func MustAmount(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// AmountString renders an amount as a decimal string; nil renders "0".
func AmountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// FormatXRP renders drops in display units. Only used at output boundaries.
func FormatXRP(drops *big.Int) string {
	if drops == nil {
		drops = new(big.Int)
	}
	return decimal.NewFromBigInt(drops, -6).StringFixed(6)
}
