// Package amount converts between base-unit integer amounts, the only form
// the vault accounts in, and human decimal strings used by the CLI and
// account views.
package amount

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseBaseUnits parses a base-unit amount from its decimal string form.
func ParseBaseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	return v, nil
}

// ParseUnits parses a human decimal amount ("1.25") into base units at the
// given number of decimals. The value must be non-negative and must not carry
// more fractional digits than the asset supports.
func ParseUnits(s string, decimals uint) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders a base-unit amount as a human decimal string.
func FormatUnits(v *big.Int, decimals uint) string {
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
