// Package vaultmath implements the share/asset conversion and fee arithmetic
// for the pooled vault. Conversions are an affine map between assets and
// shares with a virtual offset: the +1 / +10^offset terms make division by
// zero structurally impossible and dampen first-depositor price manipulation.
//
// Amounts are arbitrary-magnitude non-negative integers in base units. The
// intermediate product of a conversion can exceed any fixed machine width, so
// the package works on *big.Int throughout.
package vaultmath

import "math/big"

type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
)

const (
	// PrecisionPPM is the denominator of the withdraw fee rate.
	PrecisionPPM = 1_000_000
	// MaxFeePPM caps the withdraw fee rate at 2%.
	MaxFeePPM = 20_000
)

var one = big.NewInt(1)

// VirtualShares returns the 10^offset virtual share term.
func VirtualShares(offset uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(offset)), nil)
}

// SharesForAssets converts an asset amount to shares against the reported
// totals: assets * (totalShares + 10^offset) / (totalAssets + 1). Deposits
// round down, withdrawal previews round up, so rounding always favors the
// pool.
func SharesForAssets(assets, totalAssets, totalShares *big.Int, offset uint, r Rounding) *big.Int {
	num := new(big.Int).Add(totalShares, VirtualShares(offset))
	den := new(big.Int).Add(totalAssets, one)
	return mulDiv(assets, num, den, r)
}

// AssetsForShares converts a share amount to assets against the reported
// totals: shares * (totalAssets + 1) / (totalShares + 10^offset).
func AssetsForShares(shares, totalAssets, totalShares *big.Int, offset uint, r Rounding) *big.Int {
	num := new(big.Int).Add(totalAssets, one)
	den := new(big.Int).Add(totalShares, VirtualShares(offset))
	return mulDiv(shares, num, den, r)
}

// Fee computes floor(assets * ratePPM / PrecisionPPM). Callers enforce
// ratePPM <= MaxFeePPM on configuration writes, not here.
func Fee(assets *big.Int, ratePPM uint64) *big.Int {
	return mulDiv(assets, new(big.Int).SetUint64(ratePPM), big.NewInt(PrecisionPPM), RoundDown)
}

// mulDiv computes x * num / den with the requested rounding. den must be
// positive; the conversion denominators always are.
func mulDiv(x, num, den *big.Int, r Rounding) *big.Int {
	p := new(big.Int).Mul(x, num)
	if r == RoundUp {
		p.Add(p, new(big.Int).Sub(den, one))
	}
	return p.Div(p, den)
}
