package vaultmath

import (
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestSharesForAssetsEmptyPool(t *testing.T) {
	// Zero reported totals at zero offset give a 1:1 rate.
	got := SharesForAssets(bi(1_000_000), bi(0), bi(0), 0, RoundDown)
	if got.Cmp(bi(1_000_000)) != 0 {
		t.Fatalf("expected 1000000 shares, got %s", got)
	}
}

func TestConversionReflectsAppreciation(t *testing.T) {
	// After a report of 10M assets backing 5M shares, a 1M share position is
	// worth strictly more than 1M assets.
	got := AssetsForShares(bi(1_000_000), bi(10_000_000), bi(5_000_000), 0, RoundDown)
	if got.Cmp(bi(1_000_000)) <= 0 {
		t.Fatalf("expected appreciation above 1000000, got %s", got)
	}
}

func TestRoundingDirections(t *testing.T) {
	// 10 assets at rate (3 shares + 1 virtual) per (9 assets + 1): exact 4.
	exact := SharesForAssets(bi(10), bi(9), bi(3), 0, RoundDown)
	if exact.Cmp(bi(4)) != 0 {
		t.Fatalf("expected exact 4, got %s", exact)
	}

	// 7 * 4 / 10 = 2.8: down gives 2, up gives 3.
	down := SharesForAssets(bi(7), bi(9), bi(3), 0, RoundDown)
	up := SharesForAssets(bi(7), bi(9), bi(3), 0, RoundUp)
	if down.Cmp(bi(2)) != 0 {
		t.Fatalf("expected round-down 2, got %s", down)
	}
	if up.Cmp(bi(3)) != 0 {
		t.Fatalf("expected round-up 3, got %s", up)
	}
}

func TestRoundUpNeverBelowRoundDown(t *testing.T) {
	for assets := int64(0); assets < 50; assets++ {
		down := SharesForAssets(bi(assets), bi(13), bi(7), 0, RoundDown)
		up := SharesForAssets(bi(assets), bi(13), bi(7), 0, RoundUp)
		if up.Cmp(down) < 0 {
			t.Fatalf("assets=%d: round-up %s below round-down %s", assets, up, down)
		}
		diff := new(big.Int).Sub(up, down)
		if diff.Cmp(bi(1)) > 0 {
			t.Fatalf("assets=%d: rounding gap %s exceeds 1", assets, diff)
		}
	}
}

func TestVirtualOffset(t *testing.T) {
	if VirtualShares(0).Cmp(bi(1)) != 0 {
		t.Fatal("offset 0 must contribute 1 virtual share")
	}
	if VirtualShares(3).Cmp(bi(1000)) != 0 {
		t.Fatal("offset 3 must contribute 1000 virtual shares")
	}
	// An offset shifts the empty-pool rate by 10^offset.
	got := SharesForAssets(bi(5), bi(0), bi(0), 3, RoundDown)
	if got.Cmp(bi(5000)) != 0 {
		t.Fatalf("expected 5000 shares at offset 3, got %s", got)
	}
}

func TestZeroDivisionImpossible(t *testing.T) {
	// Both directions must be defined on a fully empty pool.
	s := SharesForAssets(bi(123), bi(0), bi(0), 0, RoundUp)
	a := AssetsForShares(bi(123), bi(0), bi(0), 0, RoundUp)
	if s.Sign() < 0 || a.Sign() < 0 {
		t.Fatal("conversions must stay non-negative")
	}
}

func TestFeeFloor(t *testing.T) {
	// 1% of 1,000,000.
	if got := Fee(bi(1_000_000), 10_000); got.Cmp(bi(10_000)) != 0 {
		t.Fatalf("expected fee 10000, got %s", got)
	}
	// 1% of 99 floors to 0.
	if got := Fee(bi(99), 10_000); got.Sign() != 0 {
		t.Fatalf("expected zero fee, got %s", got)
	}
	if got := Fee(bi(12_345), 0); got.Sign() != 0 {
		t.Fatalf("expected zero fee at zero rate, got %s", got)
	}
}

func TestFeeNeverExceedsAssets(t *testing.T) {
	for _, assets := range []int64{0, 1, 99, 100, 12345, 1_000_000} {
		fee := Fee(bi(assets), MaxFeePPM)
		if fee.Cmp(bi(assets)) > 0 {
			t.Fatalf("fee %s exceeds assets %d", fee, assets)
		}
	}
}
