package difficulty

import (
	"math/big"
	"testing"
)

func TestToTargetMonotonicallyNonIncreasing(t *testing.T) {
	diffs := []float64{1, 2, 10, 1000, 65536}
	var prev *big.Int
	for _, d := range diffs {
		target := ToTarget(DefaultPowLimit, d)
		if prev != nil && target.Cmp(prev) > 0 {
			t.Fatalf("ToTarget(%v) = %s, want <= previous %s", d, target, prev)
		}
		prev = target
	}
}

func TestToTargetZeroOrNegativeDiffReturnsPowLimit(t *testing.T) {
	for _, d := range []float64{0, -1} {
		got := ToTarget(DefaultPowLimit, d)
		if got.Cmp(DefaultPowLimit) != 0 {
			t.Errorf("ToTarget(%v) = %s, want powLimit %s", d, got, DefaultPowLimit)
		}
	}
}

func TestToDifficultyRoundTrip(t *testing.T) {
	want := 128.0
	target := ToTarget(DefaultPowLimit, want)
	got := ToDifficulty(DefaultPowLimit, target)
	// Flooring in ToTarget means the round trip only needs to land close.
	if got < want*0.99 || got > want*1.01 {
		t.Errorf("round trip diff = %v, want near %v", got, want)
	}
}

func TestToDifficultyNonPositiveTargetIsZero(t *testing.T) {
	if got := ToDifficulty(DefaultPowLimit, big.NewInt(0)); got != 0 {
		t.Errorf("ToDifficulty(0) = %v, want 0", got)
	}
	if got := ToDifficulty(DefaultPowLimit, big.NewInt(-5)); got != 0 {
		t.Errorf("ToDifficulty(-5) = %v, want 0", got)
	}
}

func TestCompactRoundTrip(t *testing.T) {
	target := ToTarget(DefaultPowLimit, 1)
	compact := BigToCompact(target)
	back := CompactToBig(compact)
	// Compact form loses precision; just confirm the round trip does not
	// collapse the target to zero.
	if back.BitLen() == 0 {
		t.Fatalf("CompactToBig(%x) = 0", compact)
	}
}
