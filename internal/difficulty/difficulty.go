// Package difficulty implements difficulty<->target conversion, the same
// powLimit-relative math the teacher performs inline in
// handleSubmitWorkRequest (target := standalone.CompactToBig(header.Bits),
// hashTarget := standalone.HashToBig(&hash), netDiff := powLimit/target),
// pulled out into a reusable, testable component per spec.md invariant P5.
package difficulty

import (
	"math/big"

	"github.com/Eacred/eacrd/blockchain/standalone"
	eacrdhash "github.com/Eacred/eacrd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// DefaultPowLimit is the algorithm's proof-of-work ceiling used to convert
// between difficulty and target. Every component converting between the two
// for the supported algorithm uses this same ceiling.
var DefaultPowLimit = new(big.Int).Lsh(big.NewInt(1), 224)

// Info bundles the algorithm's proof-of-work limit with the pool- and
// network-level targets derived from it, mirroring the teacher's
// DifficultyInfo usage (diffInfo.powLimit, diffInfo.target, diffInfo.difficulty).
type Info struct {
	PowLimit   *big.Int
	Target     *big.Int
	Difficulty *big.Rat
}

// ToTarget converts a floating-point difficulty into a 256-bit target
// relative to powLimit: target = powLimit / diff. Invariant P5: ToTarget is
// monotonically non-increasing in diff.
func ToTarget(powLimit *big.Int, diff float64) *big.Int {
	if diff <= 0 {
		return new(big.Int).Set(powLimit)
	}
	limitRat := new(big.Rat).SetInt(powLimit)
	diffRat := new(big.Rat).SetFloat64(diff)
	if diffRat == nil {
		return new(big.Int).Set(powLimit)
	}
	targetRat := new(big.Rat).Quo(limitRat, diffRat)
	// Round down (floor) to the nearest integer target.
	q := new(big.Int).Quo(targetRat.Num(), targetRat.Denom())
	return q
}

// ToDifficulty converts a 256-bit target back into a floating-point
// difficulty relative to powLimit: diff = powLimit / target.
func ToDifficulty(powLimit, target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	limitRat := new(big.Rat).SetInt(powLimit)
	targetRat := new(big.Rat).SetInt(target)
	diffRat := new(big.Rat).Quo(limitRat, targetRat)
	f, _ := diffRat.Float64()
	return f
}

// CompactToBig converts a packed nBits field into its big.Int target form.
func CompactToBig(nBits uint32) *big.Int {
	return standalone.CompactToBig(nBits)
}

// BigToCompact converts a target back into packed nBits form.
func BigToCompact(target *big.Int) uint32 {
	return standalone.BigToCompact(target)
}

// HashToBig converts a 32-byte block hash into its big.Int interpretation
// for target comparison, matching the teacher's hashTarget computation.
// The double-SHA-256 primitive lives in btcd's chainhash package (see
// internal/header); standalone.HashToBig wants Eacred/eacrd's own
// chainhash.Hash, so the 32 bytes are copied across the two identically
// laid-out array types.
func HashToBig(hash *chainhash.Hash) *big.Int {
	var eacrHash eacrdhash.Hash
	copy(eacrHash[:], hash[:])
	return standalone.HashToBig(&eacrHash)
}

// MeetsTarget reports whether hash (interpreted as a little-endian 256-bit
// integer, as standalone.HashToBig reads it) is at or below target.
func MeetsTarget(hash *chainhash.Hash, target *big.Int) bool {
	return HashToBig(hash).Cmp(target) <= 0
}
