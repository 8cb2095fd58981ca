package registry

import (
	"math/big"

	"lukechampine.com/blake3"
)

// SolutionHash computes the BLAKE3 hash of the mine preimage:
// domain_tag(17) ∥ slot(8, LE) ∥ slot_hash(32) ∥ miner(32) ∥ batch(32) ∥ nonce(16).
func SolutionHash(slot uint64, slotHash, miner, batch Hash32, nonce Nonce) Hash32 {
	preimage := make([]byte, 0, MinePreimageSize)
	preimage = append(preimage, DomainTag...)
	preimage = append(preimage,
		byte(slot), byte(slot>>8), byte(slot>>16), byte(slot>>24),
		byte(slot>>32), byte(slot>>40), byte(slot>>48), byte(slot>>56))
	preimage = append(preimage, slotHash[:]...)
	preimage = append(preimage, miner[:]...)
	preimage = append(preimage, batch[:]...)
	preimage = append(preimage, nonce[:]...)
	return Hash32(blake3.Sum256(preimage))
}

// MeetsTarget reports whether the hash, interpreted as an unsigned
// little-endian 256-bit integer, is strictly below the difficulty target.
func MeetsTarget(hash Hash32, target *big.Int) bool {
	return hashToInt(hash).Cmp(target) < 0
}

// hashToInt interprets the 32-byte hash as a little-endian unsigned integer.
func hashToInt(hash Hash32) *big.Int {
	reversed := make([]byte, 32)
	for i := 0; i < 32; i++ {
		reversed[i] = hash[31-i]
	}
	return new(big.Int).SetBytes(reversed)
}

// retargetStepBps bounds a single retarget to ±20% of the current target.
const retargetStepBps = 2000

// NextDifficulty computes the retargeted difficulty. observed is the number
// of solutions seen since the last retarget; expected derives from the
// configured target interval. More solutions than expected means mining is
// too easy, so the target shrinks (harder); fewer means it grows (easier).
// The step is clamped to ±20% and the result to [min, max].
func NextDifficulty(current, min, max *big.Int, observed, expected uint64) *big.Int {
	if expected == 0 {
		expected = 1
	}

	next := new(big.Int).Set(current)
	if observed == 0 {
		// No solutions at all: take the full easing step
		next = next.Mul(next, big.NewInt(10000+retargetStepBps))
		next = next.Div(next, big.NewInt(10000))
	} else {
		// next = current * expected / observed
		next = next.Mul(next, new(big.Int).SetUint64(expected))
		next = next.Div(next, new(big.Int).SetUint64(observed))
	}

	// Per-step clamp
	lowStep := new(big.Int).Mul(current, big.NewInt(10000-retargetStepBps))
	lowStep.Div(lowStep, big.NewInt(10000))
	highStep := new(big.Int).Mul(current, big.NewInt(10000+retargetStepBps))
	highStep.Div(highStep, big.NewInt(10000))

	if next.Cmp(lowStep) < 0 {
		next.Set(lowStep)
	}
	if next.Cmp(highStep) > 0 {
		next.Set(highStep)
	}

	// Absolute bounds
	if next.Cmp(min) < 0 {
		next.Set(min)
	}
	if next.Cmp(max) > 0 {
		next.Set(max)
	}

	return next
}
