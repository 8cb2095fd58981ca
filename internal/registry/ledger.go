package registry

import (
	"errors"
	"math/big"
	"sync"
)

// Program errors. The executing runtime surfaces these by name; the relay's
// chain client maps them back onto its error taxonomy.
var (
	ErrSlotHashMismatch   = errors.New("SlotHashMismatch")
	ErrHashAboveTarget    = errors.New("HashAboveTarget")
	ErrDuplicateClaim     = errors.New("DuplicateClaim")
	ErrClaimNotFound      = errors.New("ClaimNotFound")
	ErrClaimNotMined      = errors.New("ClaimNotMined")
	ErrRevealWindowClosed = errors.New("RevealWindowClosed")
	ErrClaimNotRevealed   = errors.New("ClaimNotRevealed")
	ErrClaimExpired       = errors.New("ClaimExpired")
	ErrClaimExhausted     = errors.New("ClaimExhausted")
	ErrBatchMismatch      = errors.New("BatchMismatch")
	ErrMinerMismatch      = errors.New("MinerMismatch")
	ErrUnauthorizedSigner = errors.New("UnauthorizedSigner")
	ErrUnauthorizedCaller = errors.New("UnauthorizedCaller")
	ErrBadMaxConsumes     = errors.New("BadMaxConsumes")
	ErrVersionConflict    = errors.New("VersionConflict")
)

// SlotHashSource resolves a slot to its authoritative recent slot hash.
// Returning false means the slot is not in the recent window, which rejects
// solutions precomputed before the slot existed.
type SlotHashSource func(slot uint64) (Hash32, bool)

// Ledger is the claim registry state machine. All mutation flows through
// Mine, Reveal, Consume and MaybeRetarget; the embedded mutex models the
// chain's serialized transaction execution, and the params version is
// bumped on every params mutation for expected-previous-value checks by
// off-chain readers.
type Ledger struct {
	mu sync.Mutex

	params *Params
	miners map[Hash32]*Miner
	claims map[Hash32]*Claim

	// Identity of the only program allowed to invoke Consume.
	withdrawalProgram Hash32
}

// NewLedger creates a registry ledger with the given initial parameters.
func NewLedger(params *Params, withdrawalProgram Hash32) *Ledger {
	return &Ledger{
		params:            params.Clone(),
		miners:            make(map[Hash32]*Miner),
		claims:            make(map[Hash32]*Claim),
		withdrawalProgram: withdrawalProgram,
	}
}

// Params returns a snapshot of the current parameter record.
func (l *Ledger) Params() *Params {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.params.Clone()
}

// Miner returns a copy of the miner record, if registered.
func (l *Ledger) Miner(authority Hash32) (Miner, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.miners[authority]
	if !ok {
		return Miner{}, false
	}
	return *m, true
}

// Claim returns a copy of the claim record, if it exists.
func (l *Ledger) Claim(id Hash32) (Claim, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.claims[id]
	if !ok {
		return Claim{}, false
	}
	return *c, true
}

// Claims returns the id and copy of every claim account. Iteration order is
// map order; callers must not assume any ranking.
func (l *Ledger) Claims() map[Hash32]Claim {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Hash32]Claim, len(l.claims))
	for id, c := range l.claims {
		out[id] = *c
	}
	return out
}

// Mine validates a mining solution and creates a claim in Mined status.
// The solution hash must be below the current difficulty target and the
// supplied slot hash must match the authoritative source for that slot.
// Returns the new claim's id.
func (l *Ledger) Mine(signer Hash32, ix *MineInstruction, currentSlot uint64, slotHashes SlotHashSource) (Hash32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ix.MaxConsumes == 0 || ix.MaxConsumes > l.params.MaxK {
		return Hash32{}, ErrBadMaxConsumes
	}

	authoritative, ok := slotHashes(ix.Slot)
	if !ok || authoritative != ix.SlotHash {
		return Hash32{}, ErrSlotHashMismatch
	}

	hash := SolutionHash(ix.Slot, ix.SlotHash, signer, ix.BatchHash, ix.Nonce)
	if !MeetsTarget(hash, l.params.CurrentDifficulty) {
		return Hash32{}, ErrHashAboveTarget
	}

	if _, exists := l.claims[hash]; exists {
		return Hash32{}, ErrDuplicateClaim
	}

	miner, ok := l.miners[signer]
	if !ok {
		miner = &Miner{Authority: signer, RegisteredAtSlot: currentSlot}
		l.miners[signer] = miner
	}

	l.claims[hash] = &Claim{
		Authority:   signer,
		BatchHash:   ix.BatchHash,
		SlotHash:    ix.SlotHash,
		Nonce:       ix.Nonce,
		ProofHash:   ix.ProofHash,
		Slot:        ix.Slot,
		MinedAtSlot: currentSlot,
		MaxConsumes: ix.MaxConsumes,
		Status:      ClaimMined,
	}

	miner.TotalMined++
	l.params.SolutionsObserved++
	l.params.Version++

	return hash, nil
}

// Reveal transitions a claim from Mined to Revealed. Only the mining
// authority may reveal, and only within the reveal window; expiry is fixed
// at reveal time as revealed_at + claim_window.
func (l *Ledger) Reveal(signer Hash32, claimID Hash32, currentSlot uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	claim, ok := l.claims[claimID]
	if !ok {
		return ErrClaimNotFound
	}

	if claim.Authority != signer {
		return ErrUnauthorizedSigner
	}

	if claim.Status != ClaimMined {
		return ErrClaimNotMined
	}

	if currentSlot > claim.MinedAtSlot+l.params.RevealWindow {
		return ErrRevealWindowClosed
	}

	claim.RevealedAtSlot = currentSlot
	claim.ExpiresAtSlot = currentSlot + l.params.ClaimWindow
	claim.Status = ClaimRevealed

	return nil
}

// Consume authorizes one withdrawal against the claim. Only the authorized
// withdrawal program may call it. The capacity check and increment happen
// under the ledger lock: concurrent consumers of the same claim serialize
// here, and the loser of the last slot gets ErrClaimExhausted.
func (l *Ledger) Consume(caller Hash32, claimID Hash32, ix *ConsumeInstruction, requestedBatch Hash32, currentSlot uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.withdrawalProgram {
		return ErrUnauthorizedCaller
	}

	claim, ok := l.claims[claimID]
	if !ok {
		return ErrClaimNotFound
	}

	if claim.Authority != ix.ExpectedMiner {
		return ErrMinerMismatch
	}

	if claim.BatchHash != ix.ExpectedBatch {
		return ErrBatchMismatch
	}

	if claim.Status == ClaimConsumed || claim.ConsumedCount >= claim.MaxConsumes {
		return ErrClaimExhausted
	}

	if claim.Status != ClaimRevealed {
		return ErrClaimNotRevealed
	}

	if currentSlot > claim.ExpiresAtSlot {
		return ErrClaimExpired
	}

	if !claim.MatchesBatch(requestedBatch) {
		return ErrBatchMismatch
	}

	claim.ConsumedCount++
	if claim.ConsumedCount == claim.MaxConsumes {
		claim.Status = ClaimConsumed
	}

	if miner, ok := l.miners[claim.Authority]; ok {
		miner.TotalConsumed++
	}

	return nil
}

// MaybeRetarget adjusts the difficulty if a full retarget interval has
// elapsed. The caller supplies the params version it read; a mismatch means
// another writer retargeted first and the caller must re-read.
func (l *Ledger) MaybeRetarget(currentSlot uint64, expectedVersion uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.params.Version != expectedVersion {
		return false, ErrVersionConflict
	}

	if currentSlot < l.params.LastRetargetSlot+l.params.RetargetIntervalSlots {
		return false, nil
	}

	expected := l.params.RetargetIntervalSlots / l.params.TargetIntervalSlots
	observed := l.params.SolutionsObserved

	l.params.CurrentDifficulty = NextDifficulty(
		l.params.CurrentDifficulty,
		l.params.MinDifficulty,
		l.params.MaxDifficulty,
		observed,
		expected,
	)
	l.params.SolutionsObserved = 0
	l.params.LastRetargetSlot = currentSlot
	l.params.Version++

	return true, nil
}

// DefaultParams returns registry parameters suitable for tests and local
// development: an easy target (top byte range), generous windows.
func DefaultParams(admin Hash32) *Params {
	max := new(big.Int).Lsh(big.NewInt(1), 256)
	max.Sub(max, big.NewInt(1))

	// 1/16 of the hash space
	initial := new(big.Int).Rsh(max, 4)

	return &Params{
		Admin:                 admin,
		CurrentDifficulty:     initial,
		MinDifficulty:         new(big.Int).Rsh(max, 32),
		MaxDifficulty:         new(big.Int).Set(max),
		TargetIntervalSlots:   10,
		RetargetIntervalSlots: 100,
		RevealWindow:          50,
		ClaimWindow:           300,
		MaxK:                  16,
	}
}
