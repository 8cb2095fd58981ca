package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"github.com/shieldpool/relay/internal/registry"
)

// slotHashWindow is how many recent slots keep a queryable hash.
const slotHashWindow = 150

// rootWindow is how many recent commitment roots the withdrawal program
// accepts a proof against.
const rootWindow = 64

// ProofVerifier checks a membership proof against a root and nullifier.
type ProofVerifier func(root, nullifier registry.Hash32, proof []byte) bool

// SimNode is an in-process chain node. It executes registry and withdrawal
// program transactions serially under one lock, which models the chain's
// sequential execution of conflicting transactions. Tests and local
// development run against it in place of a real node.
type SimNode struct {
	mu sync.Mutex

	slot       uint64
	slotHashes map[uint64]registry.Hash32

	registryProgram   registry.Hash32
	withdrawalProgram registry.Hash32
	ledger            *registry.Ledger

	recentRoots []registry.Hash32
	spent       map[registry.Hash32]bool
	poolBalance uint64
	verify      ProofVerifier

	statuses map[string]*SignatureStatus
	seq      uint64

	healthy bool
}

// NewSimNode creates a sim node with the given program ids and registry
// parameters. Proofs are accepted unless a verifier is installed with
// SetProofVerifier.
func NewSimNode(registryProgram, withdrawalProgram registry.Hash32, params *registry.Params) *SimNode {
	n := &SimNode{
		slotHashes:        make(map[uint64]registry.Hash32),
		registryProgram:   registryProgram,
		withdrawalProgram: withdrawalProgram,
		ledger:            registry.NewLedger(params, withdrawalProgram),
		spent:             make(map[registry.Hash32]bool),
		verify:            func(registry.Hash32, registry.Hash32, []byte) bool { return true },
		statuses:          make(map[string]*SignatureStatus),
		healthy:           true,
	}
	n.slotHashes[0] = simSlotHash(0)
	return n
}

func simSlotHash(slot uint64) registry.Hash32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], slot)
	return registry.Hash32(blake3.Sum256(append([]byte("simnode_slot_v1"), buf[:]...)))
}

// AdvanceSlot moves the node forward one slot and returns the new slot.
func (n *SimNode) AdvanceSlot() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.advanceLocked(1)
}

// AdvanceSlots moves the node forward count slots.
func (n *SimNode) AdvanceSlots(count uint64) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.advanceLocked(count)
}

func (n *SimNode) advanceLocked(count uint64) uint64 {
	for i := uint64(0); i < count; i++ {
		n.slot++
		n.slotHashes[n.slot] = simSlotHash(n.slot)
		if n.slot >= slotHashWindow {
			delete(n.slotHashes, n.slot-slotHashWindow)
		}
		// The registry program retargets as part of slot processing
		_, _ = n.ledger.MaybeRetarget(n.slot, n.ledger.Params().Version)
	}
	return n.slot
}

// AddRoot publishes a commitment root into the recent-root window.
func (n *SimNode) AddRoot(root registry.Hash32) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.recentRoots = append(n.recentRoots, root)
	if len(n.recentRoots) > rootWindow {
		n.recentRoots = n.recentRoots[len(n.recentRoots)-rootWindow:]
	}
}

// Fund credits the withdrawal pool balance.
func (n *SimNode) Fund(amount uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.poolBalance += amount
}

// PoolBalance returns the remaining pool balance.
func (n *SimNode) PoolBalance() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.poolBalance
}

// SetProofVerifier installs a proof verifier.
func (n *SimNode) SetProofVerifier(v ProofVerifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verify = v
}

// SetHealthy flips the health flag; HealthCheck fails while unhealthy.
func (n *SimNode) SetHealthy(healthy bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = healthy
}

// NullifierSpent reports whether a nullifier is in the spent set.
func (n *SimNode) NullifierSpent(nullifier registry.Hash32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.spent[nullifier]
}

// Ledger exposes the registry ledger for direct inspection in tests.
func (n *SimNode) Ledger() *registry.Ledger {
	return n.ledger
}

// CurrentSlot implements Client.
func (n *SimNode) CurrentSlot(_ context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.slot, nil
}

// SlotHash implements Client.
func (n *SimNode) SlotHash(_ context.Context, slot uint64) (registry.Hash32, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.slotHashes[slot]
	return h, ok, nil
}

// ProgramAccounts implements Client. Only registry claim accounts are
// materialized; other programs own no listable accounts on the sim node.
func (n *SimNode) ProgramAccounts(_ context.Context, program registry.Hash32, sizeFilter int) ([]AccountInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if program != n.registryProgram {
		return nil, nil
	}

	var accounts []AccountInfo
	for id, claim := range n.ledger.Claims() {
		data := claim.Encode()
		if sizeFilter > 0 && len(data) != sizeFilter {
			continue
		}
		accounts = append(accounts, AccountInfo{Key: id, Owner: program, Data: data})
	}
	return accounts, nil
}

// Account implements Client.
func (n *SimNode) Account(_ context.Context, key registry.Hash32) (*AccountInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// The registry program's own account holds the params record
	if key == n.registryProgram {
		return &AccountInfo{Key: key, Owner: n.registryProgram, Data: n.ledger.Params().Encode()}, nil
	}

	claim, ok := n.ledger.Claim(key)
	if !ok {
		return nil, nil
	}
	return &AccountInfo{Key: key, Owner: n.registryProgram, Data: claim.Encode()}, nil
}

// SubmitTransaction implements Client. Execution happens synchronously at
// the current slot; the returned signature can be polled immediately.
func (n *SimNode) SubmitTransaction(_ context.Context, tx *Transaction) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n.seq)
	sigHash := blake3.Sum256(append(tx.Data, buf[:]...))
	signature := registry.Hash32(sigHash).String()

	status := &SignatureStatus{Slot: n.slot, Confirmed: true}
	if err := n.executeLocked(tx); err != nil {
		status.Err = programErrName(err)
	}
	n.statuses[signature] = status

	return signature, nil
}

// SignatureStatus implements Client.
func (n *SimNode) SignatureStatus(_ context.Context, signature string) (*SignatureStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	status, ok := n.statuses[signature]
	if !ok {
		return nil, nil
	}
	cp := *status
	return &cp, nil
}

// HealthCheck implements Client.
func (n *SimNode) HealthCheck(_ context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.healthy {
		return fmt.Errorf("sim node marked unhealthy")
	}
	return nil
}

func (n *SimNode) executeLocked(tx *Transaction) error {
	switch tx.Program {
	case n.registryProgram:
		return n.executeRegistry(tx)
	case n.withdrawalProgram:
		return n.executeWithdrawal(tx)
	default:
		return fmt.Errorf("unknown program %s", tx.Program)
	}
}

func (n *SimNode) executeRegistry(tx *Transaction) error {
	if len(tx.Data) == 0 {
		return fmt.Errorf("empty instruction")
	}

	slotHashes := func(slot uint64) (registry.Hash32, bool) {
		h, ok := n.slotHashes[slot]
		return h, ok
	}

	switch tx.Data[0] {
	case registry.TagMine:
		ix, err := registry.DecodeMineInstruction(tx.Data)
		if err != nil {
			return err
		}
		_, err = n.ledger.Mine(tx.Signer, ix, n.slot, slotHashes)
		return err
	case registry.TagReveal:
		if err := registry.DecodeRevealInstruction(tx.Data); err != nil {
			return err
		}
		return n.ledger.Reveal(tx.Signer, tx.Account, n.slot)
	case registry.TagConsume:
		ix, err := registry.DecodeConsumeInstruction(tx.Data)
		if err != nil {
			return err
		}
		return n.ledger.Consume(tx.Signer, tx.Account, ix, ix.ExpectedBatch, n.slot)
	default:
		return fmt.Errorf("unknown registry instruction tag %d", tx.Data[0])
	}
}

func (n *SimNode) executeWithdrawal(tx *Transaction) error {
	w, err := DecodeWithdrawalInstruction(tx.Data)
	if err != nil {
		return err
	}

	if !n.rootRecent(w.Root) {
		return errStaleRoot
	}
	if n.spent[w.Nullifier] {
		return errNullifierSpent
	}
	if !n.verify(w.Root, w.Nullifier, w.Proof) {
		return errProofRejected
	}

	var total uint64
	for _, out := range w.Outputs {
		total += out.Amount
	}
	if total+w.Fee != w.Amount {
		return errProofRejected
	}
	if n.poolBalance < w.Amount {
		return errInsufficientFunds
	}

	claim, ok := n.ledger.Claim(w.ClaimID)
	if !ok {
		return registry.ErrClaimNotFound
	}
	consumeIx := &registry.ConsumeInstruction{
		ExpectedMiner: claim.Authority,
		ExpectedBatch: claim.BatchHash,
	}
	if err := n.ledger.Consume(n.withdrawalProgram, w.ClaimID, consumeIx, w.BatchHash, n.slot); err != nil {
		return err
	}

	// Nullifier lands in the spent set only after the claim consumed
	n.spent[w.Nullifier] = true
	n.poolBalance -= w.Amount
	return nil
}

func (n *SimNode) rootRecent(root registry.Hash32) bool {
	for _, r := range n.recentRoots {
		if r == root {
			return true
		}
	}
	return false
}

var (
	errStaleRoot         = errors.New(ErrNameStaleRoot)
	errNullifierSpent    = errors.New(ErrNameNullifierAlreadySpent)
	errProofRejected     = errors.New(ErrNameProofRejected)
	errInsufficientFunds = errors.New(ErrNameInsufficientPoolFunds)
)

// programErrName maps an execution error to the error name surfaced in
// SignatureStatus.Err, matching what a real node reports.
func programErrName(err error) string {
	switch {
	case errors.Is(err, errStaleRoot):
		return ErrNameStaleRoot
	case errors.Is(err, errNullifierSpent):
		return ErrNameNullifierAlreadySpent
	case errors.Is(err, errProofRejected):
		return ErrNameProofRejected
	case errors.Is(err, errInsufficientFunds):
		return ErrNameInsufficientPoolFunds
	case errors.Is(err, registry.ErrClaimNotFound):
		return ErrNameClaimNotFound
	case errors.Is(err, registry.ErrClaimNotRevealed):
		return ErrNameClaimNotRevealed
	case errors.Is(err, registry.ErrClaimExpired):
		return ErrNameClaimExpired
	case errors.Is(err, registry.ErrClaimExhausted):
		return ErrNameClaimExhausted
	case errors.Is(err, registry.ErrBatchMismatch):
		return ErrNameBatchMismatch
	case errors.Is(err, registry.ErrMinerMismatch):
		return ErrNameMinerMismatch
	default:
		return err.Error()
	}
}
