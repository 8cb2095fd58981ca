package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/shieldpool/relay/internal/registry"
)

var (
	simRegistry   = registry.Hash32{0x01}
	simWithdrawal = registry.Hash32{0x02}
	simMiner      = registry.Hash32{0x03}
	simAdmin      = registry.Hash32{0x04}
)

func newTestNode() *SimNode {
	params := registry.DefaultParams(simAdmin)
	// Accept every solution so tests mine deterministically
	params.CurrentDifficulty = new(big.Int).Set(params.MaxDifficulty)
	return NewSimNode(simRegistry, simWithdrawal, params)
}

// mineClaim submits a mine transaction and returns the resulting claim id.
func mineClaim(t *testing.T, node *SimNode, batch registry.Hash32, maxConsumes uint16) registry.Hash32 {
	t.Helper()
	ctx := context.Background()

	slot, err := node.CurrentSlot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	slotHash, ok, err := node.SlotHash(ctx, slot)
	if err != nil || !ok {
		t.Fatalf("SlotHash: ok=%t err=%v", ok, err)
	}

	ix := &registry.MineInstruction{
		Slot:        slot,
		SlotHash:    slotHash,
		BatchHash:   batch,
		Nonce:       registry.Nonce{0xaa},
		MaxConsumes: maxConsumes,
	}
	sig, err := node.SubmitTransaction(ctx, &Transaction{
		Program: simRegistry,
		Signer:  simMiner,
		Data:    ix.Encode(),
	})
	if err != nil {
		t.Fatalf("SubmitTransaction failed: %v", err)
	}

	status, err := node.SignatureStatus(ctx, sig)
	if err != nil || status == nil {
		t.Fatalf("SignatureStatus: %v", err)
	}
	if status.Failed() {
		t.Fatalf("Mine transaction failed: %s", status.Err)
	}

	return registry.SolutionHash(slot, slotHash, simMiner, batch, ix.Nonce)
}

func revealClaim(t *testing.T, node *SimNode, claimID registry.Hash32) {
	t.Helper()
	ctx := context.Background()

	sig, err := node.SubmitTransaction(ctx, &Transaction{
		Program: simRegistry,
		Signer:  simMiner,
		Account: claimID,
		Data:    registry.EncodeRevealInstruction(),
	})
	if err != nil {
		t.Fatal(err)
	}
	status, _ := node.SignatureStatus(ctx, sig)
	if status.Failed() {
		t.Fatalf("Reveal transaction failed: %s", status.Err)
	}
}

func withdrawalTx(node *SimNode, root, nullifier, claimID, batch registry.Hash32, amount, fee uint64) *Transaction {
	outputs := []TransferOutput{{Recipient: registry.Hash32{0x10}, Amount: amount - fee}}
	w := &WithdrawalInstruction{
		Root:      root,
		Nullifier: nullifier,
		Proof:     make([]byte, ProofSize),
		ClaimID:   claimID,
		BatchHash: batch,
		Amount:    amount,
		Fee:       fee,
		Outputs:   outputs,
	}
	data, _ := w.Encode()
	return &Transaction{Program: simWithdrawal, Signer: registry.Hash32{0x99}, Data: data}
}

func submitAndStatus(t *testing.T, node *SimNode, tx *Transaction) *SignatureStatus {
	t.Helper()
	ctx := context.Background()

	sig, err := node.SubmitTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("SubmitTransaction failed: %v", err)
	}
	status, err := node.SignatureStatus(ctx, sig)
	if err != nil || status == nil {
		t.Fatalf("SignatureStatus: %v", err)
	}
	return status
}

func TestSimNode_MineRevealLifecycle(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)

	claimID := mineClaim(t, node, registry.Hash32{}, 4)

	account, err := node.Account(context.Background(), claimID)
	if err != nil || account == nil {
		t.Fatalf("Account: %v", err)
	}
	claim, err := registry.DecodeClaim(account.Data)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Status != registry.ClaimMined {
		t.Errorf("Expected mined, got %s", claim.Status)
	}

	node.AdvanceSlots(5)
	revealClaim(t, node, claimID)

	account, _ = node.Account(context.Background(), claimID)
	claim, _ = registry.DecodeClaim(account.Data)
	if claim.Status != registry.ClaimRevealed {
		t.Errorf("Expected revealed, got %s", claim.Status)
	}
}

func TestSimNode_WithdrawalSuccess(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)
	node.Fund(1_000_000)

	root := registry.Hash32{0xaa}
	node.AddRoot(root)

	claimID := mineClaim(t, node, registry.Hash32{}, 2)
	revealClaim(t, node, claimID)

	nullifier := registry.Hash32{0x42}
	status := submitAndStatus(t, node,
		withdrawalTx(node, root, nullifier, claimID, registry.Hash32{0x01}, 100_000, 5_000))

	if status.Failed() {
		t.Fatalf("Withdrawal failed: %s", status.Err)
	}
	if !node.NullifierSpent(nullifier) {
		t.Error("Nullifier must be in the spent set after execution")
	}
	if node.PoolBalance() != 900_000 {
		t.Errorf("Expected pool balance 900000, got %d", node.PoolBalance())
	}
}

func TestSimNode_WithdrawalDoubleSpend(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)
	node.Fund(1_000_000)

	root := registry.Hash32{0xaa}
	node.AddRoot(root)

	claimID := mineClaim(t, node, registry.Hash32{}, 4)
	revealClaim(t, node, claimID)

	nullifier := registry.Hash32{0x42}
	first := submitAndStatus(t, node,
		withdrawalTx(node, root, nullifier, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if first.Failed() {
		t.Fatalf("First withdrawal failed: %s", first.Err)
	}

	second := submitAndStatus(t, node,
		withdrawalTx(node, root, nullifier, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if second.Err != ErrNameNullifierAlreadySpent {
		t.Errorf("Expected %s, got %q", ErrNameNullifierAlreadySpent, second.Err)
	}

	if node.PoolBalance() != 900_000 {
		t.Errorf("Double spend must not move funds twice: balance %d", node.PoolBalance())
	}
}

func TestSimNode_WithdrawalStaleRoot(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)
	node.Fund(1_000_000)

	claimID := mineClaim(t, node, registry.Hash32{}, 1)
	revealClaim(t, node, claimID)

	status := submitAndStatus(t, node,
		withdrawalTx(node, registry.Hash32{0xee}, registry.Hash32{0x42}, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if status.Err != ErrNameStaleRoot {
		t.Errorf("Expected %s, got %q", ErrNameStaleRoot, status.Err)
	}
}

func TestSimNode_WithdrawalProofRejected(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)
	node.Fund(1_000_000)
	node.SetProofVerifier(func(registry.Hash32, registry.Hash32, []byte) bool { return false })

	root := registry.Hash32{0xaa}
	node.AddRoot(root)

	claimID := mineClaim(t, node, registry.Hash32{}, 1)
	revealClaim(t, node, claimID)

	status := submitAndStatus(t, node,
		withdrawalTx(node, root, registry.Hash32{0x42}, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if status.Err != ErrNameProofRejected {
		t.Errorf("Expected %s, got %q", ErrNameProofRejected, status.Err)
	}
}

func TestSimNode_WithdrawalInsufficientFunds(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)
	node.Fund(50_000)

	root := registry.Hash32{0xaa}
	node.AddRoot(root)

	claimID := mineClaim(t, node, registry.Hash32{}, 1)
	revealClaim(t, node, claimID)

	status := submitAndStatus(t, node,
		withdrawalTx(node, root, registry.Hash32{0x42}, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if status.Err != ErrNameInsufficientPoolFunds {
		t.Errorf("Expected %s, got %q", ErrNameInsufficientPoolFunds, status.Err)
	}
}

func TestSimNode_WithdrawalClaimErrors(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)
	node.Fund(1_000_000)

	root := registry.Hash32{0xaa}
	node.AddRoot(root)

	// Mined but never revealed
	claimID := mineClaim(t, node, registry.Hash32{}, 1)

	status := submitAndStatus(t, node,
		withdrawalTx(node, root, registry.Hash32{0x42}, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if status.Err != ErrNameClaimNotRevealed {
		t.Errorf("Expected %s, got %q", ErrNameClaimNotRevealed, status.Err)
	}

	// Unknown claim id
	status = submitAndStatus(t, node,
		withdrawalTx(node, root, registry.Hash32{0x43}, registry.Hash32{0xff}, registry.Hash32{0x01}, 100_000, 5_000))
	if status.Err != ErrNameClaimNotFound {
		t.Errorf("Expected %s, got %q", ErrNameClaimNotFound, status.Err)
	}

	// Exhausted: single-use claim consumed twice
	claimID = mineClaim(t, node, registry.Hash32{}, 1)
	revealClaim(t, node, claimID)

	first := submitAndStatus(t, node,
		withdrawalTx(node, root, registry.Hash32{0x44}, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if first.Failed() {
		t.Fatalf("First consume failed: %s", first.Err)
	}
	second := submitAndStatus(t, node,
		withdrawalTx(node, root, registry.Hash32{0x45}, claimID, registry.Hash32{0x01}, 100_000, 5_000))
	if second.Err != ErrNameClaimExhausted {
		t.Errorf("Expected %s, got %q", ErrNameClaimExhausted, second.Err)
	}
}

func TestSimNode_SlotHashWindow(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(slotHashWindow + 20)

	ctx := context.Background()
	if _, ok, _ := node.SlotHash(ctx, 5); ok {
		t.Error("Slot 5 should have aged out of the window")
	}

	slot, _ := node.CurrentSlot(ctx)
	if _, ok, _ := node.SlotHash(ctx, slot); !ok {
		t.Error("Current slot hash must be available")
	}
}

func TestSimNode_ProgramAccountsSizeFilter(t *testing.T) {
	node := newTestNode()
	node.AdvanceSlots(10)
	mineClaim(t, node, registry.Hash32{}, 1)

	ctx := context.Background()
	accounts, err := node.ProgramAccounts(ctx, simRegistry, registry.ClaimAccountSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("Expected 1 claim account, got %d", len(accounts))
	}

	accounts, _ = node.ProgramAccounts(ctx, simRegistry, registry.ClaimAccountSize+1)
	if len(accounts) != 0 {
		t.Errorf("Size filter should exclude claim accounts, got %d", len(accounts))
	}
}

func TestSimNode_UnknownSignature(t *testing.T) {
	node := newTestNode()
	status, err := node.SignatureStatus(context.Background(), "deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if status != nil {
		t.Error("Unknown signature must return nil status")
	}
}

func TestClassifyProgramError(t *testing.T) {
	tests := []struct {
		name      string
		errType   string
		retryable bool
	}{
		{ErrNameNullifierAlreadySpent, "chain_fatal", false},
		{ErrNameStaleRoot, "chain_fatal", false},
		{ErrNameProofRejected, "chain_fatal", false},
		{ErrNameInsufficientPoolFunds, "chain_fatal", false},
		{ErrNameClaimExpired, "claim_unavailable", true},
		{ErrNameClaimExhausted, "claim_unavailable", true},
		{ErrNameClaimNotRevealed, "claim_unavailable", true},
		{"SomethingNew", "chain_transient", true},
	}

	for _, tt := range tests {
		svcErr := ClassifyProgramError("submit", tt.name)
		if string(svcErr.Type) != tt.errType {
			t.Errorf("%s: expected type %s, got %s", tt.name, tt.errType, svcErr.Type)
		}
		if svcErr.IsRetryable() != tt.retryable {
			t.Errorf("%s: expected retryable=%t", tt.name, tt.retryable)
		}
	}
}
