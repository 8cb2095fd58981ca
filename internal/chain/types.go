// Package chain provides access to the settlement chain: slot queries,
// account reads, transaction submission and confirmation tracking. The
// production client speaks JSON-RPC; SimNode is an in-process node used by
// tests and local development.
package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/pkg/errors"
)

// Commitment is the confirmation depth for reads and submission.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ParseCommitment validates a commitment level string.
func ParseCommitment(s string) (Commitment, error) {
	switch Commitment(s) {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return Commitment(s), nil
	default:
		return "", fmt.Errorf("unknown commitment level %q", s)
	}
}

// AccountInfo is a raw account read: its key, owning program and data.
type AccountInfo struct {
	Key   registry.Hash32
	Owner registry.Hash32
	Data  []byte
}

// Transaction is a single-instruction transaction: the target program, the
// signing authority, an optional target account and the encoded instruction
// payload. Account is the claim being revealed or consumed; mine and
// withdrawal instructions ignore it.
type Transaction struct {
	Program registry.Hash32
	Signer  registry.Hash32
	Account registry.Hash32
	Data    []byte
}

// SignatureStatus is the confirmation state of a submitted transaction.
// Err carries the program error name when execution failed on chain.
type SignatureStatus struct {
	Slot      uint64
	Confirmed bool
	Err       string
}

// Failed reports whether the transaction executed and was rejected.
func (s *SignatureStatus) Failed() bool {
	return s.Err != ""
}

// Program error names surfaced in SignatureStatus.Err. The withdrawal
// program rejects with the first four; the rest come from the claim
// registry during consume.
const (
	ErrNameNullifierAlreadySpent = "NullifierAlreadySpent"
	ErrNameStaleRoot             = "StaleRoot"
	ErrNameProofRejected         = "ProofRejected"
	ErrNameInsufficientPoolFunds = "InsufficientPoolFunds"

	ErrNameClaimNotFound    = "ClaimNotFound"
	ErrNameClaimNotRevealed = "ClaimNotRevealed"
	ErrNameClaimExpired     = "ClaimExpired"
	ErrNameClaimExhausted   = "ClaimExhausted"
	ErrNameBatchMismatch    = "BatchMismatch"
	ErrNameMinerMismatch    = "MinerMismatch"
)

// ClassifyProgramError maps an on-chain program error name to a service
// error. Withdrawal program rejections are final: the transaction can never
// succeed as built. Claim registry rejections mean the chosen claim became
// unusable between selection and execution, so the job can retry against a
// different claim.
func ClassifyProgramError(operation, name string) *errors.ServiceError {
	switch name {
	case ErrNameNullifierAlreadySpent, ErrNameStaleRoot,
		ErrNameProofRejected, ErrNameInsufficientPoolFunds:
		return errors.New(errors.ErrorTypeChainFatal, operation,
			fmt.Sprintf("withdrawal rejected on chain: %s", name)).
			WithContext("program_error", name)
	case ErrNameClaimNotFound, ErrNameClaimNotRevealed, ErrNameClaimExpired,
		ErrNameClaimExhausted, ErrNameBatchMismatch, ErrNameMinerMismatch:
		return errors.New(errors.ErrorTypeClaimUnavailable, operation,
			fmt.Sprintf("claim rejected during consume: %s", name)).
			WithContext("program_error", name)
	default:
		return errors.New(errors.ErrorTypeChainTransient, operation,
			fmt.Sprintf("unrecognized program error: %s", name)).
			WithContext("program_error", name)
	}
}

// TransferOutput is one payout leg of a withdrawal.
type TransferOutput struct {
	Recipient registry.Hash32
	Amount    uint64
}

// WithdrawalInstruction is the withdrawal program's instruction payload:
// the note being spent, its membership proof against a recent root, the
// claim funding the execution and the payout legs.
type WithdrawalInstruction struct {
	Root      registry.Hash32
	Nullifier registry.Hash32
	Proof     []byte
	ClaimID   registry.Hash32
	BatchHash registry.Hash32
	Amount    uint64
	Fee       uint64
	Outputs   []TransferOutput
}

// ProofSize is the fixed serialized proof length.
const ProofSize = 256

// Encode serializes the withdrawal instruction:
// root(32) ∥ nullifier(32) ∥ proof(256) ∥ claim_id(32) ∥ batch_hash(32)
// ∥ amount(8) ∥ fee(8) ∥ n_outputs(2) ∥ outputs(40 each), little-endian.
func (w *WithdrawalInstruction) Encode() ([]byte, error) {
	if len(w.Proof) != ProofSize {
		return nil, fmt.Errorf("proof must be %d bytes, got %d", ProofSize, len(w.Proof))
	}

	buf := make([]byte, 0, 32+32+ProofSize+32+32+8+8+2+40*len(w.Outputs))
	buf = append(buf, w.Root[:]...)
	buf = append(buf, w.Nullifier[:]...)
	buf = append(buf, w.Proof...)
	buf = append(buf, w.ClaimID[:]...)
	buf = append(buf, w.BatchHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, w.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, w.Fee)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(w.Outputs)))
	for _, out := range w.Outputs {
		buf = append(buf, out.Recipient[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, out.Amount)
	}
	return buf, nil
}

// DecodeWithdrawalInstruction parses a withdrawal instruction payload.
func DecodeWithdrawalInstruction(data []byte) (*WithdrawalInstruction, error) {
	const fixed = 32 + 32 + ProofSize + 32 + 32 + 8 + 8 + 2
	if len(data) < fixed {
		return nil, fmt.Errorf("withdrawal instruction too short: %d bytes", len(data))
	}

	w := &WithdrawalInstruction{Proof: make([]byte, ProofSize)}
	off := 0
	copy(w.Root[:], data[off:off+32])
	off += 32
	copy(w.Nullifier[:], data[off:off+32])
	off += 32
	copy(w.Proof, data[off:off+ProofSize])
	off += ProofSize
	copy(w.ClaimID[:], data[off:off+32])
	off += 32
	copy(w.BatchHash[:], data[off:off+32])
	off += 32
	w.Amount = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	w.Fee = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	n := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2

	if len(data) != fixed+40*n {
		return nil, fmt.Errorf("withdrawal instruction with %d outputs must be %d bytes, got %d",
			n, fixed+40*n, len(data))
	}

	w.Outputs = make([]TransferOutput, n)
	for i := range w.Outputs {
		copy(w.Outputs[i].Recipient[:], data[off:off+32])
		off += 32
		w.Outputs[i].Amount = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}
	return w, nil
}
