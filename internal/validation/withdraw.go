// Package validation provides synchronous intake validation for withdrawal
// requests: structural checks, fee computation and value conservation.
// Everything here is deterministic; requests that fail are rejected before
// a job is created.
package validation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/pkg/errors"
)

// WithdrawValidator validates intake requests against the relay's fee
// policy.
type WithdrawValidator struct {
	feeVariableBps uint64
	feeFixed       uint64
}

// NewWithdrawValidator creates a validator with the given fee policy.
func NewWithdrawValidator(feeVariableBps, feeFixed uint64) *WithdrawValidator {
	return &WithdrawValidator{
		feeVariableBps: feeVariableBps,
		feeFixed:       feeFixed,
	}
}

// Fee computes the relay fee for a withdrawal amount: a basis-point share
// plus a fixed component.
func (v *WithdrawValidator) Fee(amount uint64) uint64 {
	return amount*v.feeVariableBps/10_000 + v.feeFixed
}

// Validate checks a withdrawal request and returns its parsed form. Every
// failure is a validation error: terminal, reported synchronously, no job
// created.
func (v *WithdrawValidator) Validate(req *WithdrawRequest) (*ParsedWithdraw, error) {
	root, err := parseHash("root", req.Root)
	if err != nil {
		return nil, err
	}
	nullifier, err := parseHash("nullifier", req.Nullifier)
	if err != nil {
		return nil, err
	}
	if nullifier.IsZero() {
		return nil, validationErr("nullifier must not be zero")
	}

	proof, err := hex.DecodeString(req.Proof)
	if err != nil {
		return nil, validationErr("proof is not valid hex")
	}
	if len(proof) != ProofSize {
		return nil, validationErr(fmt.Sprintf("proof must be %d bytes, got %d", ProofSize, len(proof)))
	}

	var batch registry.Hash32
	if req.BatchHash != "" {
		batch, err = parseHash("batch_hash", req.BatchHash)
		if err != nil {
			return nil, err
		}
	}

	if len(req.Outputs) == 0 {
		return nil, validationErr("at least one output is required")
	}
	if len(req.Outputs) > MaxOutputs {
		return nil, validationErr(fmt.Sprintf("at most %d outputs are allowed, got %d", MaxOutputs, len(req.Outputs)))
	}

	if req.Amount == 0 {
		return nil, validationErr("amount must be positive")
	}

	outputs := make([]ParsedOutput, len(req.Outputs))
	var outputSum uint64
	for i, out := range req.Outputs {
		recipient, err := parseHash(fmt.Sprintf("outputs[%d].recipient", i), out.Recipient)
		if err != nil {
			return nil, err
		}
		if out.Amount == 0 {
			return nil, validationErr(fmt.Sprintf("outputs[%d].amount must be positive", i))
		}

		next := outputSum + out.Amount
		if next < outputSum {
			return nil, validationErr("output amounts overflow")
		}
		outputSum = next
		outputs[i] = ParsedOutput{Recipient: recipient, Amount: out.Amount}
	}

	fee := v.Fee(req.Amount)
	if outputSum+fee != req.Amount {
		return nil, errors.New(errors.ErrorTypeValidation, "validate_withdraw",
			"value is not conserved: outputs plus fee must equal amount").
			WithContext("amount", req.Amount).
			WithContext("output_sum", outputSum).
			WithContext("fee", fee)
	}

	declared, err := parseHash("outputs_hash", req.OutputsHash)
	if err != nil {
		return nil, err
	}
	computed := OutputsHash(outputs)
	if declared != computed {
		// The proof commits to a different payout set than the request body
		return nil, errors.New(errors.ErrorTypeValidation, "validate_withdraw",
			"outputs_hash does not match the outputs list").
			WithContext("declared", req.OutputsHash).
			WithContext("computed", computed.String())
	}

	return &ParsedWithdraw{
		Root:        root,
		Nullifier:   nullifier,
		Proof:       proof,
		Amount:      req.Amount,
		Fee:         fee,
		Outputs:     outputs,
		OutputsHash: computed,
		BatchHash:   batch,
	}, nil
}

// OutputsHash commits to the payout legs: BLAKE3 over the concatenation of
// recipient(32) ∥ amount(8, LE) for each output in order.
func OutputsHash(outputs []ParsedOutput) registry.Hash32 {
	buf := make([]byte, 0, len(outputs)*40)
	for _, out := range outputs {
		buf = append(buf, out.Recipient[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, out.Amount)
	}
	return registry.Hash32(blake3.Sum256(buf))
}

func parseHash(field, value string) (registry.Hash32, error) {
	h, err := registry.Hash32FromHex(value)
	if err != nil {
		return registry.Hash32{}, errors.New(errors.ErrorTypeValidation, "validate_withdraw",
			fmt.Sprintf("%s: %v", field, err))
	}
	return h, nil
}

func validationErr(message string) *errors.ServiceError {
	return errors.New(errors.ErrorTypeValidation, "validate_withdraw", message)
}
