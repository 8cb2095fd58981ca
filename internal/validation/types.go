package validation

import "github.com/shieldpool/relay/internal/registry"

// MaxOutputs bounds the payout legs of one withdrawal.
const MaxOutputs = 10

// ProofSize is the fixed serialized proof length.
const ProofSize = 256

// Output is one payout leg as submitted by the client, hex encoded.
type Output struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// WithdrawRequest is the raw intake payload. Hash fields are 32-byte hex
// strings; the proof is hex encoded.
type WithdrawRequest struct {
	Root      string   `json:"root"`
	Nullifier string   `json:"nullifier"`
	Proof     string   `json:"proof"`
	Amount    uint64   `json:"amount"`
	Outputs   []Output `json:"outputs"`
	// OutputsHash is the commitment the proof binds to; it must equal the
	// hash recomputed from the outputs list.
	OutputsHash string `json:"outputs_hash"`
	// BatchHash is optional: empty or all-zero means the withdrawal can be
	// funded by any wildcard claim.
	BatchHash string `json:"batch_hash,omitempty"`
}

// ParsedOutput is a decoded payout leg.
type ParsedOutput struct {
	Recipient registry.Hash32
	Amount    uint64
}

// ParsedWithdraw is a fully decoded and validated withdrawal request,
// ready for persistence and transaction building.
type ParsedWithdraw struct {
	Root        registry.Hash32
	Nullifier   registry.Hash32
	Proof       []byte
	Amount      uint64
	Fee         uint64
	Outputs     []ParsedOutput
	OutputsHash registry.Hash32
	BatchHash   registry.Hash32
}
