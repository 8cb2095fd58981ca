package registry

import (
	"encoding/binary"
	"fmt"
)

// Instruction tags. Every registry instruction starts with a single tag byte.
const (
	TagMine    byte = 0
	TagReveal  byte = 1
	TagConsume byte = 2
)

// Instruction wire sizes.
const (
	MineInstructionSize    = 1 + 8 + 32 + 32 + 16 + 32 + 2
	RevealInstructionSize  = 1
	ConsumeInstructionSize = 1 + 32 + 32
)

// MineInstruction is the decoded mine instruction:
// tag(1) ∥ slot(8) ∥ slot_hash(32) ∥ batch_hash(32) ∥ nonce(16) ∥ proof_hash(32) ∥ max_consumes(2).
type MineInstruction struct {
	Slot        uint64
	SlotHash    Hash32
	BatchHash   Hash32
	Nonce       Nonce
	ProofHash   Hash32
	MaxConsumes uint16
}

// Encode serializes the mine instruction (little-endian).
func (ix *MineInstruction) Encode() []byte {
	buf := make([]byte, 0, MineInstructionSize)
	buf = append(buf, TagMine)
	buf = binary.LittleEndian.AppendUint64(buf, ix.Slot)
	buf = append(buf, ix.SlotHash[:]...)
	buf = append(buf, ix.BatchHash[:]...)
	buf = append(buf, ix.Nonce[:]...)
	buf = append(buf, ix.ProofHash[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, ix.MaxConsumes)
	return buf
}

// DecodeMineInstruction parses a mine instruction.
func DecodeMineInstruction(data []byte) (*MineInstruction, error) {
	if len(data) != MineInstructionSize {
		return nil, fmt.Errorf("mine instruction must be %d bytes, got %d", MineInstructionSize, len(data))
	}
	if data[0] != TagMine {
		return nil, fmt.Errorf("expected mine tag %d, got %d", TagMine, data[0])
	}

	ix := &MineInstruction{}
	ix.Slot = binary.LittleEndian.Uint64(data[1:9])
	copy(ix.SlotHash[:], data[9:41])
	copy(ix.BatchHash[:], data[41:73])
	copy(ix.Nonce[:], data[73:89])
	copy(ix.ProofHash[:], data[89:121])
	ix.MaxConsumes = binary.LittleEndian.Uint16(data[121:123])
	return ix, nil
}

// EncodeRevealInstruction serializes the reveal instruction. Authorization
// comes from the transaction signer matching the stored claim authority,
// so the payload is the tag alone.
func EncodeRevealInstruction() []byte {
	return []byte{TagReveal}
}

// DecodeRevealInstruction validates a reveal instruction payload.
func DecodeRevealInstruction(data []byte) error {
	if len(data) != RevealInstructionSize {
		return fmt.Errorf("reveal instruction must be %d byte, got %d", RevealInstructionSize, len(data))
	}
	if data[0] != TagReveal {
		return fmt.Errorf("expected reveal tag %d, got %d", TagReveal, data[0])
	}
	return nil
}

// ConsumeInstruction is the decoded consume instruction:
// tag(1) ∥ expected_miner_authority(32) ∥ expected_batch_hash(32).
// The caller identity check (only the withdrawal program may consume) is
// enforced by the executing runtime, not by the payload.
type ConsumeInstruction struct {
	ExpectedMiner Hash32
	ExpectedBatch Hash32
}

// Encode serializes the consume instruction.
func (ix *ConsumeInstruction) Encode() []byte {
	buf := make([]byte, 0, ConsumeInstructionSize)
	buf = append(buf, TagConsume)
	buf = append(buf, ix.ExpectedMiner[:]...)
	buf = append(buf, ix.ExpectedBatch[:]...)
	return buf
}

// DecodeConsumeInstruction parses a consume instruction.
func DecodeConsumeInstruction(data []byte) (*ConsumeInstruction, error) {
	if len(data) != ConsumeInstructionSize {
		return nil, fmt.Errorf("consume instruction must be %d bytes, got %d", ConsumeInstructionSize, len(data))
	}
	if data[0] != TagConsume {
		return nil, fmt.Errorf("expected consume tag %d, got %d", TagConsume, data[0])
	}

	ix := &ConsumeInstruction{}
	copy(ix.ExpectedMiner[:], data[1:33])
	copy(ix.ExpectedBatch[:], data[33:65])
	return ix, nil
}
