// Package registry implements the proof-of-work claim registry: the
// admission-control ledger that gates withdrawals. Claims are mined against
// a difficulty target, revealed within a window, and consumed by the
// authorized withdrawal program. All state moves through explicit transition
// functions; there are no ad-hoc writes.
package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// DomainTag is the 17-byte prefix bound into every mine preimage.
const DomainTag = "pow_claim_mine_v1"

// MinePreimageSize is the exact preimage length hashed by mine:
// tag(17) + slot(8) + slot_hash(32) + miner(32) + batch(32) + nonce(16).
const MinePreimageSize = 17 + 8 + 32 + 32 + 32 + 16

// ClaimAccountSize is the fixed wire size of an encoded claim account.
// The claim finder filters candidate accounts on this size before decoding.
const ClaimAccountSize = 32 + 32 + 32 + 16 + 32 + 8 + 8 + 8 + 2 + 2 + 8 + 1

// Hash32 is a 32-byte identity, hash or account key.
type Hash32 [32]byte

// IsZero reports whether the value is all zeroes. An all-zero batch hash is
// the wildcard: it matches any requested batch.
func (h Hash32) IsZero() bool {
	return h == Hash32{}
}

// String returns the hex encoding.
func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// Hash32FromHex parses a 32-byte hex string.
func Hash32FromHex(s string) (Hash32, error) {
	var h Hash32
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// Nonce is the 16-byte mining nonce.
type Nonce [16]byte

// ClaimStatus is the stored claim lifecycle state. Expiry is not a stored
// status: it is derived from the slot at use time.
type ClaimStatus uint8

const (
	// ClaimMined - solution accepted, not yet usable
	ClaimMined ClaimStatus = iota
	// ClaimRevealed - usable for consumption until expiry
	ClaimRevealed
	// ClaimConsumed - capacity fully used
	ClaimConsumed
)

// String returns string representation of the status
func (s ClaimStatus) String() string {
	switch s {
	case ClaimMined:
		return "mined"
	case ClaimRevealed:
		return "revealed"
	case ClaimConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Claim is a proof-of-work ticket authorizing withdrawals.
type Claim struct {
	Authority      Hash32
	BatchHash      Hash32
	SlotHash       Hash32
	Nonce          Nonce
	ProofHash      Hash32
	// Slot is the preimage slot the solution binds to; MinedAtSlot is the
	// slot the mine transaction executed in. They can differ.
	Slot           uint64
	MinedAtSlot    uint64
	RevealedAtSlot uint64
	ConsumedCount  uint16
	MaxConsumes    uint16
	ExpiresAtSlot  uint64
	Status         ClaimStatus
}

// ID returns the claim's account key: the BLAKE3 solution hash that mined it.
func (c *Claim) ID(minerID Hash32) Hash32 {
	return SolutionHash(c.Slot, c.SlotHash, minerID, c.BatchHash, c.Nonce)
}

// Usable reports whether the claim can authorize a consumption at slot.
func (c *Claim) Usable(slot uint64) bool {
	return c.Status == ClaimRevealed &&
		slot <= c.ExpiresAtSlot &&
		c.ConsumedCount < c.MaxConsumes
}

// MatchesBatch reports whether the claim covers the requested batch:
// exact match, or wildcard (all-zero stored batch hash).
func (c *Claim) MatchesBatch(requested Hash32) bool {
	return c.BatchHash.IsZero() || c.BatchHash == requested
}

// Encode serializes the claim to its fixed account layout (little-endian).
func (c *Claim) Encode() []byte {
	buf := make([]byte, 0, ClaimAccountSize)
	buf = append(buf, c.Authority[:]...)
	buf = append(buf, c.BatchHash[:]...)
	buf = append(buf, c.SlotHash[:]...)
	buf = append(buf, c.Nonce[:]...)
	buf = append(buf, c.ProofHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, c.Slot)
	buf = binary.LittleEndian.AppendUint64(buf, c.MinedAtSlot)
	buf = binary.LittleEndian.AppendUint64(buf, c.RevealedAtSlot)
	buf = binary.LittleEndian.AppendUint16(buf, c.ConsumedCount)
	buf = binary.LittleEndian.AppendUint16(buf, c.MaxConsumes)
	buf = binary.LittleEndian.AppendUint64(buf, c.ExpiresAtSlot)
	buf = append(buf, byte(c.Status))
	return buf
}

// DecodeClaim parses a claim account from its fixed layout.
func DecodeClaim(data []byte) (*Claim, error) {
	if len(data) != ClaimAccountSize {
		return nil, fmt.Errorf("claim account must be %d bytes, got %d", ClaimAccountSize, len(data))
	}

	c := &Claim{}
	r := bytes.NewReader(data)
	readFull := func(dst []byte) {
		_, _ = r.Read(dst)
	}

	readFull(c.Authority[:])
	readFull(c.BatchHash[:])
	readFull(c.SlotHash[:])
	readFull(c.Nonce[:])
	readFull(c.ProofHash[:])

	var tail [37]byte
	readFull(tail[:])
	c.Slot = binary.LittleEndian.Uint64(tail[0:8])
	c.MinedAtSlot = binary.LittleEndian.Uint64(tail[8:16])
	c.RevealedAtSlot = binary.LittleEndian.Uint64(tail[16:24])
	c.ConsumedCount = binary.LittleEndian.Uint16(tail[24:26])
	c.MaxConsumes = binary.LittleEndian.Uint16(tail[26:28])
	c.ExpiresAtSlot = binary.LittleEndian.Uint64(tail[28:36])

	status := ClaimStatus(tail[36])
	if status > ClaimConsumed {
		return nil, fmt.Errorf("unknown claim status byte %d", tail[36])
	}
	c.Status = status

	return c, nil
}

// Miner is a registered mining authority and its lifetime counters.
type Miner struct {
	Authority        Hash32
	TotalMined       uint64
	TotalConsumed    uint64
	RegisteredAtSlot uint64
}

// Params is the registry's single versioned parameter record. It is mutated
// only by mine (counters) and retarget, under a version check.
type Params struct {
	Admin                 Hash32
	CurrentDifficulty     *big.Int // 256-bit target; smaller = harder
	MinDifficulty         *big.Int
	MaxDifficulty         *big.Int
	TargetIntervalSlots   uint64 // desired slots per solution
	RetargetIntervalSlots uint64
	RevealWindow          uint64
	ClaimWindow           uint64
	MaxK                  uint16 // upper bound for a claim's max_consumes
	SolutionsObserved     uint64
	LastRetargetSlot      uint64
	Version               uint64
}

// ParamsAccountSize is the fixed serialized size of the params record.
const ParamsAccountSize = 32*4 + 8*7 + 2

// Encode serializes the params record to its fixed account layout.
// Difficulty targets are stored as 32-byte little-endian integers, matching
// the solution-hash interpretation.
func (p *Params) Encode() []byte {
	buf := make([]byte, 0, ParamsAccountSize)
	buf = append(buf, p.Admin[:]...)
	buf = appendUint256LE(buf, p.CurrentDifficulty)
	buf = appendUint256LE(buf, p.MinDifficulty)
	buf = appendUint256LE(buf, p.MaxDifficulty)
	buf = binary.LittleEndian.AppendUint64(buf, p.TargetIntervalSlots)
	buf = binary.LittleEndian.AppendUint64(buf, p.RetargetIntervalSlots)
	buf = binary.LittleEndian.AppendUint64(buf, p.RevealWindow)
	buf = binary.LittleEndian.AppendUint64(buf, p.ClaimWindow)
	buf = binary.LittleEndian.AppendUint16(buf, p.MaxK)
	buf = binary.LittleEndian.AppendUint64(buf, p.SolutionsObserved)
	buf = binary.LittleEndian.AppendUint64(buf, p.LastRetargetSlot)
	buf = binary.LittleEndian.AppendUint64(buf, p.Version)
	return buf
}

// DecodeParams parses a params account from its fixed layout.
func DecodeParams(data []byte) (*Params, error) {
	if len(data) != ParamsAccountSize {
		return nil, fmt.Errorf("params account must be %d bytes, got %d", ParamsAccountSize, len(data))
	}

	p := &Params{}
	copy(p.Admin[:], data[0:32])
	p.CurrentDifficulty = readUint256LE(data[32:64])
	p.MinDifficulty = readUint256LE(data[64:96])
	p.MaxDifficulty = readUint256LE(data[96:128])
	p.TargetIntervalSlots = binary.LittleEndian.Uint64(data[128:136])
	p.RetargetIntervalSlots = binary.LittleEndian.Uint64(data[136:144])
	p.RevealWindow = binary.LittleEndian.Uint64(data[144:152])
	p.ClaimWindow = binary.LittleEndian.Uint64(data[152:160])
	p.MaxK = binary.LittleEndian.Uint16(data[160:162])
	p.SolutionsObserved = binary.LittleEndian.Uint64(data[162:170])
	p.LastRetargetSlot = binary.LittleEndian.Uint64(data[170:178])
	p.Version = binary.LittleEndian.Uint64(data[178:186])
	return p, nil
}

func appendUint256LE(buf []byte, v *big.Int) []byte {
	var be [32]byte
	v.FillBytes(be[:])
	for i := 31; i >= 0; i-- {
		buf = append(buf, be[i])
	}
	return buf
}

func readUint256LE(data []byte) *big.Int {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = data[31-i]
	}
	return new(big.Int).SetBytes(be[:])
}

// Clone returns a deep copy of the params record.
func (p *Params) Clone() *Params {
	cp := *p
	cp.CurrentDifficulty = new(big.Int).Set(p.CurrentDifficulty)
	cp.MinDifficulty = new(big.Int).Set(p.MinDifficulty)
	cp.MaxDifficulty = new(big.Int).Set(p.MaxDifficulty)
	return &cp
}
