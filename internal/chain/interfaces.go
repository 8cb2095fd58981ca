package chain

import (
	"context"

	"github.com/shieldpool/relay/internal/registry"
)

// Client is the chain access surface the relay depends on. RPCClient
// implements it against a JSON-RPC node; SimNode implements it in process.
type Client interface {
	// CurrentSlot returns the node's current slot at the configured
	// commitment level.
	CurrentSlot(ctx context.Context) (uint64, error)

	// SlotHash returns the hash for a slot inside the recent-slot window.
	// ok is false when the slot has aged out of the window.
	SlotHash(ctx context.Context, slot uint64) (registry.Hash32, bool, error)

	// ProgramAccounts lists accounts owned by a program, filtered to an
	// exact data size. A sizeFilter of 0 disables the filter.
	ProgramAccounts(ctx context.Context, program registry.Hash32, sizeFilter int) ([]AccountInfo, error)

	// Account reads a single account. Returns nil when it does not exist.
	Account(ctx context.Context, key registry.Hash32) (*AccountInfo, error)

	// SubmitTransaction sends a transaction and returns its signature.
	// Submission is not confirmation: callers must poll SignatureStatus.
	SubmitTransaction(ctx context.Context, tx *Transaction) (string, error)

	// SignatureStatus reports confirmation state for a signature. Returns
	// nil when the node has no record of it.
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)

	// HealthCheck verifies the node is reachable and synced.
	HealthCheck(ctx context.Context) error
}
