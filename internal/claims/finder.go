// Package claims locates usable proof-of-work claims on chain. The finder
// is read-only: actually consuming a claim happens inside the withdrawal
// transaction, so any claim found here can still be lost to a concurrent
// consumer.
package claims

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shieldpool/relay/internal/chain"
	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/pkg/errors"
)

// Match is a claim selected to fund a withdrawal.
type Match struct {
	ClaimID registry.Hash32
	Claim   *registry.Claim
}

// Supply is a snapshot of the claim population seen during a scan.
type Supply struct {
	Total  int
	Usable int
}

// Finder scans the registry program's accounts for usable claims.
type Finder struct {
	client          chain.Client
	registryProgram registry.Hash32
	logger          *slog.Logger
}

// NewFinder creates a claim finder.
func NewFinder(client chain.Client, registryProgram registry.Hash32, logger *slog.Logger) *Finder {
	return &Finder{
		client:          client,
		registryProgram: registryProgram,
		logger:          logger,
	}
}

// Find returns a usable claim matching the requested batch, preferring
// exact batch matches over wildcards and earlier expiry over later, so
// claims about to die are drained first. Returns a claim_unavailable error
// when nothing matches; claim supply is replenished by miners, so callers
// treat that as retryable.
func (f *Finder) Find(ctx context.Context, requestedBatch registry.Hash32) (*Match, *Supply, error) {
	slot, err := f.client.CurrentSlot(ctx)
	if err != nil {
		return nil, nil, err
	}

	accounts, err := f.client.ProgramAccounts(ctx, f.registryProgram, registry.ClaimAccountSize)
	if err != nil {
		return nil, nil, err
	}

	supply := &Supply{}
	var candidates []Match
	for _, account := range accounts {
		claim, err := registry.DecodeClaim(account.Data)
		if err != nil {
			// Size matched but the payload didn't: not a claim account
			f.logger.Debug("skipping undecodable account", "key", account.Key.String(), "error", err)
			continue
		}
		supply.Total++

		if !claim.Usable(slot) || !claim.MatchesBatch(requestedBatch) {
			continue
		}
		supply.Usable++
		candidates = append(candidates, Match{ClaimID: account.Key, Claim: claim})
	}

	if len(candidates) == 0 {
		return nil, supply, errors.New(errors.ErrorTypeClaimUnavailable, "find_claim",
			"no usable claim matches the requested batch").
			WithContext("requested_batch", requestedBatch.String()).
			WithContext("claims_scanned", supply.Total).
			WithContext("current_slot", slot)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aExact := !a.Claim.BatchHash.IsZero()
		bExact := !b.Claim.BatchHash.IsZero()
		if aExact != bExact {
			return aExact
		}
		if a.Claim.ExpiresAtSlot != b.Claim.ExpiresAtSlot {
			return a.Claim.ExpiresAtSlot < b.Claim.ExpiresAtSlot
		}
		return a.ClaimID.String() < b.ClaimID.String()
	})

	match := candidates[0]
	f.logger.Debug("claim selected",
		"claim_id", match.ClaimID.String(),
		"expires_at_slot", match.Claim.ExpiresAtSlot,
		"remaining", match.Claim.MaxConsumes-match.Claim.ConsumedCount,
		"usable", supply.Usable)

	return &match, supply, nil
}
