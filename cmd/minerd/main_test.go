package main

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shieldpool/relay/internal/chain"
	"github.com/shieldpool/relay/internal/config"
	"github.com/shieldpool/relay/internal/messaging"
	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/pkg/log"
)

var (
	registryProgram   = registry.Hash32{0x01}
	withdrawalProgram = registry.Hash32{0x02}
	minerAuthority    = registry.Hash32{0x03}
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*messaging.ClaimEvent
}

func (c *capturePublisher) Publish(_ context.Context, _, _ string, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if claimEvent, ok := event.(*messaging.ClaimEvent); ok {
		c.events = append(c.events, claimEvent)
	}
	return nil
}

func (c *capturePublisher) claimEvents() []*messaging.ClaimEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*messaging.ClaimEvent(nil), c.events...)
}

func newTestMiner(t *testing.T, node *chain.SimNode) (*Miner, *capturePublisher) {
	t.Helper()
	cfg := &config.Config{
		ServiceName:     "minerd-test",
		Version:         "test",
		LogLevel:        "error",
		LogFormat:       "text",
		PollInterval:    time.Millisecond,
		RequestTimeout:  time.Second,
		MineBudget:      1000,
		MinerMaxConsume: 4,
	}
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	publisher := &capturePublisher{}
	miner := NewMiner(cfg, node, publisher, nil, logger,
		registryProgram, minerAuthority, registry.Hash32{})
	return miner, publisher
}

func TestMineSlot_MinesAndReveals(t *testing.T) {
	params := registry.DefaultParams(registry.Hash32{0x04})
	// Every nonce passes at the maximum target
	params.CurrentDifficulty = new(big.Int).Set(params.MaxDifficulty)
	node := chain.NewSimNode(registryProgram, withdrawalProgram, params)
	slot := node.AdvanceSlots(5)

	miner, publisher := newTestMiner(t, node)
	if err := miner.mineSlot(context.Background(), slot); err != nil {
		t.Fatalf("mineSlot failed: %v", err)
	}

	accounts, err := node.ProgramAccounts(context.Background(), registryProgram, registry.ClaimAccountSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("Expected 1 claim account, got %d", len(accounts))
	}
	claim, err := registry.DecodeClaim(accounts[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if claim.Status != registry.ClaimRevealed {
		t.Errorf("Claim status = %s, want revealed", claim.Status)
	}
	if claim.Authority != minerAuthority {
		t.Errorf("Claim authority = %s", claim.Authority)
	}
	if claim.MaxConsumes != 4 {
		t.Errorf("Claim max consumes = %d, want 4", claim.MaxConsumes)
	}

	events := publisher.claimEvents()
	if len(events) != 2 {
		t.Fatalf("Expected mined+revealed events, got %d", len(events))
	}
	if events[0].Event != "mined" || events[1].Event != "revealed" {
		t.Errorf("Event order: %s, %s", events[0].Event, events[1].Event)
	}
	if events[0].ClaimID != claim.ID(minerAuthority).String() {
		t.Errorf("Event claim id mismatch")
	}
}

func TestMineSlot_NoSolutionWithinBudget(t *testing.T) {
	params := registry.DefaultParams(registry.Hash32{0x04})
	// A target of 1 only admits the all-zero hash
	params.CurrentDifficulty = big.NewInt(1)
	node := chain.NewSimNode(registryProgram, withdrawalProgram, params)
	slot := node.AdvanceSlots(5)

	miner, publisher := newTestMiner(t, node)
	miner.cfg.MineBudget = 50

	if err := miner.mineSlot(context.Background(), slot); err != nil {
		t.Fatalf("mineSlot failed: %v", err)
	}

	accounts, _ := node.ProgramAccounts(context.Background(), registryProgram, registry.ClaimAccountSize)
	if len(accounts) != 0 {
		t.Errorf("Expected no claims, got %d", len(accounts))
	}
	if len(publisher.claimEvents()) != 0 {
		t.Error("No events expected without a solution")
	}
}

func TestReadParams(t *testing.T) {
	params := registry.DefaultParams(registry.Hash32{0x04})
	node := chain.NewSimNode(registryProgram, withdrawalProgram, params)

	miner, _ := newTestMiner(t, node)
	got, err := miner.readParams(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentDifficulty.Cmp(params.CurrentDifficulty) != 0 {
		t.Error("Difficulty did not survive the account roundtrip")
	}
	if got.MaxK != params.MaxK || got.RevealWindow != params.RevealWindow {
		t.Errorf("Params mismatch: %+v", got)
	}
}

func TestSearchNonce_Deterministic(t *testing.T) {
	slotHash := registry.Hash32{0x10}
	target := new(big.Int).Lsh(big.NewInt(1), 255) // half the hash space

	nonce, found := searchNonce(7, slotHash, minerAuthority, registry.Hash32{}, target, 1000)
	if !found {
		t.Fatal("Expected a solution against a half-space target")
	}
	hash := registry.SolutionHash(7, slotHash, minerAuthority, registry.Hash32{}, nonce)
	if !registry.MeetsTarget(hash, target) {
		t.Error("Returned nonce does not meet the target")
	}

	if _, found := searchNonce(7, slotHash, minerAuthority, registry.Hash32{}, big.NewInt(1), 10); found {
		t.Error("Target of 1 must not be met within 10 nonces")
	}
}
