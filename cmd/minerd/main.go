// Package main implements minerd, the claim miner daemon. It searches
// nonces against the registry's current difficulty, submits winning
// solutions as mine transactions and reveals them once mined, keeping the
// relay supplied with usable claims.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shieldpool/relay/internal/chain"
	"github.com/shieldpool/relay/internal/config"
	"github.com/shieldpool/relay/internal/database/influx"
	"github.com/shieldpool/relay/internal/messaging"
	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"mine_budget", cfg.MineBudget,
	)

	registryProgram, err := registry.Hash32FromHex(cfg.RegistryProgramID)
	if err != nil {
		logger.WithError(err).Error("REGISTRY_PROGRAM_ID is required")
		os.Exit(1)
	}
	authority, err := registry.Hash32FromHex(cfg.MinerAuthority)
	if err != nil {
		logger.WithError(err).Error("MINER_AUTHORITY is required")
		os.Exit(1)
	}
	var batchHash registry.Hash32
	if cfg.MinerBatchHash != "" {
		batchHash, err = registry.Hash32FromHex(cfg.MinerBatchHash)
		if err != nil {
			logger.WithError(err).Error("MINER_BATCH_HASH must be 32 bytes of hex")
			os.Exit(1)
		}
	}

	// Create Kafka client
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close kafka client")
		}
	}()

	influxClient, err := influx.NewClient(&influx.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect influxdb")
		os.Exit(1)
	}
	defer influxClient.Close()

	commitment, err := chain.ParseCommitment(cfg.CommitmentLevel)
	if err != nil {
		logger.WithError(err).Error("invalid commitment level")
		os.Exit(1)
	}
	chainClient := chain.NewRPCClient(cfg.ChainRPCURL, commitment)

	miner := NewMiner(cfg, chainClient, kafkaClient, influxClient, logger,
		registryProgram, authority, batchHash)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := miner.Start(ctx); err != nil {
			logger.WithError(err).Error("miner failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	miner.Shutdown()
	logger.Info("minerd stopped")
}

// difficultyMetrics is the influx surface the miner emits to.
type difficultyMetrics interface {
	WriteDifficulty(difficultyBits float64, solutionsObserved int64)
}

type nopMetrics struct{}

func (nopMetrics) WriteDifficulty(float64, int64) {}

// Miner searches for and manages proof-of-work claims.
type Miner struct {
	cfg     *config.Config
	client  chain.Client
	kafka   messaging.Publisher
	metrics difficultyMetrics
	logger  *log.Logger

	registryProgram registry.Hash32
	authority       registry.Hash32
	batchHash       registry.Hash32

	done chan struct{}
}

// NewMiner creates a miner for the given authority.
func NewMiner(cfg *config.Config, client chain.Client, kafka messaging.Publisher,
	metrics difficultyMetrics, logger *log.Logger,
	registryProgram, authority, batchHash registry.Hash32) *Miner {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Miner{
		cfg:             cfg,
		client:          client,
		kafka:           kafka,
		metrics:         metrics,
		logger:          logger.WithComponent("miner"),
		registryProgram: registryProgram,
		authority:       authority,
		batchHash:       batchHash,
		done:            make(chan struct{}),
	}
}

// Start mines until the context is cancelled or Shutdown is called. Each
// new slot gets one nonce-search pass bounded by the mine budget.
func (m *Miner) Start(ctx context.Context) error {
	var lastSlot uint64

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
		}

		slot, err := m.client.CurrentSlot(ctx)
		if err != nil {
			m.logger.WithError(err).Error("failed to read current slot")
			continue
		}
		if slot == lastSlot {
			continue
		}
		lastSlot = slot

		if err := m.mineSlot(ctx, slot); err != nil {
			m.logger.WithError(err).WithSlot(slot).Error("mining pass failed")
		}
	}
}

// Shutdown stops the mining loop.
func (m *Miner) Shutdown() {
	close(m.done)
}

// mineSlot runs one nonce search against the slot's hash and the current
// difficulty, submitting and revealing on success.
func (m *Miner) mineSlot(ctx context.Context, slot uint64) error {
	params, err := m.readParams(ctx)
	if err != nil {
		return err
	}
	m.metrics.WriteDifficulty(float64(params.CurrentDifficulty.BitLen()),
		int64(params.SolutionsObserved))

	slotHash, ok, err := m.client.SlotHash(ctx, slot)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("slot %d hash not available", slot)
	}

	started := time.Now()
	nonce, found := searchNonce(slot, slotHash, m.authority, m.batchHash,
		params.CurrentDifficulty, m.cfg.MineBudget)
	m.logger.LogDuration("nonce_search", time.Since(started).Nanoseconds())
	if !found {
		return nil
	}

	claimID := registry.SolutionHash(slot, slotHash, m.authority, m.batchHash, nonce)
	logger := m.logger.WithClaim(claimID.String(), m.authority.String()).WithSlot(slot)

	maxConsumes := m.cfg.MinerMaxConsume
	if maxConsumes == 0 || maxConsumes > params.MaxK {
		maxConsumes = 1
	}

	mineIx := &registry.MineInstruction{
		Slot:        slot,
		SlotHash:    slotHash,
		BatchHash:   m.batchHash,
		Nonce:       nonce,
		MaxConsumes: maxConsumes,
	}
	if err := m.submit(ctx, &chain.Transaction{
		Program: m.registryProgram,
		Signer:  m.authority,
		Data:    mineIx.Encode(),
	}); err != nil {
		return fmt.Errorf("mine submission failed: %w", err)
	}
	logger.Info("claim mined", "max_consumes", maxConsumes)
	m.publishClaimEvent(ctx, claimID, "mined", slot, maxConsumes)

	if err := m.submit(ctx, &chain.Transaction{
		Program: m.registryProgram,
		Signer:  m.authority,
		Account: claimID,
		Data:    registry.EncodeRevealInstruction(),
	}); err != nil {
		return fmt.Errorf("reveal submission failed: %w", err)
	}
	logger.Info("claim revealed")
	m.publishClaimEvent(ctx, claimID, "revealed", slot, maxConsumes)

	return nil
}

// readParams fetches the registry's params record from its program account.
func (m *Miner) readParams(ctx context.Context) (*registry.Params, error) {
	account, err := m.client.Account(ctx, m.registryProgram)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("registry params account not found")
	}
	return registry.DecodeParams(account.Data)
}

// submit sends a transaction and waits for its synchronous status.
func (m *Miner) submit(ctx context.Context, tx *chain.Transaction) error {
	signature, err := m.client.SubmitTransaction(ctx, tx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(m.cfg.RequestTimeout)
	for {
		status, err := m.client.SignatureStatus(ctx, signature)
		if err != nil {
			return err
		}
		if status != nil && status.Failed() {
			return fmt.Errorf("transaction rejected: %s", status.Err)
		}
		if status != nil && status.Confirmed {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("transaction %s not confirmed in time", signature)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func (m *Miner) publishClaimEvent(ctx context.Context, claimID registry.Hash32, event string, slot uint64, maxConsumes uint16) {
	claimEvent := &messaging.ClaimEvent{
		ClaimID:     claimID.String(),
		Authority:   m.authority.String(),
		Event:       event,
		Slot:        slot,
		MaxConsumes: maxConsumes,
		OccurredAt:  time.Now().UTC(),
	}
	if !m.batchHash.IsZero() {
		claimEvent.BatchHash = m.batchHash.String()
	}
	if err := m.kafka.Publish(ctx, messaging.TopicClaimEvents, claimEvent.ClaimID, claimEvent); err != nil {
		m.logger.WithError(err).Error("failed to publish claim event")
	}
}

// searchNonce scans up to budget nonces for a solution hash below the
// target. The nonce space is seeded randomly so concurrent miners with the
// same authority do not collide.
func searchNonce(slot uint64, slotHash, miner, batch registry.Hash32, target *big.Int, budget uint64) (registry.Nonce, bool) {
	var nonce registry.Nonce
	if _, err := rand.Read(nonce[:8]); err != nil {
		// Fall back to a slot-derived seed
		binary.LittleEndian.PutUint64(nonce[:8], slot)
	}

	for i := uint64(0); i < budget; i++ {
		binary.LittleEndian.PutUint64(nonce[8:], i)
		hash := registry.SolutionHash(slot, slotHash, miner, batch, nonce)
		if registry.MeetsTarget(hash, target) {
			return nonce, true
		}
	}
	return registry.Nonce{}, false
}
