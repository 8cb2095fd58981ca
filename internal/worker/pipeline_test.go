package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shieldpool/relay/internal/chain"
	"github.com/shieldpool/relay/internal/claims"
	"github.com/shieldpool/relay/internal/database/postgres"
	"github.com/shieldpool/relay/internal/messaging"
	"github.com/shieldpool/relay/internal/queue"
	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/internal/validation"
	"github.com/shieldpool/relay/pkg/log"
)

var (
	registryProgram   = registry.Hash32{0x01}
	withdrawalProgram = registry.Hash32{0x02}
	minerAuthority    = registry.Hash32{0x03}
	relayAuthority    = registry.Hash32{0x04}
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*postgres.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*postgres.Job)}
}

func (s *fakeStore) put(job *postgres.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *fakeStore) get(jobID string) postgres.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[jobID]
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*postgres.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, postgres.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) setStatus(jobID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return postgres.ErrJobNotFound
	}
	job.Status = status
	return nil
}

func (s *fakeStore) MarkProcessing(_ context.Context, jobID string) error {
	return s.setStatus(jobID, postgres.JobStatusProcessing)
}

func (s *fakeStore) MarkQueued(_ context.Context, jobID string) error {
	return s.setStatus(jobID, postgres.JobStatusQueued)
}

func (s *fakeStore) MarkSubmitted(_ context.Context, jobID, claimID, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return postgres.ErrJobNotFound
	}
	job.Status = postgres.JobStatusSubmitted
	job.ClaimID = claimID
	job.Signature = signature
	return nil
}

func (s *fakeStore) MarkConfirmed(_ context.Context, jobID string) error {
	return s.setStatus(jobID, postgres.JobStatusConfirmed)
}

func (s *fakeStore) MarkFailed(_ context.Context, jobID, errorType, message string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return postgres.ErrJobNotFound
	}
	if terminal {
		job.Status = postgres.JobStatusDeadLetter
	} else {
		job.Status = postgres.JobStatusFailed
	}
	job.ErrorType = errorType
	job.ErrorMessage = message
	return nil
}

func (s *fakeStore) RequeueForRetry(_ context.Context, jobID, errorType, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, postgres.ErrJobNotFound
	}
	job.Status = postgres.JobStatusQueued
	job.ErrorType = errorType
	job.ErrorMessage = message
	job.RetryCount++
	return job.RetryCount, nil
}

func (s *fakeStore) ListInFlight(_ context.Context, _ time.Duration) ([]*postgres.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*postgres.Job
	for _, job := range s.jobs {
		if job.Status == postgres.JobStatusSubmitted || job.Status == postgres.JobStatusProcessing {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeNullifiers struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeNullifiers) ReleaseForJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
	return nil
}

func (f *fakeNullifiers) releasedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (c *capturePublisher) Publish(_ context.Context, topic, _ string, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) published(topic string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for i, t := range c.topics {
		if t == topic {
			out = append(out, c.events[i])
		}
	}
	return out
}

type testHarness struct {
	node       *chain.SimNode
	store      *fakeStore
	nullifiers *fakeNullifiers
	jobQueue   *queue.MemoryQueue
	publisher  *capturePublisher
	pipeline   *Pipeline
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	params := registry.DefaultParams(registry.Hash32{0x05})
	params.CurrentDifficulty = new(big.Int).Set(params.MaxDifficulty)
	node := chain.NewSimNode(registryProgram, withdrawalProgram, params)
	node.AdvanceSlots(10)
	node.Fund(10_000_000)

	store := newFakeStore()
	nullifiers := &fakeNullifiers{}
	jobQueue := queue.NewMemoryQueue(time.Minute)
	publisher := &capturePublisher{}
	logger := log.New("relay-test", "dev", "error", "text")
	finder := claims.NewFinder(node, registryProgram, slog.New(slog.DiscardHandler))

	cfg := &Config{
		MaxRetries:        3,
		BackoffBase:       time.Second,
		BackoffMax:        time.Minute,
		ConfirmTimeout:    time.Second,
		ConfirmPollPeriod: time.Millisecond,
		WithdrawalProgram: withdrawalProgram,
		RelayAuthority:    relayAuthority,
	}
	pipeline := NewPipeline(cfg, store, nullifiers, jobQueue, node, finder, publisher,
		NopMetrics{}, logger)

	return &testHarness{
		node:       node,
		store:      store,
		nullifiers: nullifiers,
		jobQueue:   jobQueue,
		publisher:  publisher,
		pipeline:   pipeline,
	}
}

// mineRevealedClaim puts a usable claim on the sim node.
func (h *testHarness) mineRevealedClaim(t *testing.T, nonce byte) registry.Hash32 {
	t.Helper()
	ctx := context.Background()

	slot, _ := h.node.CurrentSlot(ctx)
	slotHash, ok, _ := h.node.SlotHash(ctx, slot)
	if !ok {
		t.Fatal("missing slot hash")
	}

	ix := &registry.MineInstruction{
		Slot:        slot,
		SlotHash:    slotHash,
		Nonce:       registry.Nonce{nonce},
		MaxConsumes: 4,
	}
	sig, err := h.node.SubmitTransaction(ctx, &chain.Transaction{
		Program: registryProgram,
		Signer:  minerAuthority,
		Data:    ix.Encode(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := h.node.SignatureStatus(ctx, sig); status.Failed() {
		t.Fatalf("mine failed: %s", status.Err)
	}

	claimID := registry.SolutionHash(slot, slotHash, minerAuthority, registry.Hash32{}, ix.Nonce)
	sig, err = h.node.SubmitTransaction(ctx, &chain.Transaction{
		Program: registryProgram,
		Signer:  minerAuthority,
		Account: claimID,
		Data:    registry.EncodeRevealInstruction(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := h.node.SignatureStatus(ctx, sig); status.Failed() {
		t.Fatalf("reveal failed: %s", status.Err)
	}
	return claimID
}

// seedJob stores a queued job whose transaction the sim node will accept.
func (h *testHarness) seedJob(t *testing.T, jobID string, nullifier registry.Hash32) *postgres.Job {
	t.Helper()

	root := registry.Hash32{0x11}
	h.node.AddRoot(root)

	outputs := []validation.Output{
		{Recipient: registry.Hash32{0x21}.String(), Amount: 992_500},
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		t.Fatal(err)
	}

	job := &postgres.Job{
		ID:          jobID,
		Status:      postgres.JobStatusQueued,
		Root:        root.String(),
		Nullifier:   nullifier.String(),
		Proof:       make([]byte, chain.ProofSize),
		OutputsJSON: outputsJSON,
		Amount:      1_000_000,
		Fee:         7_500,
	}
	h.store.put(job)
	return job
}

func (h *testHarness) dequeue(t *testing.T, jobID string) *queue.Message {
	t.Helper()
	if err := h.jobQueue.Enqueue(context.Background(), jobID, 0); err != nil {
		t.Fatal(err)
	}
	msg, err := h.jobQueue.Dequeue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.JobID != jobID {
		t.Fatalf("Expected to dequeue %s, got %+v", jobID, msg)
	}
	return msg
}

func TestExecute_ConfirmsWithdrawal(t *testing.T) {
	h := newHarness(t)
	h.mineRevealedClaim(t, 0x01)

	nullifier := registry.Hash32{0x31}
	h.seedJob(t, "job-1", nullifier)
	msg := h.dequeue(t, "job-1")

	h.pipeline.Execute(context.Background(), msg)

	job := h.store.get("job-1")
	if job.Status != postgres.JobStatusConfirmed {
		t.Fatalf("Expected confirmed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.Signature == "" || job.ClaimID == "" {
		t.Error("Confirmed job must record signature and claim id")
	}
	if !h.node.NullifierSpent(nullifier) {
		t.Error("Nullifier not marked spent on chain")
	}
	if h.node.PoolBalance() != 9_000_000 {
		t.Errorf("Pool balance = %d, want 9000000", h.node.PoolBalance())
	}

	events := h.publisher.published(messaging.TopicJobsCompleted)
	if len(events) != 1 {
		t.Fatalf("Expected 1 completed event, got %d", len(events))
	}
	completed := events[0].(*messaging.JobCompletedEvent)
	if completed.JobID != "job-1" || completed.Signature != job.Signature {
		t.Errorf("Unexpected completed event: %+v", completed)
	}

	// Message must be gone from the queue
	pending, leased, _ := h.jobQueue.Stats(context.Background())
	if pending != 0 || leased != 0 {
		t.Errorf("Queue not settled: pending=%d leased=%d", pending, leased)
	}
}

func TestExecute_NoClaimsRequeues(t *testing.T) {
	h := newHarness(t)
	h.seedJob(t, "job-1", registry.Hash32{0x31})
	msg := h.dequeue(t, "job-1")

	h.pipeline.Execute(context.Background(), msg)

	job := h.store.get("job-1")
	if job.Status != postgres.JobStatusQueued {
		t.Fatalf("Expected requeued, got %s", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", job.RetryCount)
	}
	if job.ErrorType != "claim_unavailable" {
		t.Errorf("ErrorType = %q, want claim_unavailable", job.ErrorType)
	}

	// Redelivery scheduled with backoff, not immediately visible
	if redelivered, _ := h.jobQueue.Dequeue(context.Background()); redelivered != nil {
		t.Fatal("Backoff delay not applied to redelivery")
	}
	h.jobQueue.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	redelivered, _ := h.jobQueue.Dequeue(context.Background())
	if redelivered == nil || redelivered.JobID != "job-1" {
		t.Fatalf("Expected redelivery after backoff, got %+v", redelivered)
	}
}

func TestExecute_FatalFailureSettlesJob(t *testing.T) {
	h := newHarness(t)
	h.mineRevealedClaim(t, 0x01)

	nullifier := registry.Hash32{0x31}
	job := h.seedJob(t, "job-1", nullifier)
	// Stale root: not in the node's recent set
	job.Root = registry.Hash32{0xee}.String()
	h.store.put(job)

	msg := h.dequeue(t, "job-1")
	h.pipeline.Execute(context.Background(), msg)

	got := h.store.get("job-1")
	if got.Status != postgres.JobStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if got.ErrorType != "chain_fatal" {
		t.Errorf("ErrorType = %q, want chain_fatal", got.ErrorType)
	}
	if released := h.nullifiers.releasedJobs(); len(released) != 1 || released[0] != "job-1" {
		t.Errorf("Nullifier reservation not released: %v", released)
	}
	if events := h.publisher.published(messaging.TopicJobsFailed); len(events) != 1 {
		t.Errorf("Expected 1 failed event, got %d", len(events))
	}
	pending, leased, _ := h.jobQueue.Stats(context.Background())
	if pending != 0 || leased != 0 {
		t.Errorf("Queue not settled: pending=%d leased=%d", pending, leased)
	}
}

func TestExecute_DeadLettersAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	// No claims: every attempt fails retryably
	job := h.seedJob(t, "job-1", registry.Hash32{0x31})
	job.RetryCount = 3 // already at MaxRetries
	h.store.put(job)

	msg := h.dequeue(t, "job-1")
	h.pipeline.Execute(context.Background(), msg)

	got := h.store.get("job-1")
	if got.Status != postgres.JobStatusDeadLetter {
		t.Fatalf("Expected dead_letter, got %s", got.Status)
	}
	if released := h.nullifiers.releasedJobs(); len(released) != 1 {
		t.Errorf("Nullifier reservation not released: %v", released)
	}

	events := h.publisher.published(messaging.TopicJobsDead)
	if len(events) != 1 {
		t.Fatalf("Expected 1 dead-letter event, got %d", len(events))
	}
	dead := events[0].(*messaging.JobDeadLetterEvent)
	if dead.ErrorType != "claim_unavailable" {
		t.Errorf("Dead-letter error type = %q", dead.ErrorType)
	}

	records := h.jobQueue.DeadLetters()
	if len(records) != 1 || records[0].JobID != "job-1" {
		t.Errorf("Queue dead-letter store = %+v", records)
	}
}

func TestExecute_TerminalJobAckedWithoutWork(t *testing.T) {
	h := newHarness(t)
	job := h.seedJob(t, "job-1", registry.Hash32{0x31})
	job.Status = postgres.JobStatusConfirmed
	h.store.put(job)

	msg := h.dequeue(t, "job-1")
	h.pipeline.Execute(context.Background(), msg)

	if got := h.store.get("job-1"); got.Status != postgres.JobStatusConfirmed {
		t.Errorf("Terminal job mutated: %s", got.Status)
	}
	pending, leased, _ := h.jobQueue.Stats(context.Background())
	if pending != 0 || leased != 0 {
		t.Errorf("Queue not settled: pending=%d leased=%d", pending, leased)
	}
	if len(h.publisher.published(messaging.TopicJobsCompleted)) != 0 {
		t.Error("No event expected for an already-settled job")
	}
}

func TestExecute_MissingRowDropped(t *testing.T) {
	h := newHarness(t)
	msg := h.dequeue(t, "ghost")

	h.pipeline.Execute(context.Background(), msg)

	pending, leased, _ := h.jobQueue.Stats(context.Background())
	if pending != 0 || leased != 0 {
		t.Errorf("Ghost message not dropped: pending=%d leased=%d", pending, leased)
	}
}

func TestResolveSubmitted_ConfirmedOnChain(t *testing.T) {
	h := newHarness(t)
	h.mineRevealedClaim(t, 0x01)

	nullifier := registry.Hash32{0x31}
	job := h.seedJob(t, "job-1", nullifier)

	// First run confirms the job
	msg := h.dequeue(t, "job-1")
	h.pipeline.Execute(context.Background(), msg)
	signature := h.store.get("job-1").Signature

	// Simulate a crash between submission and the confirmed update: the
	// row says submitted, the chain already confirmed the signature
	job = &postgres.Job{}
	*job = h.store.get("job-1")
	job.Status = postgres.JobStatusSubmitted
	h.store.put(job)

	msg = h.dequeue(t, "job-1")
	h.pipeline.Execute(context.Background(), msg)

	got := h.store.get("job-1")
	if got.Status != postgres.JobStatusConfirmed {
		t.Fatalf("Expected confirmed after resolution, got %s", got.Status)
	}
	if got.Signature != signature {
		t.Error("Resolution must not resubmit the transaction")
	}
	if h.node.PoolBalance() != 9_000_000 {
		t.Errorf("Pool debited twice: balance=%d", h.node.PoolBalance())
	}
}

func TestResolveSubmitted_UnknownSignatureRequeues(t *testing.T) {
	h := newHarness(t)
	job := h.seedJob(t, "job-1", registry.Hash32{0x31})
	job.Status = postgres.JobStatusSubmitted
	job.Signature = "never-reached-the-chain"
	h.store.put(job)

	msg := h.dequeue(t, "job-1")
	h.pipeline.Execute(context.Background(), msg)

	got := h.store.get("job-1")
	if got.Status != postgres.JobStatusQueued {
		t.Fatalf("Expected requeued, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("Lost submission must not burn a retry, RetryCount=%d", got.RetryCount)
	}
}

// slowConfirmClient accepts transactions but withholds signature outcomes
// until released, like a node lagging behind its confirmation tip.
type slowConfirmClient struct {
	chain.Client
	mu      sync.Mutex
	stalled bool
	submits int
}

func (c *slowConfirmClient) SubmitTransaction(ctx context.Context, tx *chain.Transaction) (string, error) {
	c.mu.Lock()
	c.submits++
	c.mu.Unlock()
	return c.Client.SubmitTransaction(ctx, tx)
}

func (c *slowConfirmClient) SignatureStatus(ctx context.Context, signature string) (*chain.SignatureStatus, error) {
	c.mu.Lock()
	stalled := c.stalled
	c.mu.Unlock()
	if stalled {
		return nil, nil
	}
	return c.Client.SignatureStatus(ctx, signature)
}

func (c *slowConfirmClient) release() {
	c.mu.Lock()
	c.stalled = false
	c.mu.Unlock()
}

func TestExecute_SlowConfirmationResolvesWithoutResubmit(t *testing.T) {
	h := newHarness(t)
	h.mineRevealedClaim(t, 0x01)

	nullifier := registry.Hash32{0x31}
	h.seedJob(t, "job-1", nullifier)

	slow := &slowConfirmClient{Client: h.node, stalled: true}
	cfg := *h.pipeline.cfg
	cfg.ConfirmTimeout = 0 // give up waiting after the first status poll
	logger := log.New("relay-test", "dev", "error", "text")
	finder := claims.NewFinder(h.node, registryProgram, slog.New(slog.DiscardHandler))
	pipeline := NewPipeline(&cfg, h.store, h.nullifiers, h.jobQueue, slow, finder,
		h.publisher, NopMetrics{}, logger)

	msg := h.dequeue(t, "job-1")
	pipeline.Execute(context.Background(), msg)

	// The first transaction is still in flight: the row stays submitted
	// with its signature and no retry is burned
	job := h.store.get("job-1")
	if job.Status != postgres.JobStatusSubmitted {
		t.Fatalf("Expected submitted, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.Signature == "" {
		t.Fatal("Submitted job must keep its signature")
	}
	if job.RetryCount != 0 {
		t.Errorf("Pending confirmation must not burn a retry, RetryCount=%d", job.RetryCount)
	}

	// Redelivery with the outcome now visible resolves by signature
	slow.release()
	h.jobQueue.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	redelivered, err := h.jobQueue.Dequeue(context.Background())
	if err != nil || redelivered == nil {
		t.Fatalf("Expected redelivery, got %+v (%v)", redelivered, err)
	}
	pipeline.Execute(context.Background(), redelivered)

	got := h.store.get("job-1")
	if got.Status != postgres.JobStatusConfirmed {
		t.Fatalf("Expected confirmed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.Signature != job.Signature {
		t.Error("Resolution must not resubmit the transaction")
	}
	if slow.submits != 1 {
		t.Errorf("SubmitTransaction calls = %d, want 1", slow.submits)
	}
	if h.node.PoolBalance() != 9_000_000 {
		t.Errorf("Pool debited twice: balance=%d", h.node.PoolBalance())
	}
	if released := h.nullifiers.releasedJobs(); len(released) != 0 {
		t.Errorf("Reservation released for a confirmed withdrawal: %v", released)
	}
}

func TestRecover_RequeuesInFlightJobs(t *testing.T) {
	h := newHarness(t)

	submitted := h.seedJob(t, "job-submitted", registry.Hash32{0x31})
	submitted.Status = postgres.JobStatusSubmitted
	submitted.Signature = "sig-1"
	h.store.put(submitted)

	processing := h.seedJob(t, "job-processing", registry.Hash32{0x32})
	processing.Status = postgres.JobStatusProcessing
	h.store.put(processing)

	settled := h.seedJob(t, "job-done", registry.Hash32{0x33})
	settled.Status = postgres.JobStatusConfirmed
	h.store.put(settled)

	logger := log.New("relay-test", "dev", "error", "text")
	if err := Recover(context.Background(), h.store, h.jobQueue, time.Minute, logger); err != nil {
		t.Fatal(err)
	}

	// Stuck processing job goes back to queued; submitted keeps its status
	// so the pipeline resolves it by signature
	if got := h.store.get("job-processing"); got.Status != postgres.JobStatusQueued {
		t.Errorf("Processing job status = %s, want queued", got.Status)
	}
	if got := h.store.get("job-submitted"); got.Status != postgres.JobStatusSubmitted {
		t.Errorf("Submitted job status = %s, want submitted", got.Status)
	}

	recovered := map[string]bool{}
	for {
		msg, err := h.jobQueue.Dequeue(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if msg == nil {
			break
		}
		recovered[msg.JobID] = true
	}
	if !recovered["job-submitted"] || !recovered["job-processing"] {
		t.Errorf("In-flight jobs not re-enqueued: %v", recovered)
	}
	if recovered["job-done"] {
		t.Error("Settled job must not be re-enqueued")
	}
}

func TestPool_ProcessesQueuedJobs(t *testing.T) {
	h := newHarness(t)
	h.mineRevealedClaim(t, 0x01)
	h.mineRevealedClaim(t, 0x02)

	h.seedJob(t, "job-1", registry.Hash32{0x31})
	h.seedJob(t, "job-2", registry.Hash32{0x32})
	for _, id := range []string{"job-1", "job-2"} {
		if err := h.jobQueue.Enqueue(context.Background(), id, 0); err != nil {
			t.Fatal(err)
		}
	}

	logger := log.New("relay-test", "dev", "error", "text")
	pool := NewPool(2, 5*time.Millisecond, h.jobQueue, h.pipeline, NopMetrics{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		j1 := h.store.get("job-1")
		j2 := h.store.get("job-2")
		if j1.Status == postgres.JobStatusConfirmed && j2.Status == postgres.JobStatusConfirmed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Jobs not confirmed in time: %s / %s", j1.Status, j2.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	pool.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pool did not stop after Shutdown")
	}
}
