package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fleet-rollout/internal/campaign"
	"fleet-rollout/internal/config"
	"fleet-rollout/internal/gateway"
	"fleet-rollout/internal/models"
	"fleet-rollout/internal/queue"
	"fleet-rollout/internal/registry"
	"fleet-rollout/internal/rollout"
	"fleet-rollout/internal/store"
)

type fleetDirectory struct {
	mu       sync.Mutex
	firmware map[string]string // deviceID -> reported firmware
}

func (d *fleetDirectory) GetDevice(_ context.Context, tenant, deviceID string) (models.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.Device{
		ID:              deviceID,
		Tenant:          tenant,
		LastSeenAt:      time.Now(),
		FirmwareVersion: d.firmware[deviceID],
	}, nil
}

func (d *fleetDirectory) RecordFirmwareApplied(context.Context, string, string, string) error {
	return nil
}

// obedientGateway acks every command and has the device report the new
// firmware as soon as the update lands.
type obedientGateway struct {
	dir *fleetDirectory
}

func (g *obedientGateway) Send(_ context.Context, deviceID, _ string, commandType string, payload any) (gateway.Ack, error) {
	if commandType == gateway.CommandFirmwareUpdate {
		up := payload.(gateway.UpdatePayload)
		g.dir.mu.Lock()
		g.dir.firmware[deviceID] = up.FirmwareVersionID
		g.dir.mu.Unlock()
	}
	return gateway.Ack{Accepted: true}, nil
}

type harness struct {
	cfg   config.Config
	queue *queue.RedisQueue
	store *store.MemStore
	coord *campaign.Coordinator
	proc  *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Config{
		VisibilityTimeout:  time.Minute,
		WorkerPollInterval: 5 * time.Millisecond,
		WorkerConcurrency:  4,
		ScheduledBatchSize: 100,
	}
	spec := config.RetrySpec{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 1.5,
		MaxInterval:        5 * time.Millisecond,
		MaxAttempts:        3,
	}
	cfg.Policies = config.PolicySet{
		CheckDeviceReady:  spec,
		SendUpdateCommand: spec,
		VerifyApplied:     spec,
		InitiateRollback:  config.RetrySpec{InitialInterval: time.Millisecond, BackoffCoefficient: 1, MaxAttempts: 1},
	}

	q := queue.NewWithClient(client, cfg.VisibilityTimeout)
	st := store.NewMemStore()
	reg := registry.NewStaticRegistry(models.Firmware{VersionID: "fw-5.0.0", URL: "https://example.com/fw-5.0.0.bin"})
	dir := &fleetDirectory{firmware: make(map[string]string)}
	machine := rollout.NewMachine(st, &obedientGateway{dir: dir}, dir, reg, cfg.Policies)
	coord := campaign.New(st, q, reg, dir)
	coord.CheckpointEvery = 1

	return &harness{
		cfg:   cfg,
		queue: q,
		store: st,
		coord: coord,
		proc:  NewProcessor(cfg, q, st, machine, coord),
	}
}

func (h *harness) startCampaign(t *testing.T, deviceIDs ...string) models.Operation {
	t.Helper()
	op, _, err := h.coord.StartCampaign(context.Background(), campaign.StartParams{
		Tenant:            "acme",
		FirmwareVersionID: "fw-5.0.0",
		DeviceIDs:         deviceIDs,
	})
	if err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	return op
}

func TestHandleCompletesJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	op := h.startCampaign(t, "dev-1")
	jobID, err := h.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		t.Fatalf("DequeueWithLease: id=%q err=%v", jobID, err)
	}

	h.proc.handle(ctx, jobID)

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != models.JobCompleted {
		t.Fatalf("expected completed, got %s (last_error=%v)", job.State, job.LastError)
	}
	got, err := h.store.GetOperation(ctx, "acme", op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != models.OpCompleted {
		t.Errorf("expected operation completed, got %s", got.Status)
	}
	if got.DevicesCompleted != 1 || got.ProgressPercent != 100 {
		t.Errorf("completed=%d progress=%d", got.DevicesCompleted, got.ProgressPercent)
	}

	// The lease is released; nothing is left to reclaim.
	expired, _ := h.queue.RequeueExpired(ctx, time.Now().Add(2*h.cfg.VisibilityTimeout), 10)
	if len(expired) != 0 {
		t.Errorf("expected lease acked, got reclaim %v", expired)
	}
}

func TestHandleCancelsQueuedJobUnderHaltedOperation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	op := h.startCampaign(t, "dev-1")
	jobID, err := h.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		t.Fatalf("DequeueWithLease: id=%q err=%v", jobID, err)
	}

	// The operation halts while the job is leased but not yet started.
	if _, err := h.store.FinalizeOperation(ctx, op.ID, models.OpCancelled, nil); err != nil {
		t.Fatalf("FinalizeOperation: %v", err)
	}

	h.proc.handle(ctx, jobID)

	job, _ := h.store.GetJob(ctx, jobID)
	if job.State != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.State)
	}
	got, _ := h.store.GetOperation(ctx, "acme", op.ID)
	if got.DevicesSkipped != 1 {
		t.Errorf("expected 1 skipped, got %d", got.DevicesSkipped)
	}

	// A duplicate delivery of the same job must not double count.
	h.proc.handle(ctx, jobID)
	got, _ = h.store.GetOperation(ctx, "acme", op.ID)
	if got.DevicesSkipped != 1 {
		t.Errorf("duplicate delivery double-counted: skipped=%d", got.DevicesSkipped)
	}
}

func TestReconcileReenqueuesStrandedJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.cfg.VisibilityTimeout = time.Millisecond

	h.startCampaign(t, "dev-1")
	jobID, err := h.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		t.Fatalf("DequeueWithLease: id=%q err=%v", jobID, err)
	}
	// Simulate a worker death after the lease was lost from Redis entirely.
	if err := h.queue.Ack(ctx, jobID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	h.proc.reconcile(ctx)

	depth, err := h.queue.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ReadyDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected stranded job re-enqueued, depth=%d", depth)
	}
}

func TestHandleRollsUpRedeliveredTerminalJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	op := h.startCampaign(t, "dev-1")
	jobID, err := h.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		t.Fatalf("DequeueWithLease: id=%q err=%v", jobID, err)
	}

	// The worker persisted the terminal state and then died before reporting
	// it, so the operation counters never saw the outcome.
	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	job.State = models.JobCompleted
	if err := h.store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	// The lease expires and the job is redelivered.
	h.proc.handle(ctx, jobID)

	got, err := h.store.GetOperation(ctx, "acme", op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != models.OpCompleted {
		t.Fatalf("redelivered terminal outcome never rolled up, status=%s", got.Status)
	}
	if got.DevicesCompleted != 1 {
		t.Errorf("expected 1 completed, got %d", got.DevicesCompleted)
	}

	// While a second redelivery stays a no-op.
	h.proc.handle(ctx, jobID)
	got, _ = h.store.GetOperation(ctx, "acme", op.ID)
	if got.DevicesCompleted != 1 {
		t.Errorf("duplicate redelivery double-counted: completed=%d", got.DevicesCompleted)
	}
}

func TestReconcileRollsUpLostTerminalOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.cfg.VisibilityTimeout = time.Millisecond

	op := h.startCampaign(t, "dev-1")
	jobID, err := h.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		t.Fatalf("DequeueWithLease: id=%q err=%v", jobID, err)
	}
	// The terminal state was persisted, but both the rollup and the lease were
	// lost, so no redelivery will ever carry the outcome.
	job, _ := h.store.GetJob(ctx, jobID)
	job.State = models.JobCompleted
	if err := h.store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := h.queue.Ack(ctx, jobID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	h.proc.reconcile(ctx)

	got, err := h.store.GetOperation(ctx, "acme", op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.Status != models.OpCompleted {
		t.Fatalf("lost terminal outcome never rolled up, status=%s", got.Status)
	}
	if got.DevicesCompleted != 1 {
		t.Errorf("expected 1 completed, got %d", got.DevicesCompleted)
	}
}

func TestReconcileLeavesScheduledJobsAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.proc.cfg.VisibilityTimeout = time.Millisecond

	startAt := time.Now().Add(time.Hour)
	if _, _, err := h.coord.StartCampaign(ctx, campaign.StartParams{
		Tenant:            "acme",
		FirmwareVersionID: "fw-5.0.0",
		DeviceIDs:         []string{"dev-1", "dev-2"},
		Strategy:          models.StrategyScheduled,
		StartAt:           &startAt,
	}); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	// The jobs are older than the staleness window but still sitting in the
	// scheduled set waiting out their dispatch time.
	time.Sleep(10 * time.Millisecond)
	h.proc.reconcile(ctx)

	depth, err := h.queue.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ReadyDepth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("scheduled jobs re-enqueued early, ready depth=%d", depth)
	}
}

func TestRunDrainsCampaign(t *testing.T) {
	h := newHarness(t)
	op := h.startCampaign(t, "dev-1", "dev-2", "dev-3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.proc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.store.GetOperation(context.Background(), "acme", op.ID)
		if err != nil {
			t.Fatalf("GetOperation: %v", err)
		}
		if got.Status == models.OpCompleted {
			if got.DevicesCompleted != 3 {
				t.Fatalf("completed=%d, want 3", got.DevicesCompleted)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("campaign never completed")
}
