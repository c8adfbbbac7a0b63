package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fleet-rollout/internal/directory"
	"fleet-rollout/internal/models"
	"fleet-rollout/internal/registry"
	"fleet-rollout/internal/store"
	"fleet-rollout/internal/telemetry"
)

// ErrInvalidStrategy rejects unknown rollout strategies at the API boundary.
var ErrInvalidStrategy = errors.New("invalid rollout strategy")

// Store is the slice of persistence the coordinator needs.
type Store interface {
	CreateOperation(ctx context.Context, p store.CreateOperationParams) (models.Operation, bool, error)
	GetOperation(ctx context.Context, tenant, id string) (models.Operation, error)
	GetOperationAnyTenant(ctx context.Context, id string) (models.Operation, error)
	ListOperations(ctx context.Context, tenant, groupID, status string) ([]models.Operation, error)
	MarkOperationRunning(ctx context.Context, id string) error
	FinalizeOperation(ctx context.Context, id, status string, errMsg *string) (bool, error)
	OperationSnapshot(ctx context.Context, tenant, id string) (models.Operation, []models.DeviceUpdateJob, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.DeviceUpdateJob, error)
	CancelPendingJobs(ctx context.Context, opID string) ([]string, error)
	ClaimJobRollup(ctx context.Context, id string) (bool, error)
	IncCompleted(ctx context.Context, opID string) (store.Counters, error)
	IncFailed(ctx context.Context, opID string) (store.Counters, error)
	IncSkipped(ctx context.Context, opID string) (store.Counters, error)
	AddSkipped(ctx context.Context, opID string, n int) (store.Counters, error)
	Checkpoint(ctx context.Context, opID string) error
	AppendAudit(ctx context.Context, subjectID, event, detail string) error
}

// Queue is the dispatch side of the Redis queue.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	Purge(ctx context.Context, jobIDs []string) error
}

// Coordinator fans a firmware rollout out across a device group, tracks
// partial completion, and enforces rollout policy.
type Coordinator struct {
	store Store
	queue Queue
	reg   registry.FirmwareRegistry
	dir   directory.DeviceDirectory

	// CheckpointEvery bounds progress-write amplification: a checkpoint is
	// persisted at least every this many terminal jobs and always on the last.
	CheckpointEvery int
	// DevicesPerHour is the default staggered dispatch rate.
	DevicesPerHour int
	// IdempotencyTTL bounds how long a StartCampaign idempotency key lives.
	IdempotencyTTL time.Duration
}

// New wires a coordinator.
func New(st Store, q Queue, reg registry.FirmwareRegistry, dir directory.DeviceDirectory) *Coordinator {
	return &Coordinator{
		store:           st,
		queue:           q,
		reg:             reg,
		dir:             dir,
		CheckpointEvery: 10,
		DevicesPerHour:  120,
		IdempotencyTTL:  24 * time.Hour,
	}
}

// StartParams describes a campaign request.
type StartParams struct {
	Tenant            string
	GroupID           string
	FirmwareVersionID string
	DeviceIDs         []string
	Strategy          string
	StartAt           *time.Time
	DevicesPerHour    int
	RollbackThreshold float64
	IdempotencyKey    string
	Metadata          map[string]string
}

// StartCampaign creates the operation and its per-device jobs, then hands
// dispatch pacing to the queue. The returned operation reflects creation-time
// state; progress is read back via GetOperation. The boolean reports whether
// an existing operation was reused via the idempotency key.
func (c *Coordinator) StartCampaign(ctx context.Context, p StartParams) (models.Operation, bool, error) {
	strategy := p.Strategy
	if strategy == "" {
		strategy = models.StrategyImmediate
	}
	switch strategy {
	case models.StrategyImmediate, models.StrategyStaggered, models.StrategyScheduled:
	default:
		return models.Operation{}, false, fmt.Errorf("%w: %q", ErrInvalidStrategy, p.Strategy)
	}

	kind := "bulk_firmware_update"
	if len(p.DeviceIDs) == 1 {
		kind = "single_firmware_update"
	}

	op, reused, err := c.store.CreateOperation(ctx, store.CreateOperationParams{
		Tenant:            p.Tenant,
		GroupID:           p.GroupID,
		Kind:              kind,
		FirmwareVersionID: p.FirmwareVersionID,
		Strategy:          strategy,
		RollbackThreshold: p.RollbackThreshold,
		DevicesTotal:      len(p.DeviceIDs),
		Metadata:          p.Metadata,
		IdempotencyKey:    p.IdempotencyKey,
		IdempotencyTTL:    c.IdempotencyTTL,
	})
	if err != nil {
		return models.Operation{}, false, err
	}
	if reused {
		return op, true, nil
	}
	telemetry.CampaignsStarted.Inc()
	_ = c.store.AppendAudit(ctx, op.ID, "campaign_created",
		fmt.Sprintf("tenant=%s group=%s firmware=%s strategy=%s devices=%d", p.Tenant, p.GroupID, p.FirmwareVersionID, strategy, len(p.DeviceIDs)))

	if len(p.DeviceIDs) == 0 {
		op, err := c.failOperation(ctx, op, models.ReasonNoDevices)
		return op, false, err
	}

	if _, err := c.reg.GetFirmware(ctx, p.FirmwareVersionID); err != nil {
		if errors.Is(err, registry.ErrFirmwareNotFound) {
			op, err := c.failOperation(ctx, op, models.ReasonFirmwareNotFound)
			return op, false, err
		}
		return models.Operation{}, false, fmt.Errorf("resolve firmware: %w", err)
	}

	if err := c.store.MarkOperationRunning(ctx, op.ID); err != nil {
		return models.Operation{}, false, fmt.Errorf("mark running: %w", err)
	}
	op.Status = models.OpRunning

	skipped := 0
	for i, deviceID := range p.DeviceIDs {
		// Devices gone from the directory at dispatch time are skipped, never
		// fatal for the whole campaign.
		if _, err := c.dir.GetDevice(ctx, p.Tenant, deviceID); err != nil {
			if errors.Is(err, directory.ErrDeviceNotFound) {
				skipped++
				telemetry.DevicesSkipped.Inc()
				_ = c.store.AppendAudit(ctx, op.ID, "device_skipped", "device missing: "+deviceID)
				continue
			}
			return models.Operation{}, false, fmt.Errorf("lookup device %s: %w", deviceID, err)
		}

		job, err := c.store.CreateJob(ctx, store.CreateJobParams{
			OperationID:       op.ID,
			Tenant:            p.Tenant,
			DeviceID:          deviceID,
			FirmwareVersionID: p.FirmwareVersionID,
		})
		if errors.Is(err, store.ErrActiveJobExists) {
			skipped++
			telemetry.DevicesSkipped.Inc()
			_ = c.store.AppendAudit(ctx, op.ID, "device_skipped", "active job exists: "+deviceID)
			continue
		}
		if err != nil {
			return models.Operation{}, false, fmt.Errorf("create job for %s: %w", deviceID, err)
		}

		if err := c.queue.Enqueue(ctx, job.ID, c.dispatchTime(p, strategy, i)); err != nil {
			return models.Operation{}, false, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
	}

	if skipped > 0 {
		counters, err := c.store.AddSkipped(ctx, op.ID, skipped)
		if err != nil {
			return models.Operation{}, false, err
		}
		op.DevicesSkipped = counters.Skipped
		if counters.Done() {
			c.finalize(ctx, op.ID, models.OpCompleted, nil)
			op.Status = models.OpCompleted
		}
	}
	return op, false, nil
}

// dispatchTime computes a device's earliest dispatch time under the strategy.
// Scheduled shifts the whole campaign's start; staggered then spaces devices
// at the configured hourly rate.
func (c *Coordinator) dispatchTime(p StartParams, strategy string, index int) time.Time {
	base := time.Now()
	if strategy == models.StrategyScheduled && p.StartAt != nil {
		base = *p.StartAt
	}
	if strategy != models.StrategyStaggered {
		return base
	}
	perHour := p.DevicesPerHour
	if perHour <= 0 {
		perHour = c.DevicesPerHour
	}
	if perHour <= 0 {
		return base
	}
	gap := time.Hour / time.Duration(perHour)
	return base.Add(time.Duration(index) * gap)
}

func (c *Coordinator) failOperation(ctx context.Context, op models.Operation, reason string) (models.Operation, error) {
	c.finalize(ctx, op.ID, models.OpFailed, &reason)
	op.Status = models.OpFailed
	op.ErrorMessage = &reason
	return op, nil
}

// OnJobTerminal rolls one job's terminal outcome into its operation: atomic
// counter increment, bounded-amplification checkpointing, threshold
// evaluation, and finalization once every device is accounted for. The rollup
// is exactly-once: each job's outcome is claimed before counting, so queue
// redeliveries and reconcile passes over the same job are no-ops.
func (c *Coordinator) OnJobTerminal(ctx context.Context, job models.DeviceUpdateJob) error {
	if !models.TerminalJobState(job.State) {
		return fmt.Errorf("job %s reported non-terminal state %s", job.ID, job.State)
	}
	claimed, err := c.store.ClaimJobRollup(ctx, job.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	var counters store.Counters
	switch job.State {
	case models.JobCompleted:
		counters, err = c.store.IncCompleted(ctx, job.OperationID)
		telemetry.DevicesCompleted.Inc()
	case models.JobFailed, models.JobRolledBack:
		counters, err = c.store.IncFailed(ctx, job.OperationID)
		telemetry.DevicesFailed.Inc()
	case models.JobCancelled:
		counters, err = c.store.IncSkipped(ctx, job.OperationID)
		telemetry.DevicesSkipped.Inc()
	}
	if err != nil {
		return err
	}

	// Threshold evaluation is authoritative over dispatch pacing: a breach
	// halts dispatch immediately regardless of the staggered schedule.
	if (job.State == models.JobFailed || job.State == models.JobRolledBack) && !counters.Done() {
		op, err := c.store.GetOperationAnyTenant(ctx, job.OperationID)
		if err != nil {
			return err
		}
		if op.RollbackThreshold > 0 && op.Dispatching() {
			frac := float64(counters.Failed) / float64(counters.Total)
			if frac > op.RollbackThreshold {
				return c.haltForThreshold(ctx, op, counters)
			}
		}
	}

	every := c.CheckpointEvery
	if every <= 0 {
		every = 10
	}
	if counters.Done() || counters.Terminal()%every == 0 {
		if err := c.store.Checkpoint(ctx, job.OperationID); err != nil {
			return err
		}
	}
	if counters.Done() {
		c.finalize(ctx, job.OperationID, models.OpCompleted, nil)
	}
	return nil
}

// haltForThreshold stops dispatching new jobs and fails the operation.
// In-flight jobs run to completion; completed devices are never reverted.
func (c *Coordinator) haltForThreshold(ctx context.Context, op models.Operation, counters store.Counters) error {
	cancelled, err := c.store.CancelPendingJobs(ctx, op.ID)
	if err != nil {
		return err
	}
	if err := c.queue.Purge(ctx, cancelled); err != nil {
		log.Printf("operation %s: purge after threshold halt: %v", op.ID, err)
	}
	if len(cancelled) > 0 {
		if _, err := c.store.AddSkipped(ctx, op.ID, len(cancelled)); err != nil {
			return err
		}
	}
	if err := c.store.Checkpoint(ctx, op.ID); err != nil {
		return err
	}
	reason := models.ReasonThresholdExceeded
	c.finalize(ctx, op.ID, models.OpFailed, &reason)
	_ = c.store.AppendAudit(ctx, op.ID, "threshold_exceeded",
		fmt.Sprintf("failed=%d total=%d threshold=%.2f cancelled=%d", counters.Failed, counters.Total, op.RollbackThreshold, len(cancelled)))
	return nil
}

// Cancel stops new dispatch for an operation and marks it cancelled. In-flight
// jobs finish naturally; a device is never killed mid-flash.
func (c *Coordinator) Cancel(ctx context.Context, tenant, opID string) (models.Operation, error) {
	op, err := c.store.GetOperation(ctx, tenant, opID)
	if err != nil {
		return models.Operation{}, err
	}
	if !op.Dispatching() {
		return op, nil
	}

	cancelled, err := c.store.CancelPendingJobs(ctx, opID)
	if err != nil {
		return models.Operation{}, err
	}
	if err := c.queue.Purge(ctx, cancelled); err != nil {
		log.Printf("operation %s: purge on cancel: %v", opID, err)
	}
	if len(cancelled) > 0 {
		if _, err := c.store.AddSkipped(ctx, opID, len(cancelled)); err != nil {
			return models.Operation{}, err
		}
	}
	if err := c.store.Checkpoint(ctx, opID); err != nil {
		return models.Operation{}, err
	}
	c.finalize(ctx, opID, models.OpCancelled, nil)
	_ = c.store.AppendAudit(ctx, opID, "cancelled", fmt.Sprintf("pending jobs cancelled: %d", len(cancelled)))

	return c.store.GetOperation(ctx, tenant, opID)
}

// GetOperation returns a consistent snapshot of an operation and its jobs,
// tenant scoped.
func (c *Coordinator) GetOperation(ctx context.Context, tenant, opID string) (models.Operation, []models.DeviceUpdateJob, error) {
	return c.store.OperationSnapshot(ctx, tenant, opID)
}

// ListOperations returns a tenant's operations with optional group/status filters.
func (c *Coordinator) ListOperations(ctx context.Context, tenant, groupID, status string) ([]models.Operation, error) {
	return c.store.ListOperations(ctx, tenant, groupID, status)
}

// DispatchAllowed reports whether a dequeued job should still run. Workers
// check this at the step boundary before starting a job.
func (c *Coordinator) DispatchAllowed(ctx context.Context, opID string) (bool, error) {
	op, err := c.store.GetOperationAnyTenant(ctx, opID)
	if err != nil {
		return false, err
	}
	return op.Dispatching(), nil
}

func (c *Coordinator) finalize(ctx context.Context, opID, status string, errMsg *string) {
	changed, err := c.store.FinalizeOperation(ctx, opID, status, errMsg)
	if err != nil {
		log.Printf("operation %s: finalize %s: %v", opID, status, err)
		return
	}
	if changed {
		_ = c.store.AppendAudit(ctx, opID, status, "operation finalized")
	}
}
