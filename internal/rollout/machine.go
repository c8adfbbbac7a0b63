package rollout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fleet-rollout/internal/activity"
	"fleet-rollout/internal/config"
	"fleet-rollout/internal/directory"
	"fleet-rollout/internal/gateway"
	"fleet-rollout/internal/models"
	"fleet-rollout/internal/registry"
	"fleet-rollout/internal/telemetry"
)

// JobStore is the slice of persistence the state machine needs.
type JobStore interface {
	UpdateJob(ctx context.Context, job models.DeviceUpdateJob) error
	AppendAudit(ctx context.Context, subjectID, event, detail string) error
}

// Machine drives a single device's OTA lifecycle. Each Step advances exactly
// one transition and persists the result, so a job orphaned mid-lifecycle
// resumes from its stored state with the current step's guard re-evaluated.
type Machine struct {
	store    JobStore
	gw       gateway.CommandGateway
	dir      directory.DeviceDirectory
	reg      registry.FirmwareRegistry
	policies config.PolicySet

	// LivenessWindow is how recently a device must have reported in to be
	// considered ready. Zero means the 5 minute default.
	LivenessWindow time.Duration

	// ExtendLease, when set, is called before the long verification poll so
	// the worker's queue lease outlives the poll budget.
	ExtendLease func(ctx context.Context, jobID string, d time.Duration)
}

// NewMachine wires the state machine's collaborators.
func NewMachine(store JobStore, gw gateway.CommandGateway, dir directory.DeviceDirectory, reg registry.FirmwareRegistry, policies config.PolicySet) *Machine {
	return &Machine{
		store:    store,
		gw:       gw,
		dir:      dir,
		reg:      reg,
		policies: policies,
	}
}

// Run steps the job until it reaches a terminal state or the context ends.
func (m *Machine) Run(ctx context.Context, job models.DeviceUpdateJob) (models.DeviceUpdateJob, error) {
	for !models.TerminalJobState(job.State) {
		if err := ctx.Err(); err != nil {
			return job, err
		}
		next, err := m.Step(ctx, job)
		if err != nil {
			return job, err
		}
		job = next
	}
	return job, nil
}

// Step advances the job by one transition. It returns the updated job; the
// error is non-nil only for infrastructure failures (persistence, context),
// never for device-level outcomes, which land in the job's state and last_error.
func (m *Machine) Step(ctx context.Context, job models.DeviceUpdateJob) (models.DeviceUpdateJob, error) {
	switch job.State {
	case models.JobQueued:
		now := time.Now().UTC()
		job.State = models.JobPreparing
		job.StartedAt = &now
		return job, m.persist(ctx, job, "preparing")

	case models.JobPreparing:
		return m.stepPrepare(ctx, job)

	case models.JobDownloading:
		return m.stepDownload(ctx, job)

	case models.JobApplying:
		job.State = models.JobVerifying
		return job, m.persist(ctx, job, "verifying")

	case models.JobVerifying:
		return m.stepVerify(ctx, job)

	default:
		return job, fmt.Errorf("job %s in unexpected state %s", job.ID, job.State)
	}
}

// stepPrepare checks device readiness. Stale liveness or a missing device is a
// guard failure, terminal without rollback; only lookup errors are retried.
func (m *Machine) stepPrepare(ctx context.Context, job models.DeviceUpdateJob) (models.DeviceUpdateJob, error) {
	window := m.LivenessWindow
	if window == 0 {
		window = 5 * time.Minute
	}

	var dev models.Device
	missing := false
	err := m.run(ctx, &job, activity.CheckDeviceReady, m.policies.CheckDeviceReady, func(ctx context.Context) error {
		d, err := m.dir.GetDevice(ctx, job.Tenant, job.DeviceID)
		if errors.Is(err, directory.ErrDeviceNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		dev = d
		return nil
	})
	if err != nil {
		return m.fail(ctx, job, models.ReasonDeviceNotReady, err, false)
	}
	if missing {
		return m.fail(ctx, job, models.ReasonDeviceNotReady, errors.New("device not in directory"), false)
	}
	if since := time.Since(dev.LastSeenAt); since > window {
		return m.fail(ctx, job, models.ReasonDeviceNotReady,
			fmt.Errorf("device last seen %s ago, window is %s", since.Round(time.Second), window), false)
	}

	job.State = models.JobDownloading
	return job, m.persist(ctx, job, "device ready")
}

// stepDownload resolves the firmware artifact and pushes the update command.
func (m *Machine) stepDownload(ctx context.Context, job models.DeviceUpdateJob) (models.DeviceUpdateJob, error) {
	err := m.run(ctx, &job, activity.SendUpdateCommand, m.policies.SendUpdateCommand, func(ctx context.Context) error {
		fw, err := m.reg.GetFirmware(ctx, job.FirmwareVersionID)
		if err != nil {
			return err
		}
		ack, err := m.gw.Send(ctx, job.DeviceID, job.Tenant, gateway.CommandFirmwareUpdate, gateway.UpdatePayload{
			JobID:             job.ID,
			FirmwareVersionID: fw.VersionID,
			URL:               fw.URL,
			Hash:              fw.Hash,
			SizeBytes:         fw.SizeBytes,
			TimeoutSeconds:    int(verifyBudget(m.policies.VerifyApplied).Seconds()),
		})
		if err != nil {
			return err
		}
		if !ack.Accepted {
			return fmt.Errorf("gateway rejected update: %s", ack.Reason)
		}
		return nil
	})
	if err != nil {
		return m.fail(ctx, job, models.ReasonDownloadFailed, err, true)
	}

	job.State = models.JobApplying
	return job, m.persist(ctx, job, "update command accepted")
}

// stepVerify long-polls the directory until the device reports the target
// firmware. Exhaustion rolls the device back and fails the job.
func (m *Machine) stepVerify(ctx context.Context, job models.DeviceUpdateJob) (models.DeviceUpdateJob, error) {
	if m.ExtendLease != nil {
		m.ExtendLease(ctx, job.ID, verifyBudget(m.policies.VerifyApplied)+time.Minute)
	}

	err := m.run(ctx, &job, activity.VerifyApplied, m.policies.VerifyApplied, func(ctx context.Context) error {
		dev, err := m.dir.GetDevice(ctx, job.Tenant, job.DeviceID)
		if err != nil {
			return err
		}
		if dev.FirmwareVersion != job.FirmwareVersionID {
			return fmt.Errorf("device reports firmware %q, want %q", dev.FirmwareVersion, job.FirmwareVersionID)
		}
		return nil
	})
	if err != nil {
		return m.fail(ctx, job, models.ReasonVerificationFailed, err, true)
	}

	if err := m.dir.RecordFirmwareApplied(ctx, job.Tenant, job.DeviceID, job.FirmwareVersionID); err != nil {
		log.Printf("job %s: record firmware applied: %v", job.ID, err)
	}
	now := time.Now().UTC()
	job.State = models.JobCompleted
	job.CompletedAt = &now
	job.LastError = nil
	return job, m.persist(ctx, job, "firmware verified")
}

// fail drives the job to its terminal failed state, optionally sending a
// best-effort rollback first. Rollback's own outcome never changes the
// terminal classification.
func (m *Machine) fail(ctx context.Context, job models.DeviceUpdateJob, reason string, cause error, rollback bool) (models.DeviceUpdateJob, error) {
	if ctx.Err() != nil {
		return job, ctx.Err()
	}

	if rollback {
		job.State = models.JobRolledBack
		job.RolledBack = true
		if err := m.persist(ctx, job, "rolling back"); err != nil {
			return job, err
		}
		rbErr := m.run(ctx, &job, activity.InitiateRollback, m.policies.InitiateRollback, func(ctx context.Context) error {
			ack, err := m.gw.Send(ctx, job.DeviceID, job.Tenant, gateway.CommandFirmwareRollback, gateway.RollbackPayload{
				JobID:             job.ID,
				FirmwareVersionID: job.FirmwareVersionID,
			})
			if err != nil {
				return err
			}
			if !ack.Accepted {
				return fmt.Errorf("gateway rejected rollback: %s", ack.Reason)
			}
			return nil
		})
		if rbErr != nil {
			log.Printf("job %s: rollback failed: %v", job.ID, rbErr)
		} else {
			telemetry.RollbacksSent.Inc()
		}
	}

	now := time.Now().UTC()
	msg := fmt.Sprintf("%s: %v", reason, cause)
	job.State = models.JobFailed
	job.LastError = &msg
	job.CompletedAt = &now
	return job, m.persist(ctx, job, msg)
}

// run executes one activity under its policy, folding its attempt count into
// the job record.
func (m *Machine) run(ctx context.Context, job *models.DeviceUpdateJob, name string, spec config.RetrySpec, fn activity.Func) error {
	exec := activity.Executor{Report: func(_ string, attempts int) {
		job.Attempts += attempts
	}}
	return exec.Run(ctx, name, activity.PolicyFromSpec(spec), fn)
}

func (m *Machine) persist(ctx context.Context, job models.DeviceUpdateJob, detail string) error {
	if err := m.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	_ = m.store.AppendAudit(ctx, job.ID, job.State, detail)
	return nil
}

// verifyBudget approximates the verify policy's total wall-clock budget.
func verifyBudget(spec config.RetrySpec) time.Duration {
	coef := spec.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	total := time.Duration(0)
	interval := spec.InitialInterval
	for i := 0; i < spec.MaxAttempts; i++ {
		total += spec.PerAttemptTimeout
		if i < spec.MaxAttempts-1 {
			total += interval
			interval = time.Duration(float64(interval) * coef)
			if spec.MaxInterval > 0 && interval > spec.MaxInterval {
				interval = spec.MaxInterval
			}
		}
	}
	return total
}
