package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-rollout/internal/models"
)

var (
	// ErrNotFound covers missing rows and cross-tenant lookups alike.
	ErrNotFound = errors.New("not found")
	// ErrActiveJobExists is returned when a device already has a live job for
	// the same firmware version.
	ErrActiveJobExists = errors.New("active job already exists for device and firmware version")
)

const pgUniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence of operations and jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateOperationParams collects inputs required to insert an operation.
type CreateOperationParams struct {
	Tenant            string
	GroupID           string
	Kind              string
	FirmwareVersionID string
	Strategy          string
	RollbackThreshold float64
	DevicesTotal      int
	Metadata          map[string]string
	IdempotencyKey    string
	IdempotencyTTL    time.Duration
}

// CreateOperation inserts an operation row, honoring idempotency if provided.
// It returns the operation and whether an existing one was reused via idempotency.
func (s *Store) CreateOperation(ctx context.Context, p CreateOperationParams) (models.Operation, bool, error) {
	if p.Kind == "" {
		p.Kind = "bulk_firmware_update"
	}
	if p.Strategy == "" {
		p.Strategy = models.StrategyImmediate
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}

	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Operation{}, false, fmt.Errorf("marshal metadata: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindOperationByIdempotencyKey(ctx, p.Tenant, p.IdempotencyKey); err != nil {
			return models.Operation{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Operation{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO operations (id, tenant, group_id, kind, firmware_version_id, strategy, rollback_threshold, status, devices_total, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, id, p.Tenant, p.GroupID, p.Kind, p.FirmwareVersionID, p.Strategy, p.RollbackThreshold, models.OpQueued, p.DevicesTotal, metaJSON, now)
	if err != nil {
		return models.Operation{}, false, fmt.Errorf("insert operation: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, tenant, operation_id, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO NOTHING
		`, scopedKey(p.Tenant, p.IdempotencyKey), p.Tenant, id, expires)
		if err != nil {
			return models.Operation{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return the existing operation.
			if err := tx.Rollback(ctx); err != nil {
				return models.Operation{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindOperationByIdempotencyKey(ctx, p.Tenant, p.IdempotencyKey)
			if err != nil {
				return models.Operation{}, false, err
			}
			if !found {
				return models.Operation{}, false, errors.New("idempotency conflict but no existing operation found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Operation{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Operation{
		ID:                id,
		Tenant:            p.Tenant,
		GroupID:           p.GroupID,
		Kind:              p.Kind,
		FirmwareVersionID: p.FirmwareVersionID,
		Strategy:          p.Strategy,
		RollbackThreshold: p.RollbackThreshold,
		Status:            models.OpQueued,
		DevicesTotal:      p.DevicesTotal,
		Metadata:          p.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, false, nil
}

func scopedKey(tenant, key string) string {
	return tenant + ":" + key
}

// FindOperationByIdempotencyKey returns the operation mapped to the key if present and unexpired.
func (s *Store) FindOperationByIdempotencyKey(ctx context.Context, tenant, key string) (models.Operation, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT operation_id FROM idempotency_keys
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, scopedKey(tenant, key)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Operation{}, false, nil
	}
	if err != nil {
		return models.Operation{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	op, err := s.GetOperation(ctx, tenant, id)
	if err != nil {
		return models.Operation{}, false, err
	}
	return op, true, nil
}

const operationColumns = `id, tenant, group_id, kind, firmware_version_id, strategy, rollback_threshold, status,
	devices_total, devices_completed, devices_failed, devices_skipped, progress_percent,
	metadata, error_message, started_at, completed_at, created_at, updated_at`

// GetOperation fetches an operation scoped to a tenant. Cross-tenant access
// surfaces as ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, tenant, id string) (models.Operation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE id = $1 AND tenant = $2
	`, id, tenant)
	return scanOperation(row)
}

// GetOperationAnyTenant fetches an operation without tenant scoping, for
// internal rollup paths where the caller already holds a job row.
func (s *Store) GetOperationAnyTenant(ctx context.Context, id string) (models.Operation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE id = $1
	`, id)
	return scanOperation(row)
}

// ListOperations returns a tenant's operations, optionally filtered by group and status.
func (s *Store) ListOperations(ctx context.Context, tenant, groupID, status string) ([]models.Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE tenant = $1
		  AND ($2 = '' OR group_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
	`, tenant, groupID, status)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// MarkOperationRunning transitions a queued operation to running and stamps started_at.
func (s *Store) MarkOperationRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE operations SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.OpRunning, models.OpQueued)
	return err
}

// FinalizeOperation moves an operation to a terminal status exactly once.
// Later finalizations are no-ops, so a threshold halt is never overwritten by
// the completion of a straggling in-flight job.
func (s *Store) FinalizeOperation(ctx context.Context, id, status string, errMsg *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, status, errMsg, models.OpQueued, models.OpRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreateJobParams collects inputs required to insert a device update job.
type CreateJobParams struct {
	OperationID       string
	Tenant            string
	DeviceID          string
	FirmwareVersionID string
}

// CreateJob inserts a job in the queued state. A still-active job for the same
// (device, firmware version) pair trips the partial unique index and surfaces
// as ErrActiveJobExists.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.DeviceUpdateJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_update_jobs (id, operation_id, tenant, device_id, firmware_version_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, p.OperationID, p.Tenant, p.DeviceID, p.FirmwareVersionID, models.JobQueued, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.DeviceUpdateJob{}, ErrActiveJobExists
		}
		return models.DeviceUpdateJob{}, fmt.Errorf("insert job: %w", err)
	}
	return models.DeviceUpdateJob{
		ID:                id,
		OperationID:       p.OperationID,
		Tenant:            p.Tenant,
		DeviceID:          p.DeviceID,
		FirmwareVersionID: p.FirmwareVersionID,
		State:             models.JobQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

const jobColumns = `id, operation_id, tenant, device_id, firmware_version_id, state,
	attempts, rolled_back, last_error, created_at, started_at, completed_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.DeviceUpdateJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM device_update_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// UpdateJob persists the mutable portion of a job after a state-machine step.
func (s *Store) UpdateJob(ctx context.Context, job models.DeviceUpdateJob) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_update_jobs
		SET state = $2, attempts = $3, rolled_back = $4, last_error = $5,
		    started_at = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1
	`, job.ID, job.State, job.Attempts, job.RolledBack, job.LastError, job.StartedAt, job.CompletedAt)
	return err
}

// ClaimJobRollup marks a terminal job as counted, exactly once. The rollup of
// a job's outcome into its operation is gated on this claim, so duplicate
// queue deliveries never double-increment counters.
func (s *Store) ClaimJobRollup(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_update_jobs SET counted = TRUE, updated_at = NOW()
		WHERE id = $1 AND counted = FALSE
		  AND state IN ('completed', 'failed', 'rolled_back', 'cancelled')
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim rollup: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UncountedTerminalJobs lists terminal jobs whose rollup was lost, e.g. a
// worker that crashed between persisting the terminal state and reporting it.
func (s *Store) UncountedTerminalJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]models.DeviceUpdateJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM device_update_jobs
		WHERE counted = FALSE
		  AND state IN ('completed', 'failed', 'rolled_back', 'cancelled')
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at
		LIMIT $2
	`, staleAfter.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list uncounted terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.DeviceUpdateJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Counters is the operation's aggregate view returned from atomic increments.
type Counters struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
}

// Terminal is the number of devices that have reached any terminal outcome.
func (c Counters) Terminal() int { return c.Completed + c.Failed + c.Skipped }

// Done reports whether every device has a terminal outcome.
func (c Counters) Done() bool { return c.Terminal() >= c.Total }

// IncCompleted atomically bumps devices_completed and returns the fresh counters.
func (s *Store) IncCompleted(ctx context.Context, opID string) (Counters, error) {
	return s.incCounter(ctx, opID, "devices_completed")
}

// IncFailed atomically bumps devices_failed and returns the fresh counters.
func (s *Store) IncFailed(ctx context.Context, opID string) (Counters, error) {
	return s.incCounter(ctx, opID, "devices_failed")
}

// IncSkipped atomically bumps devices_skipped and returns the fresh counters.
func (s *Store) IncSkipped(ctx context.Context, opID string) (Counters, error) {
	return s.incCounter(ctx, opID, "devices_skipped")
}

// AddSkipped bumps devices_skipped by n in one statement.
func (s *Store) AddSkipped(ctx context.Context, opID string, n int) (Counters, error) {
	var c Counters
	err := s.pool.QueryRow(ctx, `
		UPDATE operations SET devices_skipped = devices_skipped + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING devices_total, devices_completed, devices_failed, devices_skipped
	`, opID, n).Scan(&c.Total, &c.Completed, &c.Failed, &c.Skipped)
	if err != nil {
		return Counters{}, fmt.Errorf("add skipped: %w", err)
	}
	return c, nil
}

func (s *Store) incCounter(ctx context.Context, opID, column string) (Counters, error) {
	var c Counters
	// column is one of three literals above, never caller input.
	err := s.pool.QueryRow(ctx, `
		UPDATE operations SET `+column+` = `+column+` + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING devices_total, devices_completed, devices_failed, devices_skipped
	`, opID).Scan(&c.Total, &c.Completed, &c.Failed, &c.Skipped)
	if err != nil {
		return Counters{}, fmt.Errorf("increment %s: %w", column, err)
	}
	return c, nil
}

// Checkpoint recomputes progress_percent and the completed/failed counters
// from the child job set, healing any counter drift. devices_skipped stays
// incremental: devices skipped at dispatch time have no job row to count.
func (s *Store) Checkpoint(ctx context.Context, opID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE operations o
		SET devices_completed = j.completed,
		    devices_failed    = j.failed,
		    progress_percent  = CASE WHEN o.devices_total = 0 THEN 0 ELSE
		        (100 * j.completed + o.devices_total / 2) / o.devices_total END,
		    updated_at = NOW()
		FROM (
			SELECT COUNT(*) FILTER (WHERE state = 'completed')                 AS completed,
			       COUNT(*) FILTER (WHERE state IN ('failed', 'rolled_back')) AS failed
			FROM device_update_jobs WHERE operation_id = $1
		) j
		WHERE o.id = $1
	`, opID)
	if err != nil {
		return fmt.Errorf("checkpoint operation: %w", err)
	}
	return nil
}

// OperationSnapshot fetches an operation and all child job summaries in a
// single round trip using a pgx batch.
func (s *Store) OperationSnapshot(ctx context.Context, tenant, id string) (models.Operation, []models.DeviceUpdateJob, error) {
	batch := &pgx.Batch{}
	batch.Queue(`SELECT `+operationColumns+` FROM operations WHERE id = $1 AND tenant = $2`, id, tenant)
	batch.Queue(`SELECT `+jobColumns+` FROM device_update_jobs WHERE operation_id = $1 ORDER BY created_at`, id)

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	op, err := scanOperation(br.QueryRow())
	if err != nil {
		return models.Operation{}, nil, err
	}

	rows, err := br.Query()
	if err != nil {
		return models.Operation{}, nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.DeviceUpdateJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return models.Operation{}, nil, err
		}
		jobs = append(jobs, job)
	}
	return op, jobs, rows.Err()
}

// CancelPendingJobs marks a campaign's not-yet-dispatched jobs cancelled and
// returns their ids so the dispatch queue can be purged.
func (s *Store) CancelPendingJobs(ctx context.Context, opID string) ([]string, error) {
	// Marked counted here: the caller accounts the whole batch as skipped in
	// one AddSkipped, so per-job rollup must never see these again.
	rows, err := s.pool.Query(ctx, `
		UPDATE device_update_jobs SET state = $2, counted = TRUE, updated_at = NOW()
		WHERE operation_id = $1 AND state = $3
		RETURNING id
	`, opID, models.JobCancelled, models.JobQueued)
	if err != nil {
		return nil, fmt.Errorf("cancel pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelJobIfQueued flips a single still-queued job to cancelled. The state
// guard makes the transition race-free against concurrent bulk cancellation,
// so each cancellation is counted exactly once.
func (s *Store) CancelJobIfQueued(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_update_jobs SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, models.JobCancelled, models.JobQueued)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResumableJobs lists non-terminal jobs that have not been touched within the
// staleness window, for the worker's restart reconciliation sweep.
func (s *Store) ResumableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]models.DeviceUpdateJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM device_update_jobs
		WHERE state NOT IN ('completed', 'failed', 'rolled_back', 'cancelled')
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at
		LIMIT $2
	`, staleAfter.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.DeviceUpdateJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, subjectID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (subject_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, subjectID, event, detail)
	return err
}

func scanOperation(row pgx.Row) (models.Operation, error) {
	var op models.Operation
	var metaJSON []byte
	var errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&op.ID, &op.Tenant, &op.GroupID, &op.Kind, &op.FirmwareVersionID, &op.Strategy, &op.RollbackThreshold, &op.Status,
		&op.DevicesTotal, &op.DevicesCompleted, &op.DevicesFailed, &op.DevicesSkipped, &op.ProgressPercent,
		&metaJSON, &errMsg, &startedAt, &completedAt, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Operation{}, ErrNotFound
	}
	if err != nil {
		return models.Operation{}, fmt.Errorf("scan operation: %w", err)
	}

	if err := json.Unmarshal(metaJSON, &op.Metadata); err != nil {
		return models.Operation{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	op.ErrorMessage = textPtr(errMsg)
	op.StartedAt = timePtr(startedAt)
	op.CompletedAt = timePtr(completedAt)
	return op, nil
}

func scanJob(row pgx.Row) (models.DeviceUpdateJob, error) {
	var job models.DeviceUpdateJob
	var lastErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.OperationID, &job.Tenant, &job.DeviceID, &job.FirmwareVersionID, &job.State,
		&job.Attempts, &job.RolledBack, &lastErr, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeviceUpdateJob{}, ErrNotFound
	}
	if err != nil {
		return models.DeviceUpdateJob{}, fmt.Errorf("scan job: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
