package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-rollout/internal/models"
)

// MemStore is an in-memory Store with the same semantics as the Postgres
// implementation: single-active-job enforcement, once-only finalization, and
// checkpoint recompute from the child job set. It backs tests and local
// development without a database.
type MemStore struct {
	mu         sync.Mutex
	operations map[string]models.Operation
	jobs       map[string]models.DeviceUpdateJob
	idemKeys   map[string]string
	claimed    map[string]bool
	audits     []models.AuditLog
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		operations: make(map[string]models.Operation),
		jobs:       make(map[string]models.DeviceUpdateJob),
		idemKeys:   make(map[string]string),
		claimed:    make(map[string]bool),
	}
}

func (m *MemStore) CreateOperation(_ context.Context, p CreateOperationParams) (models.Operation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Kind == "" {
		p.Kind = "bulk_firmware_update"
	}
	if p.Strategy == "" {
		p.Strategy = models.StrategyImmediate
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}

	if p.IdempotencyKey != "" {
		if id, ok := m.idemKeys[scopedKey(p.Tenant, p.IdempotencyKey)]; ok {
			return m.operations[id], true, nil
		}
	}

	now := time.Now().UTC()
	op := models.Operation{
		ID:                uuid.New().String(),
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
	}
	m.operations[op.ID] = op
	if p.IdempotencyKey != "" {
		m.idemKeys[scopedKey(p.Tenant, p.IdempotencyKey)] = op.ID
	}
	return op, false, nil
}

func (m *MemStore) GetOperation(_ context.Context, tenant, id string) (models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok || op.Tenant != tenant {
		return models.Operation{}, ErrNotFound
	}
	return op, nil
}

func (m *MemStore) GetOperationAnyTenant(_ context.Context, id string) (models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return models.Operation{}, ErrNotFound
	}
	return op, nil
}

func (m *MemStore) ListOperations(_ context.Context, tenant, groupID, status string) ([]models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Operation
	for _, op := range m.operations {
		if op.Tenant != tenant {
			continue
		}
		if groupID != "" && op.GroupID != groupID {
			continue
		}
		if status != "" && op.Status != status {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) MarkOperationRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok || op.Status != models.OpQueued {
		return nil
	}
	now := time.Now().UTC()
	op.Status = models.OpRunning
	op.StartedAt = &now
	op.UpdatedAt = now
	m.operations[id] = op
	return nil
}

func (m *MemStore) FinalizeOperation(_ context.Context, id, status string, errMsg *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return false, ErrNotFound
	}
	if op.Status != models.OpQueued && op.Status != models.OpRunning {
		return false, nil
	}
	now := time.Now().UTC()
	op.Status = status
	op.ErrorMessage = errMsg
	op.CompletedAt = &now
	op.UpdatedAt = now
	m.operations[id] = op
	return true, nil
}

func (m *MemStore) CreateJob(_ context.Context, p CreateJobParams) (models.DeviceUpdateJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.DeviceID == p.DeviceID && j.FirmwareVersionID == p.FirmwareVersionID && !models.TerminalJobState(j.State) {
			return models.DeviceUpdateJob{}, ErrActiveJobExists
		}
	}

	now := time.Now().UTC()
	job := models.DeviceUpdateJob{
		ID:                uuid.New().String(),
		OperationID:       p.OperationID,
		Tenant:            p.Tenant,
		DeviceID:          p.DeviceID,
		FirmwareVersionID: p.FirmwareVersionID,
		State:             models.JobQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (models.DeviceUpdateJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.DeviceUpdateJob{}, ErrNotFound
	}
	return job, nil
}

func (m *MemStore) UpdateJob(_ context.Context, job models.DeviceUpdateJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemStore) CancelJobIfQueued(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != models.JobQueued {
		return false, nil
	}
	job.State = models.JobCancelled
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return true, nil
}

func (m *MemStore) CancelPendingJobs(_ context.Context, opID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, job := range m.jobs {
		if job.OperationID == opID && job.State == models.JobQueued {
			job.State = models.JobCancelled
			job.UpdatedAt = time.Now().UTC()
			m.jobs[id] = job
			// The batch is accounted as skipped in one AddSkipped by the
			// caller, so per-job rollup must never see these again.
			m.claimed[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemStore) ClaimJobRollup(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || !models.TerminalJobState(job.State) || m.claimed[id] {
		return false, nil
	}
	m.claimed[id] = true
	return true, nil
}

func (m *MemStore) UncountedTerminalJobs(_ context.Context, staleAfter time.Duration, limit int) ([]models.DeviceUpdateJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	var out []models.DeviceUpdateJob
	for id, job := range m.jobs {
		if models.TerminalJobState(job.State) && !m.claimed[id] && job.UpdatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) IncCompleted(ctx context.Context, opID string) (Counters, error) {
	return m.inc(opID, func(op *models.Operation) { op.DevicesCompleted++ })
}

func (m *MemStore) IncFailed(ctx context.Context, opID string) (Counters, error) {
	return m.inc(opID, func(op *models.Operation) { op.DevicesFailed++ })
}

func (m *MemStore) IncSkipped(ctx context.Context, opID string) (Counters, error) {
	return m.inc(opID, func(op *models.Operation) { op.DevicesSkipped++ })
}

func (m *MemStore) AddSkipped(_ context.Context, opID string, n int) (Counters, error) {
	return m.inc(opID, func(op *models.Operation) { op.DevicesSkipped += n })
}

func (m *MemStore) inc(opID string, mutate func(*models.Operation)) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[opID]
	if !ok {
		return Counters{}, ErrNotFound
	}
	mutate(&op)
	op.UpdatedAt = time.Now().UTC()
	m.operations[opID] = op
	return Counters{
		Total:     op.DevicesTotal,
		Completed: op.DevicesCompleted,
		Failed:    op.DevicesFailed,
		Skipped:   op.DevicesSkipped,
	}, nil
}

func (m *MemStore) Checkpoint(_ context.Context, opID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[opID]
	if !ok {
		return ErrNotFound
	}
	completed, failed := 0, 0
	for _, job := range m.jobs {
		if job.OperationID != opID {
			continue
		}
		switch job.State {
		case models.JobCompleted:
			completed++
		case models.JobFailed, models.JobRolledBack:
			failed++
		}
	}
	op.DevicesCompleted = completed
	op.DevicesFailed = failed
	op.ProgressPercent = models.Progress(completed, op.DevicesTotal)
	op.UpdatedAt = time.Now().UTC()
	m.operations[opID] = op
	return nil
}

func (m *MemStore) OperationSnapshot(ctx context.Context, tenant, id string) (models.Operation, []models.DeviceUpdateJob, error) {
	op, err := m.GetOperation(ctx, tenant, id)
	if err != nil {
		return models.Operation{}, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.DeviceUpdateJob
	for _, job := range m.jobs {
		if job.OperationID == id {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return op, jobs, nil
}

func (m *MemStore) ResumableJobs(_ context.Context, staleAfter time.Duration, limit int) ([]models.DeviceUpdateJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	var out []models.DeviceUpdateJob
	for _, job := range m.jobs {
		if !models.TerminalJobState(job.State) && job.UpdatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) AppendAudit(_ context.Context, subjectID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditLog{
		SubjectID: subjectID,
		Event:     event,
		Detail:    detail,
		Recorded:  time.Now().UTC(),
	})
	return nil
}

// Audits returns a copy of the recorded audit trail.
func (m *MemStore) Audits() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditLog, len(m.audits))
	copy(out, m.audits)
	return out
}
