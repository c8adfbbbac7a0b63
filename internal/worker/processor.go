package worker

import (
	"context"
	"log"
	"time"

	"fleet-rollout/internal/campaign"
	"fleet-rollout/internal/config"
	"fleet-rollout/internal/models"
	"fleet-rollout/internal/queue"
	"fleet-rollout/internal/rollout"
	"fleet-rollout/internal/telemetry"
)

// Store is the slice of persistence the worker loop needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.DeviceUpdateJob, error)
	CancelJobIfQueued(ctx context.Context, id string) (bool, error)
	ResumableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]models.DeviceUpdateJob, error)
	UncountedTerminalJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]models.DeviceUpdateJob, error)
	AppendAudit(ctx context.Context, subjectID, event, detail string) error
}

// Processor drives the rollout worker loop: it leases device update jobs from
// the dispatch queue, steps each through the OTA state machine, and reports
// terminal outcomes to the coordinator for rollup.
type Processor struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	store   Store
	machine *rollout.Machine
	coord   *campaign.Coordinator
	slots   chan struct{}
}

// NewProcessor wires the worker. The concurrency cap bounds in-flight jobs so
// the command gateway is never overwhelmed.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st Store, m *rollout.Machine, coord *campaign.Coordinator) *Processor {
	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	m.ExtendLease = func(ctx context.Context, jobID string, d time.Duration) {
		if err := q.ExtendLease(ctx, jobID, d); err != nil {
			log.Printf("job %s: extend lease: %v", jobID, err)
		}
	}
	return &Processor{
		cfg:     cfg,
		queue:   q,
		store:   st,
		machine: m,
		coord:   coord,
		slots:   make(chan struct{}, concurrency),
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		// Block for a slot before leasing so nothing sits leased but unserved.
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			<-p.slots
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		go func(id string) {
			defer func() { <-p.slots }()
			p.handle(ctx, id)
		}(jobID)
	}
}

func (p *Processor) handle(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("job %s: load: %v", jobID, err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if models.TerminalJobState(job.State) {
		// A redelivery after a crash between persisting the terminal state and
		// rolling it up. The rollup claim dedupes, so reporting again is safe.
		_ = p.queue.Ack(ctx, jobID)
		if err := p.coord.OnJobTerminal(ctx, job); err != nil {
			log.Printf("job %s: rollup: %v", jobID, err)
		}
		return
	}

	// Cooperative cancellation, checked at the step boundary: a job not yet
	// started under a halted operation is cancelled here; one already past
	// queued runs to its natural end.
	allowed, err := p.coord.DispatchAllowed(ctx, job.OperationID)
	if err != nil {
		log.Printf("job %s: dispatch check: %v", jobID, err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if !allowed && job.State == models.JobQueued {
		cancelled, err := p.store.CancelJobIfQueued(ctx, job.ID)
		_ = p.queue.Ack(ctx, jobID)
		if err != nil {
			log.Printf("job %s: cancel: %v", jobID, err)
			return
		}
		if cancelled {
			job.State = models.JobCancelled
			if err := p.coord.OnJobTerminal(ctx, job); err != nil {
				log.Printf("job %s: rollup: %v", jobID, err)
			}
		}
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	final, err := p.machine.Run(ctx, job)
	if err != nil {
		// Infrastructure failure: leave the lease to expire so the job is
		// requeued and resumes from its persisted state.
		log.Printf("job %s: run interrupted in %s: %v", job.ID, final.State, err)
		return
	}

	_ = p.queue.Ack(ctx, job.ID)
	if err := p.coord.OnJobTerminal(ctx, final); err != nil {
		log.Printf("job %s: rollup: %v", job.ID, err)
	}
}

// reconcile repairs jobs stranded by a Redis loss, once at startup: stale
// non-terminal jobs with no queue presence are re-enqueued, and stale terminal
// jobs whose outcome never reached the operation counters are rolled up.
func (p *Processor) reconcile(ctx context.Context) {
	stale := 2 * p.cfg.VisibilityTimeout
	if stale == 0 {
		stale = 4 * time.Minute
	}
	jobs, err := p.store.ResumableJobs(ctx, stale, 500)
	if err != nil {
		log.Printf("reconcile: %v", err)
		return
	}
	resumed := 0
	for _, job := range jobs {
		// Still tracked means the job is merely waiting, e.g. in the scheduled
		// set under a staggered rollout, or leased by another worker.
		tracked, err := p.queue.Tracked(ctx, job.ID)
		if err != nil {
			log.Printf("reconcile: tracked %s: %v", job.ID, err)
			continue
		}
		if tracked {
			continue
		}
		if err := p.queue.Enqueue(ctx, job.ID, time.Now()); err != nil {
			log.Printf("reconcile: enqueue %s: %v", job.ID, err)
			continue
		}
		resumed++
		_ = p.store.AppendAudit(ctx, job.ID, "resumed", "re-enqueued from state "+job.State)
	}
	if resumed > 0 {
		log.Printf("reconcile: re-enqueued %d stranded jobs", resumed)
	}

	uncounted, err := p.store.UncountedTerminalJobs(ctx, stale, 500)
	if err != nil {
		log.Printf("reconcile: uncounted: %v", err)
		return
	}
	for _, job := range uncounted {
		if err := p.coord.OnJobTerminal(ctx, job); err != nil {
			log.Printf("reconcile: rollup %s: %v", job.ID, err)
		}
	}
	if len(uncounted) > 0 {
		log.Printf("reconcile: rolled up %d uncounted terminal jobs", len(uncounted))
	}
}
