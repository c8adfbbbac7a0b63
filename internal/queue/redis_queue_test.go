package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, visibility)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("ReadyDepth = %d, err %v", depth, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	// The job now sits in-flight, not ready.
	depth, _ = q.ReadyDepth(ctx)
	if depth != 0 {
		t.Errorf("expected empty ready queue, depth %d", depth)
	}
	expired, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if len(expired) != 1 || expired[0] != "job-1" {
		t.Fatalf("expected job-1 in-flight and reclaimable, got %v", expired)
	}

	// Re-dequeue and ack; the lease is gone afterwards.
	if id, _ = q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1 again, got %q", id)
	}
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	expired, _ = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if len(expired) != 0 {
		t.Errorf("acked job must not be reclaimed, got %v", expired)
	}
}

func TestDequeueEmptyReturnsNothing(t *testing.T) {
	q := testQueue(t, time.Minute)

	id, err := q.DequeueWithLease(context.Background())
	if err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

func TestScheduledJobsPromoteWhenDue(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	runAt := time.Now().Add(time.Hour)
	if err := q.Enqueue(ctx, "job-future", runAt); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Not due yet.
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("scheduled job dequeued early: %q", id)
	}
	n, err := q.PromoteScheduled(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d jobs before due time", n)
	}

	// Due once the clock passes runAt.
	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-future" {
		t.Fatalf("expected job-future, got %q", id)
	}
}

func TestExtendLeaseDefersReclaim(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-slow", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-slow" {
		t.Fatalf("expected job-slow, got %q", id)
	}
	if err := q.ExtendLease(ctx, "job-slow", time.Hour); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}

	// The original visibility window has elapsed but the extended lease holds.
	expired, err := q.RequeueExpired(ctx, time.Now().Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("extended lease reclaimed early: %v", expired)
	}
	expired, _ = q.RequeueExpired(ctx, time.Now().Add(2*time.Hour), 10)
	if len(expired) != 1 {
		t.Fatalf("expected reclaim after extension, got %v", expired)
	}
}

func TestEnqueueSameJobTwiceKeepsOneEntry(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("double enqueue must collapse to one entry, depth %d", depth)
	}

	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("job handed out twice: %q", id)
	}
}

func TestDequeueDropsEntryForLeasedJob(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	// A second enqueue for a job already leased by another worker, e.g. from
	// a reconcile sweep racing a slow handler, must not hand it out again.
	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("leased job handed out twice: %q", id)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Errorf("duplicate ready entry kept, depth %d", depth)
	}
}

func TestPromoteScheduledIsAtomicPerJob(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-due", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Promoting the same window twice must not duplicate the entry.
	if n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 100); err != nil || n != 1 {
		t.Fatalf("PromoteScheduled = %d, err %v", n, err)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 100); n != 0 {
		t.Fatalf("second promotion pass moved %d jobs", n)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("expected one ready entry, depth %d", depth)
	}
}

func TestTrackedReportsAllStages(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-ready", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-scheduled", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-ready" {
		t.Fatalf("expected job-ready, got %q", id)
	}

	for _, id := range []string{"job-ready", "job-scheduled"} {
		tracked, err := q.Tracked(ctx, id)
		if err != nil {
			t.Fatalf("Tracked(%s): %v", id, err)
		}
		if !tracked {
			t.Errorf("%s should be tracked", id)
		}
	}
	if tracked, _ := q.Tracked(ctx, "job-unknown"); tracked {
		t.Error("unknown job reported as tracked")
	}

	if err := q.Ack(ctx, "job-ready"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if tracked, _ := q.Tracked(ctx, "job-ready"); tracked {
		t.Error("acked job still tracked")
	}
}

func TestPurgeLeavesInflightAlone(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-ready", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-scheduled", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-running", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// job-ready was enqueued first so it is the one leased.
	if id, _ := q.DequeueWithLease(ctx); id != "job-ready" {
		t.Fatal("expected job-ready leased first")
	}

	if err := q.Purge(ctx, []string{"job-ready", "job-scheduled", "job-running"}); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Errorf("expected ready queue purged, depth %d", depth)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 100); n != 0 {
		t.Errorf("expected scheduled entry purged, promoted %d", n)
	}
	// The leased job keeps running and is still reclaimable if its worker dies.
	expired, _ := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if len(expired) != 1 || expired[0] != "job-ready" {
		t.Errorf("expected in-flight job-ready untouched by purge, got %v", expired)
	}
}
