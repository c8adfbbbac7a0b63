package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-rollout/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled job dispatch in Redis.
// All three keys are sorted sets, so a job ID appears at most once per stage
// and re-adding an already-tracked job is a no-op. Scheduled entries carry the
// staggered/scheduled rollout pacing: a job's score is its earliest dispatch
// time; ready and inflight scores are enqueue time and lease deadline.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	return newRedisQueue(client, visibility)
}

// NewWithClient wraps an existing Redis client, for tests.
func NewWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	return newRedisQueue(client, visibility)
}

func newRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	return &RedisQueue{
		client:        client,
		readyKey:      "rollout:ready",
		inflightKey:   "rollout:inflight",
		scheduledKey:  "rollout:scheduled",
		visibilityTTL: visibility,
	}
}

// Enqueue inserts a job into either the scheduled set or the ready set,
// depending on its dispatch time. A job already tracked in the target set
// keeps its original score, so double enqueues collapse to one entry.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAddNX(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
	}
	return q.client.ZAddNX(ctx, q.readyKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: jobID}).Err()
}

// PromoteScheduled atomically moves due scheduled jobs into the ready set.
// It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	res, err := moveDueScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.readyKey},
		now.UnixMilli(), limit).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type from promote script: %T", res)
	}
	return int(n), nil
}

// DequeueWithLease pops the oldest ready job and places it into inflight with
// a visibility timeout. A ready entry whose job is already leased is dropped
// rather than handed out twice. Empty string means nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// The worker calls this before a long verification poll.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired atomically reclaims leases that timed out, re-enqueuing them
// so a job orphaned by a dead worker resumes from its persisted state.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueIDsScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.readyKey},
		now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from requeue script: %T", res)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type from requeue script: %T", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Purge removes the given jobs from the ready and scheduled sets. In-flight
// jobs are untouched; cancellation never kills a device mid-flash.
func (q *RedisQueue) Purge(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range jobIDs {
		pipe.ZRem(ctx, q.readyKey, id)
		pipe.ZRem(ctx, q.scheduledKey, id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Tracked reports whether the queue still holds the job in any stage: ready,
// scheduled, or leased. The reconciler uses this to leave jobs that are merely
// waiting out their dispatch pacing alone.
func (q *RedisQueue) Tracked(ctx context.Context, jobID string) (bool, error) {
	for _, key := range []string{q.readyKey, q.scheduledKey, q.inflightKey} {
		err := q.client.ZScore(ctx, key, jobID).Err()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, err
		}
	}
	return false, nil
}

// ReadyDepth returns the size of the ready set.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return nil
  end
  local job = popped[1]
  if not redis.call('ZSCORE', KEYS[2], job) then
    redis.call('ZADD', KEYS[2], ARGV[1], job)
    return job
  end
end
`)

// moveDueScript moves up to ARGV[2] members of KEYS[1] with score <= ARGV[1]
// into KEYS[2], keeping their source score. Returns the count moved.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, job in ipairs(due) do
  local score = redis.call('ZSCORE', KEYS[1], job)
  redis.call('ZREM', KEYS[1], job)
  redis.call('ZADD', KEYS[2], 'NX', score, job)
end
return #due
`)

// moveDueIDsScript is moveDueScript returning the moved member IDs.
var moveDueIDsScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, job in ipairs(due) do
  local score = redis.call('ZSCORE', KEYS[1], job)
  redis.call('ZREM', KEYS[1], job)
  redis.call('ZADD', KEYS[2], 'NX', score, job)
end
return due
`)
