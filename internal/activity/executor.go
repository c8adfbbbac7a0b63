package activity

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"fleet-rollout/internal/config"
	"fleet-rollout/internal/telemetry"
)

// Well-known activity names used by the rollout state machine.
const (
	CheckDeviceReady  = "check_device_ready"
	SendUpdateCommand = "send_update_command"
	VerifyApplied     = "verify_firmware_applied"
	InitiateRollback  = "initiate_rollback"
)

// Policy controls retry pacing for a single activity type.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	MaxAttempts        int
	PerAttemptTimeout  time.Duration
}

// PolicyFromSpec converts the config representation into an executor policy.
func PolicyFromSpec(s config.RetrySpec) Policy {
	return Policy{
		InitialInterval:    s.InitialInterval,
		BackoffCoefficient: s.BackoffCoefficient,
		MaxInterval:        s.MaxInterval,
		MaxAttempts:        s.MaxAttempts,
		PerAttemptTimeout:  s.PerAttemptTimeout,
	}
}

// ExhaustedError is returned once an activity has used its whole retry budget.
type ExhaustedError struct {
	Activity string
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("activity %s exhausted after %d attempts: %v", e.Activity, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Func is one attempt of an activity. Implementations must be idempotent or
// verifiable: the executor guarantees at-least-once attempts, never at-most-once.
type Func func(ctx context.Context) error

// Executor runs activities under their retry policies. Attempts counts across
// all activities it runs are reported through Report.
type Executor struct {
	// Report receives the attempts consumed by each Run call; the job uses it
	// to accumulate attempt_count. Nil is fine.
	Report func(activity string, attempts int)
}

// Run invokes fn until it succeeds, the context is cancelled, or the policy's
// attempt budget is exhausted. A timed-out attempt counts toward MaxAttempts.
func (e *Executor) Run(ctx context.Context, name string, pol Policy, fn Func) error {
	if pol.MaxAttempts <= 0 {
		pol.MaxAttempts = 1
	}
	var lastErr error
	attempts := 0
	defer func() {
		if e.Report != nil {
			e.Report(name, attempts)
		}
	}()

	for attempts < pol.MaxAttempts {
		attempts++
		lastErr = e.attempt(ctx, pol, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempts >= pol.MaxAttempts {
			break
		}
		telemetry.ActivityRetries.Inc()
		wait := backoff(pol, attempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return &ExhaustedError{Activity: name, Attempts: attempts, LastErr: lastErr}
}

func (e *Executor) attempt(ctx context.Context, pol Policy, fn Func) error {
	if pol.PerAttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, pol.PerAttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(attemptCtx) }()
	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return fmt.Errorf("attempt timed out after %s: %w", pol.PerAttemptTimeout, attemptCtx.Err())
	}
}

// backoff computes the wait before attempt n+1: min(initial*coef^(n-1), max),
// halved and jittered so concurrent retries spread out.
func backoff(pol Policy, attempt int) time.Duration {
	coef := pol.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	exp := float64(pol.InitialInterval) * math.Pow(coef, float64(attempt-1))
	wait := time.Duration(exp)
	if pol.MaxInterval > 0 && wait > pol.MaxInterval {
		wait = pol.MaxInterval
	}
	if wait <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
