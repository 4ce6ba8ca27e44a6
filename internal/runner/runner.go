// Package runner implements the thin retry-policy shell from spec §4.10:
// exponential backoff wrapping a single invocation, plus the four
// on_failure policies.
//
// Per spec §9's resolved open question, the Runner is the outer shell: a
// work item's own cascade (internal/workitem, internal/consult,
// internal/replan) is the inner loop invoked once per Runner attempt,
// whatever the policy; the Runner never reinterprets a cascade's
// terminal result, it forwards it.
package runner

import (
	"context"
	"time"

	"github.com/loomrun/loom/internal/bus"
)

const (
	BaseDelay = 1 * time.Second
	CapDelay  = 30 * time.Second
)

// Delay returns the backoff delay before attempt (1-indexed): base*2^(attempt-1),
// capped at CapDelay.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= CapDelay {
			return CapDelay
		}
	}
	return d
}

// Invocation is the single operation a Runner wraps: it returns a terminal
// status plus whether escalated was already set by an inner cascade.
type Invocation func(ctx context.Context, attempt int) (status bus.ExecutionStatus, escalated bool, err error)

// EscalationFunc is called once when the escalate policy exhausts its
// single retry.
type EscalationFunc func(ctx context.Context)

// Run wraps invoke with the retry policy named by policy and maxAttempts.
func Run(ctx context.Context, policy bus.OnFailurePolicy, maxAttempts int, invoke Invocation, onEscalate EscalationFunc) (bus.ExecutionStatus, bool, error) {
	switch policy {
	case bus.OnFailureReport:
		status, escalated, err := invoke(ctx, 1)
		if err != nil || status != bus.StatusDone {
			return bus.StatusFailed, escalated, err
		}
		return status, escalated, nil

	case bus.OnFailurePause:
		return bus.StatusStuck, false, nil

	case bus.OnFailureEscalate:
		status, escalated, err := invoke(ctx, 1)
		if err == nil && status == bus.StatusDone {
			return status, escalated, nil
		}
		if err := sleepBackoff(ctx, 2); err != nil {
			return bus.StatusFailed, true, err
		}
		status, escalated, err = invoke(ctx, 2)
		if err == nil && status == bus.StatusDone {
			return status, escalated, nil
		}
		if onEscalate != nil {
			onEscalate(ctx)
		}
		return bus.StatusFailed, true, err

	case bus.OnFailureRetry:
		fallthrough
	default:
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if attempt > 1 {
				if err := sleepBackoff(ctx, attempt); err != nil {
					return bus.StatusFailed, false, err
				}
			}
			status, escalated, err := invoke(ctx, attempt)
			if err == nil && status == bus.StatusDone {
				return status, escalated, nil
			}
			lastErr = err
			if escalated {
				return bus.StatusFailed, true, err
			}
		}
		return bus.StatusFailed, false, lastErr
	}
}

// sleepBackoffFunc is swapped out in tests to avoid real waits while
// exercising the retry/escalate attempt sequencing.
var sleepBackoffFunc = func(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(Delay(attempt)):
		return nil
	}
}

func sleepBackoff(ctx context.Context, attempt int) error {
	return sleepBackoffFunc(ctx, attempt)
}
