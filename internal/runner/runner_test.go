package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loomrun/loom/internal/bus"
)

func init() {
	// Skip real backoff waits; attempt sequencing is what these tests assert.
	sleepBackoffFunc = func(ctx context.Context, attempt int) error { return nil }
}

func TestDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, 1*time.Second, Delay(1))
	assert.Equal(t, 2*time.Second, Delay(2))
	assert.Equal(t, 4*time.Second, Delay(3))
	assert.Equal(t, CapDelay, Delay(10))
}

func TestRunRetryPolicySucceedsWithinAttempts(t *testing.T) {
	calls := 0
	invoke := func(ctx context.Context, attempt int) (bus.ExecutionStatus, bool, error) {
		calls++
		if attempt < 3 {
			return bus.StatusFailed, false, errors.New("not yet")
		}
		return bus.StatusDone, false, nil
	}

	status, escalated, err := Run(context.Background(), bus.OnFailureRetry, 5, invoke, nil)
	assert.NoError(t, err)
	assert.False(t, escalated)
	assert.Equal(t, bus.StatusDone, status)
	assert.Equal(t, 3, calls)
}

func TestRunReportPolicyNeverRetries(t *testing.T) {
	calls := 0
	invoke := func(ctx context.Context, attempt int) (bus.ExecutionStatus, bool, error) {
		calls++
		return bus.StatusFailed, false, errors.New("boom")
	}
	status, _, err := Run(context.Background(), bus.OnFailureReport, 5, invoke, nil)
	assert.Error(t, err)
	assert.Equal(t, bus.StatusFailed, status)
	assert.Equal(t, 1, calls)
}

func TestRunPausePolicyEmitsStuck(t *testing.T) {
	status, escalated, err := Run(context.Background(), bus.OnFailurePause, 5, func(ctx context.Context, attempt int) (bus.ExecutionStatus, bool, error) {
		t.Fatal("pause policy must not invoke")
		return "", false, nil
	}, nil)
	assert.NoError(t, err)
	assert.False(t, escalated)
	assert.Equal(t, bus.StatusStuck, status)
}

func TestRunEscalatePolicyRetriesOnceThenEscalates(t *testing.T) {
	calls := 0
	escalateCalled := false
	invoke := func(ctx context.Context, attempt int) (bus.ExecutionStatus, bool, error) {
		calls++
		return bus.StatusFailed, false, errors.New("still broken")
	}
	onEscalate := func(ctx context.Context) { escalateCalled = true }

	status, escalated, err := Run(context.Background(), bus.OnFailureEscalate, 1, invoke, onEscalate)
	assert.Error(t, err)
	assert.True(t, escalated)
	assert.True(t, escalateCalled)
	assert.Equal(t, bus.StatusFailed, status)
	assert.Equal(t, 2, calls)
}
