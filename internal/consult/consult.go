// Package consult implements the cross-queue consult manager described in
// spec §4.7.1 step 1: the executor asks the planner for guidance by
// sending a plan_request and polling runtime_queue for the
// planner_guidance reply.
//
// Grounded on spec §9's cyclic-reference note: the executor consumer and
// the planner consumer reference each other logically, so this manager
// takes only the store and router as dependencies (never a consumer
// reference), breaking the cycle — all cross-component communication
// flows through the store.
package consult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/router"
	"github.com/loomrun/loom/internal/store"
)

const (
	Timeout      = 90 * time.Second
	PollInterval = 500 * time.Millisecond
)

// Limits overrides a Manager's timeout/poll-interval from spec §4.7.1. A
// zero field falls back to the package-level default of the same name.
type Limits struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = Timeout
	}
	if l.PollInterval <= 0 {
		l.PollInterval = PollInterval
	}
	return l
}

// Store is the subset of the durable queue store a Manager depends on.
type Store interface {
	Enqueue(ctx context.Context, env *bus.Envelope) error
	LeaseFiltered(ctx context.Context, queueName, traceID string, kind bus.Kind, duration time.Duration) (*bus.Envelope, error)
	Ack(ctx context.Context, id string) error
}

// Manager sends consult requests and collects guidance replies.
type Manager struct {
	store  Store
	limits Limits
}

// New constructs a Manager using the package's default timeout and poll
// interval.
func New(st Store) *Manager {
	return NewWithLimits(st, Limits{})
}

// NewWithLimits constructs a Manager using limits (any zero field falls
// back to the package default).
func NewWithLimits(st Store, limits Limits) *Manager {
	return &Manager{store: st, limits: limits.withDefaults()}
}

// Guidance is the planner's advice for a guided retry.
type Guidance struct {
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
}

// RequestGuidance sends a plan_request{consult=true} to planner_queue and
// polls runtime_queue for the matching planner_guidance reply, per spec
// §4.7.1 step 1. Returns (guidance, true, nil) on success, (zero, false,
// nil) on timeout (caller proceeds to replan), and a non-nil error only
// for store failures.
func (m *Manager) RequestGuidance(ctx context.Context, traceID string, failureDescription string) (Guidance, bool, error) {
	req, err := bus.New(bus.KindPlanRequest, bus.SenderExecutor, traceID, bus.PlanRequestPayload{
		Description: failureDescription,
		Consult:     true,
	})
	if err != nil {
		return Guidance{}, false, fmt.Errorf("consult: build plan_request: %w", err)
	}
	if err := router.Stamp(req); err != nil {
		return Guidance{}, false, fmt.Errorf("consult: route plan_request: %w", err)
	}
	if err := m.store.Enqueue(ctx, req); err != nil {
		return Guidance{}, false, fmt.Errorf("consult: enqueue plan_request: %w", err)
	}

	deadline := time.Now().Add(m.limits.Timeout)
	for time.Now().Before(deadline) {
		env, err := m.store.LeaseFiltered(ctx, router.RuntimeQueue, traceID, bus.KindPlannerGuidance, m.limits.PollInterval)
		if err == nil {
			var guidance Guidance
			if decErr := env.DecodePayload(&guidance); decErr != nil {
				return Guidance{}, false, fmt.Errorf("consult: decode planner_guidance: %w", decErr)
			}
			if ackErr := m.store.Ack(ctx, env.ID); ackErr != nil {
				return Guidance{}, false, fmt.Errorf("consult: ack planner_guidance: %w", ackErr)
			}
			return guidance, true, nil
		}
		if !errors.Is(err, store.ErrNoMessageAvailable) {
			return Guidance{}, false, fmt.Errorf("consult: poll runtime_queue: %w", err)
		}

		select {
		case <-ctx.Done():
			return Guidance{}, false, ctx.Err()
		case <-time.After(m.limits.PollInterval):
		}
	}
	return Guidance{}, false, nil
}
