// Package replan implements the cross-queue replan manager from spec
// §4.7.1 step 3: sending a replan_request carrying full failure history,
// with depth bounded at 2 so at most three distinct plan strategies are
// tried per trace (original + 2 replans).
package replan

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/router"
)

const MaxDepth = 2

// Store is the subset of the durable queue store a Manager depends on.
type Store interface {
	Enqueue(ctx context.Context, env *bus.Envelope) error
}

// Manager sends replan requests and tracks per-trace depth.
type Manager struct {
	store    Store
	maxDepth int

	mu    sync.Mutex
	depth map[string]int
}

// New constructs a Manager using the package's default max depth.
func New(st Store) *Manager {
	return NewWithMaxDepth(st, 0)
}

// NewWithMaxDepth constructs a Manager capping replan depth at maxDepth.
// maxDepth <= 0 falls back to the package default.
func NewWithMaxDepth(st Store, maxDepth int) *Manager {
	if maxDepth <= 0 {
		maxDepth = MaxDepth
	}
	return &Manager{store: st, maxDepth: maxDepth, depth: make(map[string]int)}
}

// Depth returns how many replans have been requested for traceID so far.
func (m *Manager) Depth(traceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth[traceID]
}

// Request sends a replan_request with the given failure history, if
// traceID has not already exhausted MaxDepth. Returns false without
// sending if the depth cap is reached — the caller must escalate instead.
func (m *Manager) Request(ctx context.Context, traceID string, failureHistory []string) (bool, error) {
	m.mu.Lock()
	if m.depth[traceID] >= m.maxDepth {
		m.mu.Unlock()
		return false, nil
	}
	m.depth[traceID]++
	m.mu.Unlock()

	env, err := bus.New(bus.KindReplanRequest, bus.SenderRuntime, traceID, bus.PlanRequestPayload{
		FailureHistory: failureHistory,
	})
	if err != nil {
		return false, fmt.Errorf("replan: build replan_request: %w", err)
	}
	if err := router.Stamp(env); err != nil {
		return false, fmt.Errorf("replan: route replan_request: %w", err)
	}
	if err := m.store.Enqueue(ctx, env); err != nil {
		return false, fmt.Errorf("replan: enqueue replan_request: %w", err)
	}
	return true, nil
}

// Reset clears the depth counter for traceID, e.g. once a trace finishes.
func (m *Manager) Reset(traceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.depth, traceID)
}
