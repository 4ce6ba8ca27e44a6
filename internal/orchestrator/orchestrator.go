// Package orchestrator implements the Orchestrator and Bridge from spec
// §4.11: the Orchestrator owns consumer lifetimes (start/stop, startup
// orphan-lease recovery), and the Bridge is the external seam a host
// process uses to push turns/goals in and collect terminal responses out.
//
// Grounded on tarsy's pkg/queue/pool.go: Start spawns one goroutine per
// worker and a background task, Stop signals and waits via sync.Once +
// WaitGroup, letting in-flight work finish before returning. This package
// generalizes that shape from a fixed worker pool to an arbitrary list of
// named consumers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/router"
	"github.com/loomrun/loom/internal/store"
)

// Consumer is the lifetime contract an Orchestrator manages.
type Consumer interface {
	Start(ctx context.Context)
	Stop()
}

// Store is the subset of the durable queue store the Orchestrator and
// Bridge depend on.
type Store interface {
	Enqueue(ctx context.Context, env *bus.Envelope) error
	LeaseFiltered(ctx context.Context, queueName, traceID string, kind bus.Kind, duration time.Duration) (*bus.Envelope, error)
	Ack(ctx context.Context, id string) error
	RequeueExpired(ctx context.Context) (int, error)
}

// Orchestrator owns the lifetime of every consumer in the process.
type Orchestrator struct {
	store     Store
	consumers map[string]Consumer

	stopCtx    context.Context
	cancelStop context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once

	logger *slog.Logger
}

// New constructs an Orchestrator over the given named consumers. Startup
// sequence per spec §4.11: open store → requeue_expired() → wire
// router/managers → construct consumers → New() → caller calls Start().
func New(ctx context.Context, st Store, consumers map[string]Consumer) (*Orchestrator, error) {
	n, err := st.RequeueExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: requeue_expired at startup: %w", err)
	}
	logger := slog.Default().With("component", "orchestrator")
	logger.Info("requeued expired leases at startup", "count", n)

	stopCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      st,
		consumers:  consumers,
		stopCtx:    stopCtx,
		cancelStop: cancel,
		logger:     logger,
	}, nil
}

// Start spawns one cooperative task per consumer. Safe to call once.
func (o *Orchestrator) Start(ctx context.Context) {
	for name, c := range o.consumers {
		name, c := name, c
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("consumer panicked, exiting without propagating", "consumer", name, "panic", r)
				}
			}()
			c.Start(mergeDone(ctx, o.stopCtx))
		}()
	}
	o.logger.Info("orchestrator started", "consumer_count", len(o.consumers))
}

// Stop requests every consumer shut down and waits for them all to exit.
func (o *Orchestrator) Stop() {
	o.once.Do(o.cancelStop)
	for _, c := range o.consumers {
		c.Stop()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// mergeDone returns a context cancelled when either parent is done,
// matching how the orchestrator's own stop signal must interrupt a
// consumer's lease loop even if the caller's ctx is still live.
func mergeDone(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-a.Done():
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// Bridge is the external seam a host process uses to push turns and goals
// into the bus and collect terminal agent_response messages back out.
type Bridge struct {
	store          Store
	defaultTimeout time.Duration
	pollInterval   time.Duration
}

// NewBridge constructs a Bridge over the same store the Orchestrator uses,
// using the package's default collect timeout and poll interval.
func NewBridge(st Store) *Bridge {
	return NewBridgeWithConfig(st, 0, 0)
}

// NewBridgeWithConfig constructs a Bridge whose CollectResponse defaults
// to defaultTimeout (when a caller passes timeout<=0) and polls the store
// every pollInterval. A zero argument falls back to the package default.
func NewBridgeWithConfig(st Store, defaultTimeout, pollInterval time.Duration) *Bridge {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCollectTimeout
	}
	if pollInterval <= 0 {
		pollInterval = collectPollInterval
	}
	return &Bridge{store: st, defaultTimeout: defaultTimeout, pollInterval: pollInterval}
}

// DispatchTurnOptions carries the optional context fields a turn may set.
type DispatchTurnOptions struct {
	ScopeID       string
	Taint         bus.Taint
	ToolAllowlist []string
}

// DispatchTurn builds a user_message and enqueues it to proxy_queue.
func (b *Bridge) DispatchTurn(ctx context.Context, text, traceID string, metadata map[string]any, opts DispatchTurnOptions) error {
	env, err := router.Build(bus.KindUserMessage, bus.SenderUser, traceID, bus.UserMessagePayload{
		Text:     text,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("bridge: build user_message: %w", err)
	}
	env.ScopeID = opts.ScopeID
	env.Taint = opts.Taint
	env.ToolAllowlist = opts.ToolAllowlist
	return b.store.Enqueue(ctx, env)
}

// DispatchGoal builds a plan_request with sender=runtime and
// autonomous=true, enqueued directly to planner_queue.
func (b *Bridge) DispatchGoal(ctx context.Context, goalID, description, traceID string) error {
	env, err := router.Build(bus.KindPlanRequest, bus.SenderRuntime, traceID, bus.PlanRequestPayload{
		Description: description,
		Autonomous:  true,
		Metadata:    map[string]any{"goal_id": goalID},
	})
	if err != nil {
		return fmt.Errorf("bridge: build plan_request: %w", err)
	}
	return b.store.Enqueue(ctx, env)
}

// DefaultCollectTimeout is the bridge's documented default collect
// timeout from spec §4.11/§5.
const DefaultCollectTimeout = 30 * time.Second

const collectPollInterval = 100 * time.Millisecond

// CollectResponse polls proxy_queue with lease_filtered(trace_id,
// agent_response) at the bridge's poll interval (100ms unless configured
// otherwise) until timeout elapses. On a hit it
// acks and returns the message; on a miss it returns (nil, false, nil).
// It never leases non-matching messages, so concurrent traces never see
// nack storms from this call.
func (b *Bridge) CollectResponse(ctx context.Context, traceID string, timeout time.Duration) (*bus.Envelope, bool, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		env, err := b.store.LeaseFiltered(ctx, router.ProxyQueue, traceID, bus.KindAgentResponse, b.pollInterval)
		if err == nil {
			if ackErr := b.store.Ack(ctx, env.ID); ackErr != nil {
				return nil, false, fmt.Errorf("bridge: ack collected agent_response: %w", ackErr)
			}
			return env, true, nil
		}
		if !isNoMessage(err) {
			return nil, false, fmt.Errorf("bridge: poll proxy_queue: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
	return nil, false, nil
}

func isNoMessage(err error) bool {
	return errors.Is(err, store.ErrNoMessageAvailable)
}
