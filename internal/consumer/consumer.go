// Package consumer implements the Base Consumer lease loop shared by the
// proxy, planner, and executor consumers: lease → idle backoff, allowlist
// nack, dead-lettering, idempotency check-and-skip, a heartbeat goroutine
// bound to the held lease, tool-allowlist enforcement, and handler
// dispatch.
//
// Grounded on tarsy's pkg/queue/worker.go: its run()/pollAndProcess()
// structure, runHeartbeat() ticker loop, and pollInterval() jittered
// backoff formula are generalized here from a single hardcoded session
// executor to an arbitrary per-kind handler table.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/store"
)

// Store is the subset of the durable queue store a consumer depends on.
type Store interface {
	Lease(ctx context.Context, queueName string, duration time.Duration, kinds ...bus.Kind) (*bus.Envelope, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string) error
	DeadLetter(ctx context.Context, id, reason string) error
	Heartbeat(ctx context.Context, id, leaseID string, extend time.Duration) error
	HasProcessed(ctx context.Context, consumer, id string) (bool, error)
	MarkProcessed(ctx context.Context, consumer, id string) error
}

// Handler processes one leased envelope. A non-nil error causes a nack;
// nil causes mark_processed + ack.
type Handler func(ctx context.Context, env *bus.Envelope) error

// Backoff configures the idle-poll exponential backoff.
type Backoff struct {
	Base time.Duration
	Mult float64
	Cap  time.Duration
}

// DefaultBackoff mirrors spec §4.3's documented idle-poll defaults.
var DefaultBackoff = Backoff{Base: 100 * time.Millisecond, Mult: 2, Cap: 5 * time.Second}

// Config parameterizes a Consumer exactly as spec §4.3 describes.
type Config struct {
	ConsumerName     string
	QueueName        string
	HandledKinds     map[bus.Kind]bool
	MaxAttempts      int
	LeaseDuration    time.Duration
	HeartbeatInterval time.Duration
	IdleBackoff      Backoff
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = bus.DefaultMaxAttempts
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = bus.DefaultLeaseDuration
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.IdleBackoff == (Backoff{}) {
		c.IdleBackoff = DefaultBackoff
	}
	return c
}

// Consumer runs the per-iteration lease loop against one named queue,
// dispatching handled kinds to a caller-supplied dispatch table.
type Consumer struct {
	cfg          Config
	store        Store
	dispatch     map[bus.Kind]Handler
	handledKinds []bus.Kind
	logger       *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Consumer. dispatch maps handled kinds to their handlers;
// every key must also appear in cfg.HandledKinds.
func New(cfg Config, st Store, dispatch map[bus.Kind]Handler) *Consumer {
	cfg = cfg.withDefaults()
	kinds := make([]bus.Kind, 0, len(cfg.HandledKinds))
	for k := range cfg.HandledKinds {
		kinds = append(kinds, k)
	}
	return &Consumer{
		cfg:          cfg,
		store:        st,
		dispatch:     dispatch,
		handledKinds: kinds,
		logger:       slog.Default().With("component", "consumer", "consumer_name", cfg.ConsumerName, "queue", cfg.QueueName),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the lease loop until ctx is cancelled or Stop is called.
// Mirrors tarsy's Worker.run(): a select over stopCh/ctx.Done() wrapping
// one pollAndProcess call per iteration.
func (c *Consumer) Start(ctx context.Context) {
	defer close(c.doneCh)
	backoff := c.cfg.IdleBackoff.Base

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		processed, err := c.pollAndProcess(ctx)
		if err != nil {
			c.logger.Error("poll and process failed", "error", err)
		}
		if processed {
			backoff = c.cfg.IdleBackoff.Base
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff, c.cfg.IdleBackoff)
	}
}

// Stop requests the loop exit after its current iteration and waits for it.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func nextBackoff(cur time.Duration, b Backoff) time.Duration {
	next := time.Duration(float64(cur) * b.Mult)
	if next > b.Cap {
		next = b.Cap
	}
	return next
}

// jitter mirrors tarsy's pollInterval(): base - jitter + offset, where
// offset is drawn uniformly from [0, 2*jitter). Jitter here is 20% of d.
func jitter(d time.Duration) time.Duration {
	j := d / 5
	if j <= 0 {
		return d
	}
	offset := time.Duration(rand.Int64N(int64(2 * j)))
	return d - j + offset
}

var errUnhandledKind = errors.New("consumer: kind not in handled_kinds")

// pollAndProcess implements the nine-step per-iteration protocol of
// spec §4.3.
func (c *Consumer) pollAndProcess(ctx context.Context) (bool, error) {
	env, err := c.store.Lease(ctx, c.cfg.QueueName, c.cfg.LeaseDuration, c.handledKinds...)
	if err != nil {
		if isNoMessage(err) {
			return false, nil
		}
		return false, err
	}

	logger := c.logger.With("message_id", env.ID, "kind", env.Kind, "trace_id", env.TraceID)

	if !c.cfg.HandledKinds[env.Kind] {
		logger.Warn("leased kind outside handled_kinds, nacking")
		if err := c.store.Nack(ctx, env.ID); err != nil {
			return true, fmt.Errorf("nack unhandled kind: %w", err)
		}
		return true, errUnhandledKind
	}

	if env.AttemptCount >= c.cfg.MaxAttempts {
		logger.Warn("max attempts exceeded, dead-lettering")
		if err := c.store.DeadLetter(ctx, env.ID, "max_attempts_exceeded"); err != nil {
			return true, fmt.Errorf("dead_letter: %w", err)
		}
		return true, nil
	}

	processed, err := c.store.HasProcessed(ctx, c.cfg.ConsumerName, env.ID)
	if err != nil {
		return true, fmt.Errorf("has_processed: %w", err)
	}
	if processed {
		logger.Info("already processed on a prior attempt, acking")
		if err := c.store.Ack(ctx, env.ID); err != nil {
			return true, fmt.Errorf("ack already-processed: %w", err)
		}
		return true, nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go c.runHeartbeat(hbCtx, &hbWG, env.ID, env.LeaseID)

	handler, ok := c.dispatch[env.Kind]
	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("consumer: no handler registered for kind %q", env.Kind)
	} else {
		handlerErr = handler(withAllowlist(ctx, env), env)
	}

	stopHeartbeat()
	hbWG.Wait()

	if handlerErr != nil {
		logger.Error("handler failed, nacking", "error", handlerErr)
		if err := c.store.Nack(ctx, env.ID); err != nil {
			return true, fmt.Errorf("nack after handler error: %w", err)
		}
		return true, handlerErr
	}

	if err := c.store.MarkProcessed(ctx, c.cfg.ConsumerName, env.ID); err != nil {
		return true, fmt.Errorf("mark_processed: %w", err)
	}
	if err := c.store.Ack(ctx, env.ID); err != nil {
		return true, fmt.Errorf("ack: %w", err)
	}
	return true, nil
}

func (c *Consumer) runHeartbeat(ctx context.Context, wg *sync.WaitGroup, id, leaseID string) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.Heartbeat(context.Background(), id, leaseID, bus.DefaultLeaseDuration); err != nil {
				c.logger.Warn("heartbeat failed", "message_id", id, "error", err)
			}
		}
	}
}

func isNoMessage(err error) bool {
	return errors.Is(err, store.ErrNoMessageAvailable)
}

type allowlistKey struct{}

// withAllowlist attaches env's tool_allowlist to ctx so agent invocations
// downstream can filter their toolset per §4.3.1, clamping research
// invocations to RESEARCH_TOOL_ALLOWLIST is done by the executor consumer
// itself since only it knows a lease is a research_request.
func withAllowlist(ctx context.Context, env *bus.Envelope) context.Context {
	if len(env.ToolAllowlist) == 0 {
		return ctx
	}
	return context.WithValue(ctx, allowlistKey{}, env.ToolAllowlist)
}

// AllowlistFromContext returns the tool allowlist attached by the base
// consumer, if any.
func AllowlistFromContext(ctx context.Context) ([]string, bool) {
	v, ok := ctx.Value(allowlistKey{}).([]string)
	return v, ok
}

// RESEARCH_TOOL_ALLOWLIST is the fixed allowlist clamp for research-mode
// agent invocations, per spec §4.3.1.
var ResearchToolAllowlist = []string{"web_search", "read_file", "memory_search"}

// FilterToolset clamps toolset to allowlist, preserving toolset's order. A
// nil/empty allowlist means no filtering is applied. An empty toolset means
// "no restriction" (the message carried no tool_allowlist of its own)
// rather than "no tools", so clamping an empty toolset to a non-empty
// allowlist yields the allowlist itself, not the empty set.
func FilterToolset(toolset []string, allowlist []string) []string {
	if len(allowlist) == 0 {
		return toolset
	}
	if len(toolset) == 0 {
		return allowlist
	}
	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = true
	}
	out := make([]string, 0, len(toolset))
	for _, name := range toolset {
		if allowed[name] {
			out = append(out, name)
		}
	}
	return out
}

// MustMarshal is a small helper handlers use to build payloads; panics are
// not expected since payload types are static structs, mirroring tarsy's
// use of json.Marshal without error-checked wrapping in hot paths where
// the input type is controlled internally.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("consumer: marshal payload: %v", err))
	}
	return b
}
