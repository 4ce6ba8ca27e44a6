package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/store"
)

func newEnvelope(t *testing.T, kind bus.Kind) *bus.Envelope {
	t.Helper()
	env, err := bus.New(kind, bus.SenderUser, "T1", map[string]string{"text": "hi"})
	require.NoError(t, err)
	env.QueueName = "proxy_queue"
	return env
}

func openStoreForConsumer(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = t.TempDir() + "/consumer_test.db"
	s, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConsumerHandlesMessageOnce(t *testing.T) {
	s := openStoreForConsumer(t)
	ctx := context.Background()
	env := newEnvelope(t, bus.KindUserMessage)
	require.NoError(t, s.Enqueue(ctx, env))

	var calls int32
	handler := func(ctx context.Context, e *bus.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	c := New(Config{
		ConsumerName: "proxy",
		QueueName:    "proxy_queue",
		HandledKinds: map[bus.Kind]bool{bus.KindUserMessage: true},
	}, s, map[bus.Kind]Handler{bus.KindUserMessage: handler})

	processed, err := c.pollAndProcess(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	n, err := s.PendingCount(ctx, "proxy_queue")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConsumerSkipsAlreadyProcessed(t *testing.T) {
	s := openStoreForConsumer(t)
	ctx := context.Background()
	env := newEnvelope(t, bus.KindUserMessage)
	require.NoError(t, s.Enqueue(ctx, env))
	require.NoError(t, s.MarkProcessed(ctx, "proxy", env.ID))

	var calls int32
	handler := func(ctx context.Context, e *bus.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	c := New(Config{
		ConsumerName: "proxy",
		QueueName:    "proxy_queue",
		HandledKinds: map[bus.Kind]bool{bus.KindUserMessage: true},
	}, s, map[bus.Kind]Handler{bus.KindUserMessage: handler})

	processed, err := c.pollAndProcess(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "handler must not re-run for an already-processed id")
}

func TestConsumerDeadLettersAtMaxAttempts(t *testing.T) {
	s := openStoreForConsumer(t)
	ctx := context.Background()
	env := newEnvelope(t, bus.KindUserMessage)
	require.NoError(t, s.Enqueue(ctx, env))
	for i := 0; i < 5; i++ {
		_, err := s.Lease(ctx, "proxy_queue", time.Second)
		require.NoError(t, err)
		require.NoError(t, s.Nack(ctx, env.ID))
	}

	c := New(Config{
		ConsumerName: "proxy",
		QueueName:    "proxy_queue",
		MaxAttempts:  5,
		HandledKinds: map[bus.Kind]bool{bus.KindUserMessage: true},
	}, s, map[bus.Kind]Handler{bus.KindUserMessage: func(ctx context.Context, e *bus.Envelope) error { return nil }})

	processed, err := c.pollAndProcess(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	records, err := s.ListDeadLetters(ctx, "proxy_queue", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "max_attempts_exceeded", records[0].Reason)
}

func TestConsumerNacksOnHandlerError(t *testing.T) {
	s := openStoreForConsumer(t)
	ctx := context.Background()
	env := newEnvelope(t, bus.KindUserMessage)
	require.NoError(t, s.Enqueue(ctx, env))

	c := New(Config{
		ConsumerName: "proxy",
		QueueName:    "proxy_queue",
		HandledKinds: map[bus.Kind]bool{bus.KindUserMessage: true},
	}, s, map[bus.Kind]Handler{bus.KindUserMessage: func(ctx context.Context, e *bus.Envelope) error {
		return errors.New("boom")
	}})

	_, err := c.pollAndProcess(ctx)
	assert.Error(t, err)

	reLeased, err := s.Lease(ctx, "proxy_queue", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reLeased.AttemptCount)
}

func TestConsumerPollLeavesUnhandledKindOnQueue(t *testing.T) {
	s := openStoreForConsumer(t)
	ctx := context.Background()
	env := newEnvelope(t, bus.KindAgentResponse)
	require.NoError(t, s.Enqueue(ctx, env))

	c := New(Config{
		ConsumerName: "proxy",
		QueueName:    "proxy_queue",
		HandledKinds: map[bus.Kind]bool{bus.KindUserMessage: true},
	}, s, map[bus.Kind]Handler{bus.KindUserMessage: func(ctx context.Context, e *bus.Envelope) error { return nil }})

	processed, err := c.pollAndProcess(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a kind outside handled_kinds must never be leased, not leased-then-nacked")

	n, err := s.PendingCount(ctx, "proxy_queue")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reread, err := s.LeaseFiltered(ctx, "proxy_queue", env.TraceID, bus.KindAgentResponse, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, reread.AttemptCount, "message must be untouched by the consumer's own poll")
}

func TestFilterToolsetClampsToAllowlist(t *testing.T) {
	out := FilterToolset([]string{"web_search", "shell_exec", "read_file"}, []string{"web_search", "read_file"})
	assert.Equal(t, []string{"web_search", "read_file"}, out)

	out = FilterToolset([]string{"a", "b"}, nil)
	assert.Equal(t, []string{"a", "b"}, out)

	out = FilterToolset(nil, ResearchToolAllowlist)
	assert.Equal(t, ResearchToolAllowlist, out, "an unrestricted (empty) toolset clamped to a non-empty allowlist must yield the allowlist, not nothing")
}
