package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	messages  []*bus.Envelope
	requeued  int
	acked     []string
}

func (f *fakeStore) Enqueue(ctx context.Context, env *bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, env)
	return nil
}

func (f *fakeStore) LeaseFiltered(ctx context.Context, queueName, traceID string, kind bus.Kind, duration time.Duration) (*bus.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.QueueName == queueName && m.TraceID == traceID && m.Kind == kind {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			return m, nil
		}
	}
	return nil, store.ErrNoMessageAvailable
}

func (f *fakeStore) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeStore) RequeueExpired(ctx context.Context) (int, error) {
	f.requeued++
	return 0, nil
}

type fakeConsumer struct {
	started chan struct{}
	stopCh  chan struct{}
	once    sync.Once
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{started: make(chan struct{}), stopCh: make(chan struct{})}
}

func (c *fakeConsumer) Start(ctx context.Context) {
	close(c.started)
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	}
}

func (c *fakeConsumer) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

func TestOrchestratorRequeuesExpiredAtStartup(t *testing.T) {
	fs := &fakeStore{}
	_, err := New(context.Background(), fs, map[string]Consumer{})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.requeued)
}

func TestOrchestratorStartStop(t *testing.T) {
	fs := &fakeStore{}
	c := newFakeConsumer()
	o, err := New(context.Background(), fs, map[string]Consumer{"test": c})
	require.NoError(t, err)

	o.Start(context.Background())
	select {
	case <-c.started:
	case <-time.After(time.Second):
		t.Fatal("consumer never started")
	}
	o.Stop()
}

func TestDispatchTurnAndCollectResponse(t *testing.T) {
	fs := &fakeStore{}
	b := NewBridge(fs)

	err := b.DispatchTurn(context.Background(), "hello", "trace-1", nil, DispatchTurnOptions{})
	require.NoError(t, err)
	require.Len(t, fs.messages, 1)
	assert.Equal(t, "proxy_queue", fs.messages[0].QueueName)

	// Simulate the proxy producing a terminal agent_response.
	respErr := fs.Enqueue(context.Background(), mustAgentResponse(t, "trace-1"))
	require.NoError(t, respErr)

	env, ok, err := b.CollectResponse(context.Background(), "trace-1", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bus.KindAgentResponse, env.Kind)
	assert.Contains(t, fs.acked, env.ID)
}

func TestCollectResponseTimesOutWithoutMatch(t *testing.T) {
	fs := &fakeStore{}
	b := NewBridge(fs)

	_, ok, err := b.CollectResponse(context.Background(), "trace-none", 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func mustAgentResponse(t *testing.T, traceID string) *bus.Envelope {
	t.Helper()
	env, err := bus.New(bus.KindAgentResponse, bus.SenderProxy, traceID, bus.AgentResponsePayload{Text: "done"})
	require.NoError(t, err)
	env.QueueName = "proxy_queue"
	return env
}
