package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "loom_test.db")
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnvelope(t *testing.T, queue string, kind bus.Kind, trace string) *bus.Envelope {
	t.Helper()
	env, err := bus.New(kind, bus.SenderUser, trace, map[string]string{"text": "hi"})
	require.NoError(t, err)
	env.QueueName = queue
	return env
}

func TestEnqueueLeaseAck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, env))

	leased, err := s.Lease(ctx, "proxy_queue", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, env.ID, leased.ID)
	assert.NotEmpty(t, leased.LeaseID)

	_, err = s.Lease(ctx, "proxy_queue", 60*time.Second)
	assert.ErrorIs(t, err, ErrNoMessageAvailable)

	require.NoError(t, s.Ack(ctx, leased.ID))
	n, err := s.PendingCount(ctx, "proxy_queue")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEnqueueDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, env))
	assert.ErrorIs(t, s.Enqueue(ctx, env), ErrDuplicateID)
}

func TestLeaseFIFOOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, second))

	leased, err := s.Lease(ctx, "proxy_queue", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, leased.ID)
}

func TestLeaseFIFOOrderSurvivesSubSecondGap(t *testing.T) {
	// RFC3339Nano trims trailing fractional zeros, so a whole-second
	// timestamp ("...:00Z") can sort lexicographically after a later
	// same-second timestamp ("...:00.5Z"). A fixed-width fractional layout
	// must keep lexicographic order equal to chronological order even for
	// rows enqueued less than a second apart.
	s := openTestStore(t)
	ctx := context.Background()

	first := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	first.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Enqueue(ctx, first))

	second := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	second.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 500_000_000, time.UTC)
	require.NoError(t, s.Enqueue(ctx, second))

	leased, err := s.Lease(ctx, "proxy_queue", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, leased.ID, "the whole-second row was enqueued first and must lease first")
}

func TestLeaseRestrictsToGivenKinds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	response := newTestEnvelope(t, "proxy_queue", bus.KindAgentResponse, "T1")
	require.NoError(t, s.Enqueue(ctx, response))

	_, err := s.Lease(ctx, "proxy_queue", 60*time.Second, bus.KindUserMessage, bus.KindPlanResult)
	assert.ErrorIs(t, err, ErrNoMessageAvailable, "a kind outside the given set must never be leased")

	msg := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, msg))

	leased, err := s.Lease(ctx, "proxy_queue", 60*time.Second, bus.KindUserMessage, bus.KindPlanResult)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, leased.ID)
}

func TestLeaseFilteredOnlyMatchesTraceAndKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	other := newTestEnvelope(t, "proxy_queue", bus.KindAgentResponse, "OTHER")
	require.NoError(t, s.Enqueue(ctx, other))
	target := newTestEnvelope(t, "proxy_queue", bus.KindAgentResponse, "T1")
	require.NoError(t, s.Enqueue(ctx, target))

	leased, err := s.LeaseFiltered(ctx, "proxy_queue", "T1", bus.KindAgentResponse, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, target.ID, leased.ID)

	_, err = s.LeaseFiltered(ctx, "proxy_queue", "T1", bus.KindAgentResponse, 30*time.Second)
	assert.ErrorIs(t, err, ErrNoMessageAvailable)
}

func TestNackIncrementsAttemptCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, env))

	leased, err := s.Lease(ctx, "proxy_queue", 60*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Nack(ctx, leased.ID))

	reLeased, err := s.Lease(ctx, "proxy_queue", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reLeased.AttemptCount)
}

func TestDeadLetterMovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, env))
	require.NoError(t, s.DeadLetter(ctx, env.ID, "max_attempts_exceeded"))

	n, err := s.PendingCount(ctx, "proxy_queue")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	records, err := s.ListDeadLetters(ctx, "proxy_queue", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "max_attempts_exceeded", records[0].Reason)
}

func TestHeartbeatExtendsLeaseAndDetectsTheft(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, env))
	leased, err := s.Lease(ctx, "proxy_queue", 1*time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(ctx, leased.ID, leased.LeaseID, 60*time.Second))
	assert.ErrorIs(t, s.Heartbeat(ctx, leased.ID, "not-the-real-lease-id", 60*time.Second), ErrLeaseNotHeld)
}

func TestHasProcessedMarkProcessed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.HasProcessed(ctx, "proxy", "msg-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkProcessed(ctx, "proxy", "msg-1"))
	require.NoError(t, s.MarkProcessed(ctx, "proxy", "msg-1")) // insert-if-absent, no error on repeat

	ok, err = s.HasProcessed(ctx, "proxy", "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequeueExpiredClearsOnlyExpiredLeases(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expiring := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T1")
	require.NoError(t, s.Enqueue(ctx, expiring))
	_, err := s.Lease(ctx, "proxy_queue", -1*time.Second) // already expired
	require.NoError(t, err)

	fresh := newTestEnvelope(t, "proxy_queue", bus.KindUserMessage, "T2")
	require.NoError(t, s.Enqueue(ctx, fresh))
	_, err = s.LeaseFiltered(ctx, "proxy_queue", "T2", bus.KindUserMessage, 60*time.Second)
	require.NoError(t, err)

	n, err := s.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	leased, err := s.Lease(ctx, "proxy_queue", 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, expiring.ID, leased.ID)
}
