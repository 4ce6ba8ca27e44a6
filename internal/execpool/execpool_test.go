package execpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/bus"
)

func TestConflictingTasksSerializeDisjointRunConcurrently(t *testing.T) {
	p := New(DefaultPerScopeCap, DefaultGlobalCap)

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	var aRunning int32
	var cOverlappedA bool

	wave := []Task{
		{ID: "A", ScopeID: "s", InputArtifactsFrom: []string{"build/"}, Run: func(ctx context.Context) error {
			record("A-start")
			atomic.StoreInt32(&aRunning, 1)
			time.Sleep(30 * time.Millisecond)
			atomic.StoreInt32(&aRunning, 0)
			record("A-end")
			return nil
		}},
		{ID: "B", ScopeID: "s", InputArtifactsFrom: []string{"build/"}, Run: func(ctx context.Context) error {
			record("B-start")
			record("B-end")
			return nil
		}},
		{ID: "C", ScopeID: "s", InputArtifactsFrom: []string{"docs/"}, Run: func(ctx context.Context) error {
			if atomic.LoadInt32(&aRunning) == 1 {
				cOverlappedA = true
			}
			record("C-start")
			record("C-end")
			return nil
		}},
	}

	errs := p.RunWave(context.Background(), wave)
	for _, err := range errs {
		assert.NoError(t, err)
	}

	assert.True(t, cOverlappedA, "C (disjoint artifacts) should run concurrently with A")

	aEndIdx, bStartIdx := -1, -1
	for i, e := range events {
		if e == "A-end" {
			aEndIdx = i
		}
		if e == "B-start" {
			bStartIdx = i
		}
	}
	require.NotEqual(t, -1, aEndIdx)
	require.NotEqual(t, -1, bStartIdx)
	assert.Less(t, aEndIdx, bStartIdx, "B must not start before A (overlapping artifacts) completes")
}

func TestPerScopeCapLimitsConcurrency(t *testing.T) {
	p := New(1, DefaultGlobalCap)

	var concurrent int32
	var maxConcurrent int32
	wave := make([]Task, 5)
	for i := range wave {
		wave[i] = Task{ID: string(rune('a' + i)), ScopeID: "same-scope", Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return nil
		}}
	}

	p.RunWave(context.Background(), wave)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "per-scope cap of 1 must serialize same-scope tasks")
}

func TestCancelSignalsRunningTask(t *testing.T) {
	p := New(DefaultPerScopeCap, DefaultGlobalCap)
	started := make(chan struct{})
	var cancelledObserved int32

	wave := []Task{{ID: "cancel-me", ScopeID: "s", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&cancelledObserved, 1)
		return ctx.Err()
	}}}

	done := make(chan []error, 1)
	go func() { done <- p.RunWave(context.Background(), wave) }()

	<-started
	assert.True(t, p.Cancel("cancel-me"))
	errs := <-done
	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelledObserved))
}

func TestBuildWavesTopologicalOrder(t *testing.T) {
	items := []bus.WorkItem{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	waves, err := BuildWaves(items)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, "a", waves[0][0].ID)
	assert.Equal(t, "b", waves[1][0].ID)
	assert.Equal(t, "c", waves[2][0].ID)
}

func TestBuildWavesDetectsCycle(t *testing.T) {
	items := []bus.WorkItem{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	_, err := BuildWaves(items)
	assert.Error(t, err)
}
