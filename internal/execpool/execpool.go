// Package execpool implements the Executor Pool from spec §4.9: a
// concurrency gate with per-scope and global semaphores, conflict
// detection over input_artifacts_from path overlap, wave scheduling, and
// priority ordering.
//
// Grounded on tarsy's pkg/queue/pool.go for pool lifecycle (Start/Stop,
// cancel-function registry) and pkg/agent/orchestrator/runner.go's
// reserved-slot concurrency-limit pattern, generalized from a single
// global cap to the spec's dual per-scope/global semaphore model.
package execpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/loomrun/loom/internal/bus"
)

// Priority orders tasks in the pool's waiting queue; lower values run
// first. Ties broken by submission order.
type Priority int

const (
	PriorityApprovedExecution Priority = 0
	PriorityResearch          Priority = 1
	PriorityStatus            Priority = 2
)

// Task is one unit of work submitted to the pool.
type Task struct {
	ID                 string
	ScopeID            string
	Priority           Priority
	InputArtifactsFrom []string
	Run                func(ctx context.Context) error

	submitSeq int
}

const (
	DefaultPerScopeCap = 8
	DefaultGlobalCap   = 16
)

// Pool is the concurrency gate described in spec §4.9.
type Pool struct {
	global    chan struct{}
	perScope  sync.Map // scope_id -> chan struct{}
	scopeCap  int

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	seq      int

	logger *slog.Logger
}

// New constructs a Pool with the given caps. A zero value for either cap
// falls back to the spec's documented default.
func New(perScopeCap, globalCap int) *Pool {
	if perScopeCap <= 0 {
		perScopeCap = DefaultPerScopeCap
	}
	if globalCap <= 0 {
		globalCap = DefaultGlobalCap
	}
	return &Pool{
		global:  make(chan struct{}, globalCap),
		scopeCap: perScopeCap,
		cancels: make(map[string]context.CancelFunc),
		logger:  slog.Default().With("component", "execpool"),
	}
}

func (p *Pool) scopeSem(scopeID string) chan struct{} {
	v, _ := p.perScope.LoadOrStore(scopeID, make(chan struct{}, p.scopeCap))
	return v.(chan struct{})
}

// conflicts reports whether two path sets overlap under prefix-match
// semantics: A conflicts with B if A == B, A is a filesystem-prefix of B,
// or vice versa.
func conflicts(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if pathOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func pathOverlap(a, b string) bool {
	a = strings.TrimSuffix(a, "/")
	b = strings.TrimSuffix(b, "/")
	if a == b {
		return true
	}
	return strings.HasPrefix(a+"/", b+"/") || strings.HasPrefix(b+"/", a+"/")
}

// buildSerializationGroups partitions wave into runnable batches: tasks in
// the same batch have pairwise-disjoint path sets and may run
// concurrently; a task overlapping an earlier task in the wave is placed
// in a later batch, after the earlier one.
func buildSerializationGroups(wave []Task) [][]Task {
	var groups [][]Task
	placed := make([]bool, len(wave))

	for i := range wave {
		if placed[i] {
			continue
		}
		group := []Task{wave[i]}
		placed[i] = true
		for j := i + 1; j < len(wave); j++ {
			if placed[j] {
				continue
			}
			overlapsGroup := false
			for _, t := range group {
				if conflicts(t.InputArtifactsFrom, wave[j].InputArtifactsFrom) {
					overlapsGroup = true
					break
				}
			}
			if !overlapsGroup {
				group = append(group, wave[j])
				placed[j] = true
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// RunWave dispatches wave's tasks respecting conflict detection (disjoint
// tasks run concurrently, overlapping tasks serialize earliest-submitted
// first) and priority ordering, acquiring both the per-scope and global
// semaphore for each task. It returns when every task in the wave has
// completed.
func (p *Pool) RunWave(ctx context.Context, wave []Task) []error {
	for i := range wave {
		p.mu.Lock()
		p.seq++
		wave[i].submitSeq = p.seq
		p.mu.Unlock()
	}
	sort.SliceStable(wave, func(i, j int) bool {
		if wave[i].Priority != wave[j].Priority {
			return wave[i].Priority < wave[j].Priority
		}
		return wave[i].submitSeq < wave[j].submitSeq
	})

	groups := buildSerializationGroups(wave)
	errs := make(map[string]error, len(wave))
	var errMu sync.Mutex

	// Conflicting tasks (different groups but same artifact prefix) must
	// serialize; tasks within a group are mutually disjoint and may run
	// concurrently. We run groups sequentially relative to each other only
	// where a later group's task actually conflicts with an earlier one —
	// since buildSerializationGroups already guarantees every pair across
	// groups sharing a task has been checked when forming each group, the
	// simplest correct schedule is: run all groups' tasks concurrently
	// except that any two tasks found to conflict never share a goroutine
	// window. We achieve this by running groups one at a time.
	for _, group := range groups {
		var wg sync.WaitGroup
		for _, task := range group {
			task := task
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := p.runOne(ctx, task)
				errMu.Lock()
				errs[task.ID] = err
				errMu.Unlock()
			}()
		}
		wg.Wait()
	}

	out := make([]error, len(wave))
	for i, t := range wave {
		out[i] = errs[t.ID]
	}
	return out
}

func (p *Pool) runOne(ctx context.Context, task Task) error {
	global := p.global
	scope := p.scopeSem(task.ScopeID)

	select {
	case scope <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-scope }()

	select {
	case global <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-global }()

	taskCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[task.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, task.ID)
		p.mu.Unlock()
		cancel()
	}()

	return task.Run(taskCtx)
}

// Cancel signals cancellation to a running task, if one is in flight under
// taskID. The task itself must observe its context's cancellation and
// treat it as a prompt failure with status failed, reason cancelled,
// per spec §4.9.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// CancelledStatus is the execution_status payload shape a cancelled task
// should emit, per spec §4.9.
func CancelledStatus(workItemID string) bus.ExecutionStatusPayload {
	return bus.ExecutionStatusPayload{
		WorkItemID: workItemID,
		Status:     bus.StatusFailed,
		Reason:     "cancelled",
	}
}

// BuildWaves topologically sorts items by DependsOn into independent
// waves, per spec §4.8's "_build_waves()". Returns an error if DependsOn
// contains a cycle or references an unknown item id.
func BuildWaves(items []bus.WorkItem) ([][]bus.WorkItem, error) {
	byID := make(map[string]bus.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	remaining := make(map[string]bus.WorkItem, len(items))
	for k, v := range byID {
		remaining[k] = v
	}

	var waves [][]bus.WorkItem
	done := make(map[string]bool)

	for len(remaining) > 0 {
		var wave []bus.WorkItem
		for id, item := range remaining {
			ready := true
			for _, dep := range item.DependsOn {
				if _, known := byID[dep]; !known {
					return nil, fmt.Errorf("execpool: work item %q depends_on unknown item %q", id, dep)
				}
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, item)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("execpool: depends_on cycle detected among remaining items")
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].ID < wave[j].ID })
		for _, it := range wave {
			done[it.ID] = true
			delete(remaining, it.ID)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
