// Package executorconsumer wires the Base Consumer to the executor_queue
// dispatch table from spec §4.7: run execution_request either through the
// Work-Item Executor (when work items and its collaborators are wired) or
// directly through the executor agent followed by the self-healing
// cascade, and run research_request in research mode with the tool
// allowlist clamped.
//
// Grounded on tarsy's pkg/queue/executor.go's stage-dispatch-then-verify
// loop, split here into the work-item path (internal/workitem) and the
// direct-agent path (internal/selfheal), matching spec §4.7's own
// either/or structure.
package executorconsumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/consumer"
	"github.com/loomrun/loom/internal/execpool"
	"github.com/loomrun/loom/internal/router"
	"github.com/loomrun/loom/internal/runner"
	"github.com/loomrun/loom/internal/selfheal"
	"github.com/loomrun/loom/internal/workitem"
)

// Store is the subset of the durable queue store this consumer's handlers
// depend on beyond what the base Consumer already leases/acks.
type Store interface {
	Enqueue(ctx context.Context, env *bus.Envelope) error
}

// Deps bundles the executor consumer's collaborators. WorkItemExec may
// be nil, in which case every execution_request is run through the
// direct-agent path, per spec §4.7's "otherwise" clause.
type Deps struct {
	Store        Store
	Agents       agent.Factory
	Pool         *execpool.Pool
	WorkItemExec *workitem.Executor
	Cascade      *selfheal.Cascade
}

// New builds the consumer.Config and dispatch table for executor_queue.
func New(cfg consumer.Config, st consumer.Store, deps Deps) *consumer.Consumer {
	h := &handlers{deps: deps}
	cfg.ConsumerName = "executor_consumer"
	cfg.QueueName = router.ExecutorQueue
	cfg.HandledKinds = map[bus.Kind]bool{
		bus.KindExecutionRequest: true,
		bus.KindResearchRequest:  true,
	}
	return consumer.New(cfg, st, map[bus.Kind]consumer.Handler{
		bus.KindExecutionRequest: h.handleExecutionRequest,
		bus.KindResearchRequest:  h.handleResearchRequest,
	})
}

type handlers struct {
	deps Deps
}

func (h *handlers) executorAgent() (agent.Agent, error) {
	return h.deps.Agents.Agent(agent.KindExecutor)
}

func (h *handlers) handleExecutionRequest(ctx context.Context, env *bus.Envelope) error {
	var payload bus.ExecutionRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("executorconsumer: decode execution_request: %w", err)
	}

	if len(payload.WorkItems) > 0 && h.deps.WorkItemExec != nil {
		return h.runWorkItems(ctx, env.TraceID, payload.WorkItems)
	}
	return h.runDirect(ctx, env)
}

// maxAttempts returns the Runner-level attempt cap for item's on_failure
// policy (spec §4.10): its own declared budget, or 1 if unset.
func maxAttempts(item bus.WorkItem) int {
	if item.Budget.MaxAttempts < 1 {
		return 1
	}
	return item.Budget.MaxAttempts
}

// runWorkItems delegates to the Work-Item Executor (spec §4.8), scheduling
// dependency waves through the pool (spec §4.9). Each item's terminal
// outcome is also passed through the Runner's on_failure policy shell
// (spec §4.10), which wraps the Work-Item Executor as its invocation.
func (h *handlers) runWorkItems(ctx context.Context, traceID string, items []bus.WorkItem) error {
	waves, err := execpool.BuildWaves(items)
	if err != nil {
		return fmt.Errorf("executorconsumer: build waves: %w", err)
	}

	for _, wave := range waves {
		tasks := make([]execpool.Task, len(wave))
		outcomes := make([]workitem.Outcome, len(wave))
		for i, item := range wave {
			item := item
			idx := i
			tasks[i] = execpool.Task{
				ID:                 item.ID,
				ScopeID:            item.ScopeID,
				Priority:           execpool.PriorityApprovedExecution,
				InputArtifactsFrom: item.InputArtifactsFrom,
				Run: func(ctx context.Context) error {
					status, escalated, runErr := runner.Run(ctx, item.OnFailure, maxAttempts(item), func(ctx context.Context, attempt int) (bus.ExecutionStatus, bool, error) {
						outcomes[idx] = h.deps.WorkItemExec.Run(ctx, item)
						if outcomes[idx].Status != bus.StatusDone {
							return outcomes[idx].Status, outcomes[idx].Escalated, errors.New(outcomes[idx].Reason)
						}
						return outcomes[idx].Status, outcomes[idx].Escalated, nil
					}, nil)
					outcomes[idx].Status = status
					outcomes[idx].Escalated = escalated
					if status == bus.StatusFailed || status == bus.StatusStuck {
						if runErr != nil {
							return fmt.Errorf("work item %s: %w", item.ID, runErr)
						}
						return fmt.Errorf("work item %s: %s", item.ID, outcomes[idx].Reason)
					}
					return nil
				},
			}
		}

		errs := h.deps.Pool.RunWave(ctx, tasks)
		for i, item := range wave {
			status := outcomes[i].Status
			if status == "" {
				status = bus.StatusFailed
			}
			reason := outcomes[i].Reason
			if errs[i] != nil && reason == "" {
				reason = errs[i].Error()
			}
			out, buildErr := router.Build(bus.KindExecutionStatus, bus.SenderExecutor, traceID, bus.ExecutionStatusPayload{
				WorkItemID: item.ID,
				Status:     status,
				Escalated:  outcomes[i].Escalated,
				Reason:     reason,
			})
			if buildErr != nil {
				return fmt.Errorf("executorconsumer: build execution_status: %w", buildErr)
			}
			if err := h.deps.Store.Enqueue(ctx, out); err != nil {
				return fmt.Errorf("executorconsumer: enqueue execution_status: %w", err)
			}
		}
	}
	return nil
}

// runDirect invokes the executor agent without a structured work item,
// then runs the self-healing cascade on failure, per spec §4.7's
// "otherwise" clause and §4.7.1.
func (h *handlers) runDirect(ctx context.Context, env *bus.Envelope) error {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	_ = env.DecodePayload(&payload)

	ag, err := h.executorAgent()
	if err != nil {
		return fmt.Errorf("executorconsumer: resolve executor agent: %w", err)
	}

	toolset, _ := consumer.AllowlistFromContext(ctx)
	result, err := ag.Invoke(ctx, payload.Prompt, toolset, agent.Options{})

	status := bus.StatusDone
	var escalated bool
	var reason string

	if err != nil || result.Err != nil {
		if result.Err != nil {
			reason = result.Err.Error()
		} else {
			reason = err.Error()
		}
		if h.deps.Cascade != nil {
			retry := selfheal.AgentRetry(ag, payload.Prompt, toolset, agent.Options{})
			status, escalated = h.deps.Cascade.RunWithRetry(ctx, env.TraceID, []string{reason}, retry)
		} else {
			status = bus.StatusFailed
		}
	}

	out, buildErr := router.Build(bus.KindExecutionStatus, bus.SenderExecutor, env.TraceID, bus.ExecutionStatusPayload{
		WorkItemID: env.WorkItemID,
		Status:     status,
		Escalated:  escalated,
		Reason:     reason,
	})
	if buildErr != nil {
		return fmt.Errorf("executorconsumer: build execution_status: %w", buildErr)
	}
	return h.deps.Store.Enqueue(ctx, out)
}

func (h *handlers) handleResearchRequest(ctx context.Context, env *bus.Envelope) error {
	var payload struct {
		RequestID    string `json:"request_id"`
		Query        string `json:"query"`
		ReturnFormat string `json:"return_format"`
		MaxTokens    int    `json:"max_tokens"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("executorconsumer: decode research_request: %w", err)
	}

	ag, err := h.executorAgent()
	if err != nil {
		return fmt.Errorf("executorconsumer: resolve executor agent: %w", err)
	}

	toolset, _ := consumer.AllowlistFromContext(ctx)
	toolset = consumer.FilterToolset(toolset, consumer.ResearchToolAllowlist)

	prompt := "RESEARCH MODE\n" + payload.Query
	result, err := ag.Invoke(ctx, prompt, toolset, agent.Options{ResearchMode: true, MaxTokens: payload.MaxTokens})
	if err != nil {
		return fmt.Errorf("executorconsumer: invoke executor agent in research mode: %w", err)
	}

	out, err := router.Build(bus.KindResearchResult, bus.SenderExecutor, env.TraceID, map[string]any{
		"request_id": payload.RequestID,
		"result":     result.Text,
	})
	if err != nil {
		return fmt.Errorf("executorconsumer: build research_result: %w", err)
	}
	return h.deps.Store.Enqueue(ctx, out)
}
