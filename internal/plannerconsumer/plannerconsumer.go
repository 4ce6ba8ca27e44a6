// Package plannerconsumer wires the Base Consumer to the planner_queue
// dispatch table from spec §4.5: run the planner agent, dispatch research
// intents through the per-trace Research State Machine (§4.6), fold back
// research_result messages, and handle replan_request with full failure
// history.
//
// Grounded on tarsy's pkg/agent/controller.go's iterate-with-tool-calls
// loop, generalized here to the research dispatch/await/finalize
// sub-protocol instead of a single synchronous tool round-trip, since a
// research_result arrives as a separate queue message rather than an
// inline tool response.
package plannerconsumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/consumer"
	"github.com/loomrun/loom/internal/research"
	"github.com/loomrun/loom/internal/router"
)

// Store is the subset of the durable queue store this consumer's handlers
// depend on beyond what the base Consumer already leases/acks.
type Store interface {
	Enqueue(ctx context.Context, env *bus.Envelope) error
}

// Deps bundles the planner consumer's collaborators.
type Deps struct {
	Store    Store
	Agents   agent.Factory
	Research *research.Registry
}

// New builds the consumer.Config and dispatch table for planner_queue.
func New(cfg consumer.Config, st consumer.Store, deps Deps) *consumer.Consumer {
	h := &handlers{deps: deps}
	cfg.ConsumerName = "planner_consumer"
	cfg.QueueName = router.PlannerQueue
	cfg.HandledKinds = map[bus.Kind]bool{
		bus.KindPlanRequest:    true,
		bus.KindResearchResult: true,
		bus.KindReplanRequest:  true,
	}
	return consumer.New(cfg, st, map[bus.Kind]consumer.Handler{
		bus.KindPlanRequest:    h.handlePlanRequest,
		bus.KindResearchResult: h.handleResearchResult,
		bus.KindReplanRequest:  h.handleReplanRequest,
	})
}

type handlers struct {
	deps Deps
}

func (h *handlers) plannerAgent() (agent.Agent, error) {
	return h.deps.Agents.Agent(agent.KindPlanner)
}

// handlePlanRequest covers both the ordinary planning path and the
// consult path (payload.Consult=true), which spec §4.7.1 step 1 uses to
// ask for guidance without touching the research sub-protocol at all.
func (h *handlers) handlePlanRequest(ctx context.Context, env *bus.Envelope) error {
	var payload bus.PlanRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("plannerconsumer: decode plan_request: %w", err)
	}

	ag, err := h.plannerAgent()
	if err != nil {
		return fmt.Errorf("plannerconsumer: resolve planner agent: %w", err)
	}

	if payload.Consult {
		result, err := ag.Invoke(ctx, "CONSULT: "+payload.Description, nil, agent.Options{})
		if err != nil {
			return fmt.Errorf("plannerconsumer: invoke planner for consult: %w", err)
		}
		out, err := router.Build(bus.KindPlannerGuidance, bus.SenderPlanner, env.TraceID, map[string]any{
			"text": result.Text,
		})
		if err != nil {
			return fmt.Errorf("plannerconsumer: build planner_guidance: %w", err)
		}
		return h.deps.Store.Enqueue(ctx, out)
	}

	sm := h.deps.Research.Get(env.TraceID)
	sm.ResetForReplan()

	result, err := ag.Invoke(ctx, payload.Description, nil, agent.Options{})
	if err != nil {
		return fmt.Errorf("plannerconsumer: invoke planner: %w", err)
	}

	if len(result.ResearchIntents) > 0 {
		return h.dispatchResearch(ctx, env.TraceID, sm, result.ResearchIntents)
	}

	return h.emitPlanResult(ctx, env.TraceID, result, false, false)
}

func (h *handlers) dispatchResearch(ctx context.Context, traceID string, sm *research.Machine, intents []agent.ResearchIntent) error {
	queries := make([]research.Query, len(intents))
	for i, in := range intents {
		queries[i] = research.Query{Text: in.Query, ReturnFormat: in.ReturnFormat, MaxTokens: in.MaxTokens}
	}

	dispatched := sm.Dispatch(func() string { return newID(traceID) }, queries)
	for _, d := range dispatched {
		if d.Reused {
			continue
		}
		out, err := router.Build(bus.KindResearchRequest, bus.SenderPlanner, traceID, map[string]any{
			"request_id":    d.RequestID,
			"query":         d.Query.Text,
			"return_format": d.Query.ReturnFormat,
			"max_tokens":    d.Query.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("plannerconsumer: build research_request: %w", err)
		}
		out.ID = d.RequestID
		if err := h.deps.Store.Enqueue(ctx, out); err != nil {
			return fmt.Errorf("plannerconsumer: enqueue research_request: %w", err)
		}
	}
	return nil
}

func (h *handlers) handleResearchResult(ctx context.Context, env *bus.Envelope) error {
	var payload struct {
		RequestID string          `json:"request_id"`
		Result    json.RawMessage `json:"result"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("plannerconsumer: decode research_result: %w", err)
	}

	sm := h.deps.Research.Get(env.TraceID)
	sm.ResultArrived(env.ID, payload.RequestID, payload.Result)
	sm.Tick(time.Now().UTC())

	switch sm.State() {
	case research.StateReadyToFinalize, research.StateExpired:
		ag, err := h.plannerAgent()
		if err != nil {
			return fmt.Errorf("plannerconsumer: resolve planner agent: %w", err)
		}
		result, err := ag.Invoke(ctx, "finalize plan with research context", nil, agent.Options{})
		if err != nil {
			return fmt.Errorf("plannerconsumer: invoke planner to finalize: %w", err)
		}
		return h.emitPlanResult(ctx, env.TraceID, result, false, sm.PartialResearch())
	default:
		return nil
	}
}

func (h *handlers) handleReplanRequest(ctx context.Context, env *bus.Envelope) error {
	var payload bus.PlanRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("plannerconsumer: decode replan_request: %w", err)
	}

	ag, err := h.plannerAgent()
	if err != nil {
		return fmt.Errorf("plannerconsumer: resolve planner agent: %w", err)
	}

	prompt := "REPLAN with an alternative strategy. Prior failures:\n"
	for _, f := range payload.FailureHistory {
		prompt += "- " + f + "\n"
	}
	result, err := ag.Invoke(ctx, prompt, nil, agent.Options{})
	if err != nil {
		return fmt.Errorf("plannerconsumer: invoke planner for replan: %w", err)
	}

	return h.emitPlanResult(ctx, env.TraceID, result, true, false)
}

func (h *handlers) emitPlanResult(ctx context.Context, traceID string, result agent.Result, isReplan, partialResearch bool) error {
	body := map[string]any{
		"summary":          result.Text,
		"work_items":       result.WorkItems,
		"is_replan":        isReplan,
		"partial_research": partialResearch,
	}
	out, err := router.Build(bus.KindPlanResult, bus.SenderPlanner, traceID, body)
	if err != nil {
		return fmt.Errorf("plannerconsumer: build plan_result: %w", err)
	}
	return h.deps.Store.Enqueue(ctx, out)
}

func newID(traceID string) string {
	env, _ := bus.New(bus.KindResearchRequest, bus.SenderPlanner, traceID, nil)
	return env.ID
}
