// Package proxyconsumer wires the Base Consumer to the proxy_queue
// dispatch table from spec §4.4: route user messages to direct replies or
// planning, request approval on a plan, dispatch execution statuses to the
// channel's status surfaces, and pass informational kinds straight
// through.
//
// Grounded on tarsy's pkg/queue/worker.go dispatch-by-event-type switch,
// generalized from its fixed session-stage table to this package's
// per-kind handler map.
package proxyconsumer

import (
	"context"
	"fmt"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/channel"
	"github.com/loomrun/loom/internal/consumer"
	"github.com/loomrun/loom/internal/router"
)

// Store is the subset of the durable queue store this consumer's handlers
// depend on beyond what the base Consumer already leases/acks.
type Store interface {
	Enqueue(ctx context.Context, env *bus.Envelope) error
}

// Deps bundles the proxy consumer's collaborators.
type Deps struct {
	Store   Store
	Agents  agent.Factory
	Channel channel.Channel
}

// New builds the consumer.Config and dispatch table for proxy_queue.
func New(cfg consumer.Config, st consumer.Store, deps Deps) *consumer.Consumer {
	h := &handlers{deps: deps}
	cfg.ConsumerName = "proxy_consumer"
	cfg.QueueName = router.ProxyQueue
	cfg.HandledKinds = map[bus.Kind]bool{
		bus.KindUserMessage:     true,
		bus.KindPlanResult:      true,
		bus.KindExecutionStatus: true,
		bus.KindApprovalRequest: true,
		bus.KindSystemEvent:     true,
		// agent_response is routed here but reserved for the bridge; the
		// consumer must not claim it via its handled_kinds set, so
		// collect_response's lease_filtered calls are the only consumer of
		// agent_response messages on this queue.
	}
	return consumer.New(cfg, st, map[bus.Kind]consumer.Handler{
		bus.KindUserMessage:     h.handleUserMessage,
		bus.KindPlanResult:      h.handlePlanResult,
		bus.KindExecutionStatus: h.handleExecutionStatus,
		bus.KindApprovalRequest: h.handleApprovalRequest,
		bus.KindSystemEvent:     h.handleSystemEvent,
	})
}

type handlers struct {
	deps Deps
}

func (h *handlers) proxyAgent() (agent.Agent, error) {
	return h.deps.Agents.Agent(agent.KindProxy)
}

func (h *handlers) handleUserMessage(ctx context.Context, env *bus.Envelope) error {
	var payload bus.UserMessagePayload
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("proxyconsumer: decode user_message: %w", err)
	}

	ag, err := h.proxyAgent()
	if err != nil {
		return fmt.Errorf("proxyconsumer: resolve proxy agent: %w", err)
	}

	toolset, _ := consumer.AllowlistFromContext(ctx)
	result, err := ag.Invoke(ctx, payload.Text, toolset, agent.Options{})
	if err != nil {
		return fmt.Errorf("proxyconsumer: invoke proxy agent: %w", err)
	}

	if result.RouteDecision == "planner" {
		out, err := router.Build(bus.KindPlanRequest, bus.SenderProxy, env.TraceID, bus.PlanRequestPayload{
			Description: payload.Text,
			Metadata:    payload.Metadata,
		})
		if err != nil {
			return fmt.Errorf("proxyconsumer: build plan_request: %w", err)
		}
		return h.deps.Store.Enqueue(ctx, out)
	}

	out, err := router.Build(bus.KindAgentResponse, bus.SenderProxy, env.TraceID, bus.AgentResponsePayload{
		Text: result.Text,
	})
	if err != nil {
		return fmt.Errorf("proxyconsumer: build agent_response: %w", err)
	}
	return h.deps.Store.Enqueue(ctx, out)
}

func (h *handlers) handlePlanResult(ctx context.Context, env *bus.Envelope) error {
	var payload struct {
		Summary   string         `json:"summary"`
		WorkItems []bus.WorkItem `json:"work_items"`
		Declined  bool           `json:"declined,omitempty"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("proxyconsumer: decode plan_result: %w", err)
	}

	if payload.Declined || len(payload.WorkItems) == 0 {
		out, err := router.Build(bus.KindAgentResponse, bus.SenderProxy, env.TraceID, bus.AgentResponsePayload{
			Text:   "plan declined or empty",
			Status: "declined",
		})
		if err != nil {
			return fmt.Errorf("proxyconsumer: build declined agent_response: %w", err)
		}
		return h.deps.Store.Enqueue(ctx, out)
	}

	var first bus.WorkItem
	if len(payload.WorkItems) > 0 {
		first = payload.WorkItems[0]
	}
	decision, err := h.deps.Channel.RequestApproval(ctx, first, payload.Summary)
	if err != nil {
		return fmt.Errorf("proxyconsumer: request approval: %w", err)
	}

	if !decision.Approved {
		out, err := router.Build(bus.KindAgentResponse, bus.SenderProxy, env.TraceID, bus.AgentResponsePayload{
			Text:   "plan declined by approver",
			Status: "declined",
		})
		if err != nil {
			return fmt.Errorf("proxyconsumer: build declined agent_response: %w", err)
		}
		return h.deps.Store.Enqueue(ctx, out)
	}

	for i := range payload.WorkItems {
		payload.WorkItems[i].ApprovalToken = decision.ApprovalToken
	}
	out, err := router.Build(bus.KindExecutionRequest, bus.SenderProxy, env.TraceID, bus.ExecutionRequestPayload{
		WorkItems: payload.WorkItems,
	})
	if err != nil {
		return fmt.Errorf("proxyconsumer: build execution_request: %w", err)
	}
	return h.deps.Store.Enqueue(ctx, out)
}

func (h *handlers) handleExecutionStatus(ctx context.Context, env *bus.Envelope) error {
	var payload bus.ExecutionStatusPayload
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("proxyconsumer: decode execution_status: %w", err)
	}
	surfaces := channel.SurfacesFor(payload.Status)
	return h.deps.Channel.RouteStatus(ctx, env.TraceID, payload.Status, surfaces, payload.Detail)
}

func (h *handlers) handleApprovalRequest(ctx context.Context, env *bus.Envelope) error {
	var payload map[string]any
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("proxyconsumer: decode approval_request: %w", err)
	}
	return h.deps.Channel.RenderCard(ctx, env.TraceID, payload)
}

func (h *handlers) handleSystemEvent(ctx context.Context, env *bus.Envelope) error {
	var payload map[string]any
	if err := env.DecodePayload(&payload); err != nil {
		return fmt.Errorf("proxyconsumer: decode system_event: %w", err)
	}
	return h.deps.Channel.RenderCard(ctx, env.TraceID, payload)
}
