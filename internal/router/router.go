// Package router provides the single static mapping from message kind to
// destination queue name described in spec §4.2.
package router

import (
	"fmt"

	"github.com/loomrun/loom/internal/bus"
)

const (
	ProxyQueue    = "proxy_queue"
	PlannerQueue  = "planner_queue"
	ExecutorQueue = "executor_queue"
	RuntimeQueue  = "runtime_queue"
)

var routes = map[bus.Kind]string{
	bus.KindUserMessage:      ProxyQueue,
	bus.KindAgentResponse:    ProxyQueue,
	bus.KindPlanRequest:      PlannerQueue,
	bus.KindPlanResult:       ProxyQueue,
	bus.KindExecutionRequest: ExecutorQueue,
	bus.KindExecutionStatus:  ProxyQueue,
	bus.KindResearchRequest:  ExecutorQueue,
	bus.KindResearchResult:   PlannerQueue,
	bus.KindPlannerGuidance:  RuntimeQueue,
	bus.KindReplanRequest:    PlannerQueue,
	bus.KindApprovalRequest:  ProxyQueue,
	bus.KindApprovalResult:   RuntimeQueue,
	bus.KindSystemEvent:      ProxyQueue,
}

// Route returns the destination queue for kind, or an error if kind is not
// in the closed set.
func Route(kind bus.Kind) (string, error) {
	q, ok := routes[kind]
	if !ok {
		return "", fmt.Errorf("router: unknown message kind %q", kind)
	}
	return q, nil
}

// Stamp sets env.QueueName from its Kind, overwriting any prior value.
func Stamp(env *bus.Envelope) error {
	q, err := Route(env.Kind)
	if err != nil {
		return err
	}
	env.QueueName = q
	return nil
}

// Build constructs a new envelope via bus.New and stamps its destination
// queue in one step, the shape every consumer's outgoing-message helper
// needs before calling store.Enqueue.
func Build(kind bus.Kind, sender bus.Sender, traceID string, payload any) (*bus.Envelope, error) {
	env, err := bus.New(kind, sender, traceID, payload)
	if err != nil {
		return nil, err
	}
	if err := Stamp(env); err != nil {
		return nil, err
	}
	return env, nil
}
