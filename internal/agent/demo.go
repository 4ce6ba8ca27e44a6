package agent

import (
	"context"
	"fmt"
)

// EchoAgent is a minimal stand-in Agent used by cmd/loom when no real
// model-backed agent is configured. It always routes user_messages
// direct (never to the planner), never emits research intents or work
// items, and simply echoes its prompt back. Concrete agent
// implementations are explicitly out of scope (spec §1); this exists
// only so the demo entrypoint has something to invoke.
type EchoAgent struct {
	Kind Kind
}

func (a EchoAgent) Invoke(ctx context.Context, prompt string, toolset []string, opts Options) (Result, error) {
	prefix := "echo"
	if opts.ResearchMode {
		prefix = "research-echo"
	}
	return Result{
		Text:          fmt.Sprintf("[%s:%s] %s", prefix, a.Kind, prompt),
		RouteDecision: "direct",
	}, nil
}

// EchoFactory resolves an EchoAgent for every kind.
type EchoFactory struct{}

func (EchoFactory) Agent(kind Kind) (Agent, error) {
	return EchoAgent{Kind: kind}, nil
}
