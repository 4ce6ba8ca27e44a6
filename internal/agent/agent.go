// Package agent defines the abstract invocation capability spec §6 calls
// the Agent seam. Concrete agent implementations and language-model
// clients are explicitly out of scope (spec §1); this package holds only
// the interface and the shared result/usage shapes the core reasons about.
//
// Grounded on tarsy's pkg/agent/agent.go (Agent interface, ExecutionStatus,
// ExecutionResult, TokenUsage) and pkg/agent/factory.go (construction by
// kind), generalized from a session-bound Execute method to the spec's
// invoke(prompt, toolset, options) capability.
package agent

import (
	"context"

	"github.com/loomrun/loom/internal/bus"
)

// Options carries per-invocation tuning the caller may set.
type Options struct {
	MaxTokens   int
	Temperature float64
	// ResearchMode marks a research-mode invocation (spec §4.7). The
	// executor consumer sets it when handling research_request messages,
	// and prefixes the prompt with the RESEARCH MODE marker itself.
	ResearchMode bool
}

// Result is the structured output of one invocation.
type Result struct {
	Text   string
	Tokens TokenUsage
	// RouteDecision is populated by the proxy agent: "planner" or "direct".
	RouteDecision string
	// ResearchIntents is populated by the planner agent when it wants
	// research performed before finalizing a plan.
	ResearchIntents []ResearchIntent
	// WorkItems is populated by the planner agent once it has a concrete
	// plan ready, carried onward in the plan_result envelope.
	WorkItems []bus.WorkItem
	Err       error
}

// TokenUsage mirrors tarsy's pkg/agent token accounting shape.
type TokenUsage struct {
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	ThinkingTokens int
}

// ResearchIntent is one research query a planner wants answered before it
// can finalize a plan; see spec §4.6.
type ResearchIntent struct {
	Query        string
	ReturnFormat string
	MaxTokens    int
}

// Agent is the single capability the core needs from any agent kind.
type Agent interface {
	Invoke(ctx context.Context, prompt string, toolset []string, opts Options) (Result, error)
}

// Kind names which role an Agent instance plays, for factory lookup.
type Kind string

const (
	KindProxy    Kind = "proxy"
	KindPlanner  Kind = "planner"
	KindExecutor Kind = "executor"
)

// Factory resolves an Agent implementation by kind. The concrete
// implementations backing a Factory are out of scope collaborators.
type Factory interface {
	Agent(kind Kind) (Agent, error)
}
