// Package selfheal implements the self-healing cascade from spec §4.7.1:
// consult the planner, retry once with its guidance, replan up to depth 2,
// then escalate. It is shared by the executor consumer's direct-agent path
// (execution_request without a work item) and by internal/workitem's
// Executor, which invokes it as its Cascade collaborator once a work
// item's attempts are exhausted.
//
// Grounded on spec §9's cyclic-reference note: this package never holds a
// reference to the planner consumer, only to internal/consult and
// internal/replan, which themselves only depend on the store — breaking
// the executor/planner cycle through store-mediated messaging.
package selfheal

import (
	"context"
	"fmt"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/consult"
	"github.com/loomrun/loom/internal/replan"
)

// Retry is the single capability the cascade needs to re-attempt work: run
// one more attempt, optionally with guidance appended to the prompt, and
// report whether it ultimately passed.
type Retry func(ctx context.Context, guidance string) (ok bool, failureDetail string, err error)

// Cascade runs the four-step self-healing sequence and reports budget
// consumed on the plan side (consult + replan), kept separate from the
// work-item's own execution budget per spec §4.7.1's budget-attribution
// rule.
type Cascade struct {
	Consult *consult.Manager
	Replan  *replan.Manager
	// PlannerBudget counts, in PlannerCalls, the consult and replan
	// requests made, attributed to the plan rather than the work item.
	// Tokens and wall time of those requests are not recorded.
	PlannerBudget bus.BudgetUsed
}

// New constructs a Cascade.
func New(consultMgr *consult.Manager, replanMgr *replan.Manager) *Cascade {
	return &Cascade{Consult: consultMgr, Replan: replanMgr}
}

// RunWithRetry executes the cascade for one failing trace/work item. retry is
// called for the guided-retry step (step 2); failureHistory seeds the
// replan request (step 3) if guided retry also fails.
func (c *Cascade) RunWithRetry(ctx context.Context, traceID string, failureHistory []string, retry Retry) (status bus.ExecutionStatus, escalated bool) {
	desc := "failure"
	if len(failureHistory) > 0 {
		desc = failureHistory[len(failureHistory)-1]
	}

	guidance, ok, err := c.Consult.RequestGuidance(ctx, traceID, desc)
	if err == nil && ok {
		c.PlannerBudget.PlannerCalls++
		passed, detail, retryErr := retry(ctx, guidance.Text)
		if retryErr == nil && passed {
			return bus.StatusDone, false
		}
		if detail != "" {
			failureHistory = append(failureHistory, detail)
		}
	}

	sent, err := c.Replan.Request(ctx, traceID, failureHistory)
	if err == nil && sent {
		c.PlannerBudget.PlannerCalls++
	}

	return bus.StatusFailed, true
}

// Run adapts RunWithRetry to internal/workitem.Cascade's interface for
// work items that have no bound retry closure of their own; it always
// escalates after consult+replan since the work item's own attempt loop
// (internal/workitem.Executor) already exhausted its retries before
// invoking the cascade.
func (c *Cascade) Run(ctx context.Context, item bus.WorkItem, failureHistory []string) (bus.ExecutionStatus, bool) {
	return c.RunWithRetry(ctx, item.ID, failureHistory, func(ctx context.Context, guidance string) (bool, string, error) {
		return false, fmt.Sprintf("guided retry not wired for work item %s", item.ID), nil
	})
}

// AgentRetry builds a Retry closure that re-invokes ag once with guidance
// appended to prompt, used by the executor consumer's direct-agent path
// (no work item, spec §4.7 first row).
func AgentRetry(ag agent.Agent, prompt string, toolset []string, opts agent.Options) Retry {
	return func(ctx context.Context, guidance string) (bool, string, error) {
		fullPrompt := prompt
		if guidance != "" {
			fullPrompt = prompt + "\n\nPLANNER GUIDANCE:\n" + guidance
		}
		res, err := ag.Invoke(ctx, fullPrompt, toolset, opts)
		if err != nil {
			return false, err.Error(), err
		}
		if res.Err != nil {
			return false, res.Err.Error(), nil
		}
		return true, "", nil
	}
}
