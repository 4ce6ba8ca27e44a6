// Package workitem implements the Work-Item Executor from spec §4.8: per
// item, verify the approval token, evaluate gates, run the attempt loop
// (execute, verify, retry-or-cascade), and emit a final execution_status.
//
// Grounded on tarsy's pkg/queue/executor.go's executeStage, which runs a
// single stage, checks its result, and decides retry vs. advance; this
// package generalizes that shape to the spec's approval/gate/verify loop
// over an arbitrary executor backend.
package workitem

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomrun/loom/internal/approval"
	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/verification"
)

// Backend runs one attempt of a work item's declared executor type
// (shell|python|skill) and returns the artifacts root directory it
// populated. Concrete backends compose the Agent and SandboxManager seams;
// neither is implemented in this package since both are out-of-scope
// collaborators per spec §1.
type Backend interface {
	Run(ctx context.Context, item bus.WorkItem, attempt int) (artifactsRoot string, err error)
}

// GateEvaluator decides the outcome of one gate check for a work item.
// Gate policy logic (what makes a tool call or step require approval) is
// not specified by spec.md beyond the three-way decision; it is an
// injected capability so callers can back it with the channel seam or a
// static policy table.
type GateEvaluator interface {
	Evaluate(ctx context.Context, gate bus.Gate, item bus.WorkItem) (bus.GateDecision, error)
}

// PermissiveGates evaluates every gate as continue. Gate policy logic
// beyond the three-way decision is not specified by spec.md; this is the
// trivial default for wiring where no richer policy is configured.
type PermissiveGates struct{}

func (PermissiveGates) Evaluate(ctx context.Context, gate bus.Gate, item bus.WorkItem) (bus.GateDecision, error) {
	return bus.GateContinue, nil
}

// Cascade is invoked when attempts are exhausted without a pass; it mirrors
// the self-healing cascade of spec §4.7.1 and is supplied by the executor
// consumer wiring (internal/consult + internal/replan), since the cascade
// itself needs the store/router to reach the planner.
type Cascade interface {
	Run(ctx context.Context, item bus.WorkItem, failureHistory []string) (status bus.ExecutionStatus, escalated bool)
}

// Executor runs the per-item gate/approval/run/verify loop.
type Executor struct {
	Verifier           approval.Verifier
	Gates              GateEvaluator
	Backend            Backend
	VerificationRunner verification.Runner
	Cascade            Cascade
	logger             *slog.Logger
}

// New constructs an Executor.
func New(verifier approval.Verifier, gates GateEvaluator, backend Backend, verRunner verification.Runner, cascade Cascade) *Executor {
	return &Executor{
		Verifier:           verifier,
		Gates:              gates,
		Backend:            backend,
		VerificationRunner: verRunner,
		Cascade:            cascade,
		logger:             slog.Default().With("component", "workitem-executor"),
	}
}

// Outcome is the final result of running one work item.
type Outcome struct {
	Status    bus.ExecutionStatus
	Escalated bool
	Reason    string
}

// Run executes item through the full spec §4.8 loop.
func (e *Executor) Run(ctx context.Context, item bus.WorkItem) Outcome {
	logger := e.logger.With("work_item_id", item.ID)

	if res := e.Verifier.Check(item.ApprovalToken, item); !res.OK {
		logger.Warn("approval check failed", "reason", res.Reason)
		return Outcome{Status: bus.StatusBlocked, Reason: res.Reason}
	}

	for _, gate := range item.Gates {
		if gate.Trigger != bus.GateOnToolCall {
			continue
		}
		decision, err := e.Gates.Evaluate(ctx, gate, item)
		if err != nil {
			return Outcome{Status: bus.StatusBlocked, Reason: fmt.Sprintf("gate %q evaluation error: %v", gate.Name, err)}
		}
		if decision == bus.GateBlock {
			return Outcome{Status: bus.StatusBlocked, Reason: fmt.Sprintf("gate %q blocked", gate.Name)}
		}
	}

	var failureHistory []string
	used := bus.BudgetUsed{}
	for used.Attempts < item.Budget.MaxAttempts && !used.Exceeds(item.Budget) {
		used.Attempts++
		used.ExecutorRuns++

		artifactsRoot, runErr := e.Backend.Run(ctx, item, used.Attempts)
		if runErr != nil {
			failureHistory = append(failureHistory, runErr.Error())
			logger.Warn("executor run failed", "attempt", used.Attempts, "error", runErr)
			continue
		}

		result, verErr := e.VerificationRunner.Run(ctx, item, artifactsRoot)
		if verErr != nil {
			failureHistory = append(failureHistory, verErr.Error())
			continue
		}
		if result.Pass {
			return Outcome{Status: bus.StatusDone}
		}

		for _, f := range result.Fails {
			failureHistory = append(failureHistory, fmt.Sprintf("%s: %s", f.CheckName, f.Detail))
		}

		blocked, reason := e.evaluateAfterStepGates(ctx, item)
		if blocked {
			return Outcome{Status: bus.StatusBlocked, Reason: reason}
		}
	}

	if used.Exceeds(item.Budget) && used.Attempts < item.Budget.MaxAttempts {
		return Outcome{Status: bus.StatusStuck, Reason: "budget exceeded before attempts exhausted"}
	}

	if e.Cascade != nil {
		status, escalated := e.Cascade.Run(ctx, item, failureHistory)
		return Outcome{Status: status, Escalated: escalated}
	}
	return Outcome{Status: bus.StatusVerificationFailed, Reason: "attempts exhausted"}
}

func (e *Executor) evaluateAfterStepGates(ctx context.Context, item bus.WorkItem) (blocked bool, reason string) {
	for _, gate := range item.Gates {
		if gate.Trigger != bus.GateAfterStep {
			continue
		}
		decision, err := e.Gates.Evaluate(ctx, gate, item)
		if err != nil {
			return true, fmt.Sprintf("gate %q evaluation error: %v", gate.Name, err)
		}
		if decision == bus.GateBlock {
			return true, fmt.Sprintf("gate %q blocked", gate.Name)
		}
	}
	return false, ""
}
