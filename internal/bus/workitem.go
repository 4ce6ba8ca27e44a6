package bus

// ExecutorType names the execution backend a work item runs under.
type ExecutorType string

const (
	ExecutorShell  ExecutorType = "shell"
	ExecutorPython ExecutorType = "python"
	ExecutorSkill  ExecutorType = "skill"
)

// OnFailurePolicy is the closed set of failure-handling strategies a work
// item (or the Runner wrapping it) may declare.
type OnFailurePolicy string

const (
	OnFailureRetry    OnFailurePolicy = "retry"
	OnFailureReport   OnFailurePolicy = "report"
	OnFailureEscalate OnFailurePolicy = "escalate"
	OnFailurePause    OnFailurePolicy = "pause"
)

// GateTrigger names when a gate is evaluated.
type GateTrigger string

const (
	GateOnToolCall GateTrigger = "on_tool_call"
	GateAfterStep  GateTrigger = "after_step"
)

// GateDecision is the closed set of outcomes a gate evaluation may produce.
type GateDecision string

const (
	GateContinue        GateDecision = "continue"
	GateRequireApproval  GateDecision = "require_approval"
	GateBlock            GateDecision = "block"
)

// Gate is a single approval checkpoint attached to a work item.
type Gate struct {
	Trigger GateTrigger `json:"trigger"`
	Name    string      `json:"name"`
}

// VerificationCheck is a single deterministic post-execution predicate.
type VerificationCheck struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
}

// Budget bounds the resources a work item (or plan) may consume.
type Budget struct {
	MaxAttempts     int `json:"max_attempts"`
	MaxTokens       int `json:"max_tokens"`
	MaxWallSeconds  int `json:"max_wall_seconds"`
	MaxPlannerCalls int `json:"max_planner_calls"`
	MaxExecutorRuns int `json:"max_executor_runs"`
}

// BudgetUsed accumulates consumption along the same axes as Budget.
type BudgetUsed struct {
	Attempts     int `json:"attempts"`
	Tokens       int `json:"tokens"`
	WallSeconds  int `json:"wall_seconds"`
	PlannerCalls int `json:"planner_calls"`
	ExecutorRuns int `json:"executor_runs"`
}

// Exceeds reports whether any axis of u has reached or passed the
// corresponding axis of b.
func (u BudgetUsed) Exceeds(b Budget) bool {
	return u.Attempts >= b.MaxAttempts ||
		u.Tokens >= b.MaxTokens ||
		u.WallSeconds >= b.MaxWallSeconds ||
		u.PlannerCalls >= b.MaxPlannerCalls ||
		u.ExecutorRuns >= b.MaxExecutorRuns
}

// Merge sums other into u, for attributing follow-up work to a shared
// account (e.g. a replanned work item inheriting its predecessor's spend).
func (u BudgetUsed) Merge(other BudgetUsed) BudgetUsed {
	return BudgetUsed{
		Attempts:     u.Attempts + other.Attempts,
		Tokens:       u.Tokens + other.Tokens,
		WallSeconds:  u.WallSeconds + other.WallSeconds,
		PlannerCalls: u.PlannerCalls + other.PlannerCalls,
		ExecutorRuns: u.ExecutorRuns + other.ExecutorRuns,
	}
}

// WorkItem is the unit of work carried inside an execution_request payload.
type WorkItem struct {
	ID                 string              `json:"id"`
	ScopeID            string              `json:"scope_id"`
	Description        string              `json:"description"`
	Executor           ExecutorType        `json:"executor"`
	Budget             Budget              `json:"budget"`
	Gates              []Gate              `json:"gates,omitempty"`
	VerificationChecks []VerificationCheck `json:"verification_checks,omitempty"`
	ApprovalToken      string              `json:"approval_token"`
	DependsOn          []string            `json:"depends_on,omitempty"`
	InputArtifactsFrom []string            `json:"input_artifacts_from,omitempty"`
	OnFailure          OnFailurePolicy     `json:"on_failure"`
}
