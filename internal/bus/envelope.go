// Package bus defines the message envelope and payload types that flow
// across the durable queues connecting the proxy, planner, and executor.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the closed set of message shapes the bus carries.
type Kind string

const (
	KindUserMessage      Kind = "user_message"
	KindAgentResponse    Kind = "agent_response"
	KindPlanRequest      Kind = "plan_request"
	KindPlanResult       Kind = "plan_result"
	KindExecutionRequest Kind = "execution_request"
	KindExecutionStatus  Kind = "execution_status"
	KindResearchRequest  Kind = "research_request"
	KindResearchResult   Kind = "research_result"
	KindPlannerGuidance  Kind = "planner_guidance"
	KindReplanRequest    Kind = "replan_request"
	KindApprovalRequest  Kind = "approval_request"
	KindApprovalResult   Kind = "approval_result"
	KindSystemEvent      Kind = "system_event"
)

// Sender identifies the role that produced a message.
type Sender string

const (
	SenderUser    Sender = "user"
	SenderProxy   Sender = "proxy"
	SenderPlanner Sender = "planner"
	SenderExecutor Sender = "executor"
	SenderRuntime Sender = "runtime"
)

// Urgency classifies how a status update should surface to a UI consumer.
type Urgency string

const (
	UrgencyBackground     Urgency = "background"
	UrgencyInformational  Urgency = "informational"
	UrgencyNeedsAttention Urgency = "needs_attention"
)

// Taint is the trust classification of data carried by a message. It
// propagates monotonically upward: once a message is tainted auth or
// external, derived messages must carry at least that taint.
type Taint string

const (
	TaintOwner    Taint = "owner"
	TaintAuth     Taint = "auth"
	TaintExternal Taint = "external"
)

const (
	DefaultMaxAttempts   = 5
	DefaultLeaseDuration = 60 * time.Second
)

// Envelope is the shared wire shape for every message on the bus. Payload
// is stored as raw JSON; callers decode it according to Kind.
type Envelope struct {
	ID             string          `json:"id"`
	QueueName      string          `json:"queue_name"`
	Kind           Kind            `json:"kind"`
	Sender         Sender          `json:"sender"`
	TraceID        string          `json:"trace_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	LeaseID        string          `json:"lease_id,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`

	// Context fields. Any may be absent.
	ScopeID        string   `json:"scope_id,omitempty"`
	Taint          Taint    `json:"taint,omitempty"`
	TaskID         string   `json:"task_id,omitempty"`
	ParentTaskID   string   `json:"parent_task_id,omitempty"`
	WorkItemID     string   `json:"work_item_id,omitempty"`
	ApprovalToken  string   `json:"approval_token,omitempty"`
	ToolAllowlist  []string `json:"tool_allowlist,omitempty"`
	Urgency        Urgency  `json:"urgency,omitempty"`
}

// New constructs an envelope with a fresh id and created_at, defaulting
// max_attempts and urgency per the store's documented column defaults.
// Callers must still set QueueName (typically via router.Route) before
// enqueueing.
func New(kind Kind, sender Sender, traceID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:          uuid.NewString(),
		Kind:        kind,
		Sender:      sender,
		TraceID:     traceID,
		Payload:     raw,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: DefaultMaxAttempts,
		Urgency:     UrgencyInformational,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into v.
func (e *Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// IsLeased reports whether the envelope currently holds an unexpired lease.
func (e *Envelope) IsLeased(now time.Time) bool {
	return e.LeaseID != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}
