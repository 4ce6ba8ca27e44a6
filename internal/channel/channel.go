// Package channel defines the Channel seam (spec §6): an external
// collaborator that renders approval requests and routes execution
// statuses to UI surfaces. Channel adapters and UI rendering are
// explicitly out of scope (spec §1); this package holds the interface and
// a LogChannel stub usable in tests and the cmd/loom demo entrypoint.
package channel

import (
	"context"
	"log/slog"

	"github.com/loomrun/loom/internal/bus"
)

// ApprovalDecision is the outcome of rendering an approval_request.
type ApprovalDecision struct {
	Approved      bool
	ApprovalToken string
}

// Surface names where an execution_status should be routed, per spec §6's
// mapping (running → activity only; terminal statuses → stream + activity).
type Surface string

const (
	SurfaceActivity Surface = "activity"
	SurfaceStream   Surface = "stream"
)

// SurfacesFor returns which surfaces a given status should reach.
func SurfacesFor(status bus.ExecutionStatus) []Surface {
	if status == bus.StatusRunning {
		return []Surface{SurfaceActivity}
	}
	return []Surface{SurfaceActivity, SurfaceStream}
}

// Channel is the external rendering/routing capability consumers depend on.
type Channel interface {
	RequestApproval(ctx context.Context, workItem bus.WorkItem, planSummary string) (ApprovalDecision, error)
	RenderCard(ctx context.Context, traceID string, payload map[string]any) error
	RouteStatus(ctx context.Context, traceID string, status bus.ExecutionStatus, surfaces []Surface, detail map[string]any) error
}

// LogChannel is a minimal stand-in that logs instead of rendering UI.
// Useful for tests and the cmd/loom demo entrypoint where no real channel
// adapter is wired.
type LogChannel struct {
	logger *slog.Logger
	// AutoApprove, when true, approves every request with a synthetic
	// token; used by tests that need to exercise the approved path.
	AutoApprove   bool
	ApprovalToken string
}

// NewLogChannel constructs a LogChannel.
func NewLogChannel(autoApprove bool, token string) *LogChannel {
	return &LogChannel{
		logger:        slog.Default().With("component", "log-channel"),
		AutoApprove:   autoApprove,
		ApprovalToken: token,
	}
}

func (c *LogChannel) RequestApproval(ctx context.Context, workItem bus.WorkItem, planSummary string) (ApprovalDecision, error) {
	c.logger.Info("approval requested", "work_item_id", workItem.ID, "summary", planSummary)
	if c.AutoApprove {
		return ApprovalDecision{Approved: true, ApprovalToken: c.ApprovalToken}, nil
	}
	return ApprovalDecision{Approved: false}, nil
}

func (c *LogChannel) RenderCard(ctx context.Context, traceID string, payload map[string]any) error {
	c.logger.Info("card rendered", "trace_id", traceID, "payload", payload)
	return nil
}

func (c *LogChannel) RouteStatus(ctx context.Context, traceID string, status bus.ExecutionStatus, surfaces []Surface, detail map[string]any) error {
	c.logger.Info("status routed", "trace_id", traceID, "status", status, "surfaces", surfaces, "detail", detail)
	return nil
}
