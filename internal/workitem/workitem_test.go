package workitem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/approval"
	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/verification"
)

type allowAllGates struct{}

func (allowAllGates) Evaluate(ctx context.Context, gate bus.Gate, item bus.WorkItem) (bus.GateDecision, error) {
	return bus.GateContinue, nil
}

type blockingGate struct{}

func (blockingGate) Evaluate(ctx context.Context, gate bus.Gate, item bus.WorkItem) (bus.GateDecision, error) {
	return bus.GateBlock, nil
}

type succeedingBackend struct{ calls int }

func (b *succeedingBackend) Run(ctx context.Context, item bus.WorkItem, attempt int) (string, error) {
	b.calls++
	return "/tmp/artifacts", nil
}

type alwaysFailingVerification struct{}

func (alwaysFailingVerification) Run(ctx context.Context, item bus.WorkItem, artifactsRoot string) (verification.Outcome, error) {
	return verification.Outcome{Pass: false, Fails: []verification.Failure{{CheckName: "check1", Detail: "no"}}}, nil
}

type alwaysPassingVerification struct{}

func (alwaysPassingVerification) Run(ctx context.Context, item bus.WorkItem, artifactsRoot string) (verification.Outcome, error) {
	return verification.Outcome{Pass: true}, nil
}

type stubCascade struct {
	status    bus.ExecutionStatus
	escalated bool
	called    bool
}

func (s *stubCascade) Run(ctx context.Context, item bus.WorkItem, failureHistory []string) (bus.ExecutionStatus, bool) {
	s.called = true
	return s.status, s.escalated
}

func validToken(t *testing.T, v *approval.HMACVerifier, itemID string) string {
	t.Helper()
	tok, err := v.Issue(itemID, "plan-hash", time.Minute)
	require.NoError(t, err)
	return tok
}

func TestRunDoneOnFirstPass(t *testing.T) {
	v := approval.NewHMACVerifier([]byte("secret"))
	item := bus.WorkItem{ID: "wi-1", Budget: bus.Budget{MaxAttempts: 3, MaxTokens: 1000, MaxWallSeconds: 1000, MaxPlannerCalls: 10, MaxExecutorRuns: 10}}
	item.ApprovalToken = validToken(t, v, item.ID)

	backend := &succeedingBackend{}
	exec := New(v, allowAllGates{}, backend, alwaysPassingVerification{}, nil)

	out := exec.Run(context.Background(), item)
	assert.Equal(t, bus.StatusDone, out.Status)
	assert.Equal(t, 1, backend.calls)
}

func TestRunBlockedOnInvalidApproval(t *testing.T) {
	v := approval.NewHMACVerifier([]byte("secret"))
	item := bus.WorkItem{ID: "wi-1", ApprovalToken: "garbage"}

	exec := New(v, allowAllGates{}, &succeedingBackend{}, alwaysPassingVerification{}, nil)
	out := exec.Run(context.Background(), item)
	assert.Equal(t, bus.StatusBlocked, out.Status)
}

func TestRunBlockedOnGate(t *testing.T) {
	v := approval.NewHMACVerifier([]byte("secret"))
	item := bus.WorkItem{
		ID:     "wi-1",
		Gates:  []bus.Gate{{Trigger: bus.GateOnToolCall, Name: "dangerous-tool"}},
		Budget: bus.Budget{MaxAttempts: 3, MaxTokens: 1000, MaxWallSeconds: 1000, MaxPlannerCalls: 10, MaxExecutorRuns: 10},
	}
	item.ApprovalToken = validToken(t, v, item.ID)

	exec := New(v, blockingGate{}, &succeedingBackend{}, alwaysPassingVerification{}, nil)
	out := exec.Run(context.Background(), item)
	assert.Equal(t, bus.StatusBlocked, out.Status)
}

func TestRunExhaustsAttemptsThenCascades(t *testing.T) {
	v := approval.NewHMACVerifier([]byte("secret"))
	item := bus.WorkItem{ID: "wi-1", Budget: bus.Budget{MaxAttempts: 2, MaxTokens: 1000, MaxWallSeconds: 1000, MaxPlannerCalls: 10, MaxExecutorRuns: 10}}
	item.ApprovalToken = validToken(t, v, item.ID)

	backend := &succeedingBackend{}
	cascade := &stubCascade{status: bus.StatusFailed, escalated: true}
	exec := New(v, allowAllGates{}, backend, alwaysFailingVerification{}, cascade)

	out := exec.Run(context.Background(), item)
	assert.True(t, cascade.called)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, bus.StatusFailed, out.Status)
	assert.True(t, out.Escalated)
}

func TestRunVacuouslyPassesWithNoVerificationChecks(t *testing.T) {
	v := approval.NewHMACVerifier([]byte("secret"))
	item := bus.WorkItem{ID: "wi-1", Budget: bus.Budget{MaxAttempts: 1, MaxTokens: 1000, MaxWallSeconds: 1000, MaxPlannerCalls: 10, MaxExecutorRuns: 10}}
	item.ApprovalToken = validToken(t, v, item.ID)

	runner := verification.FilesystemChecksumRunner{}
	exec := New(v, allowAllGates{}, &succeedingBackend{}, runner, nil)
	out := exec.Run(context.Background(), item)
	assert.Equal(t, bus.StatusDone, out.Status)
}
