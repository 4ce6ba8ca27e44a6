package workitem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomrun/loom/internal/bus"
	"github.com/loomrun/loom/internal/sandbox"
)

// SandboxBackend is a concrete Backend that runs a work item's declared
// executor type inside a sandbox created per scope, per spec §6's
// SandboxManager seam. It writes each attempt's stdout/stderr under its
// own artifacts directory for the VerificationRunner to inspect.
type SandboxBackend struct {
	Sandboxes     sandbox.Manager
	ArtifactsRoot string
}

// NewSandboxBackend constructs a SandboxBackend rooted at artifactsRoot.
func NewSandboxBackend(mgr sandbox.Manager, artifactsRoot string) *SandboxBackend {
	return &SandboxBackend{Sandboxes: mgr, ArtifactsRoot: artifactsRoot}
}

func (b *SandboxBackend) Run(ctx context.Context, item bus.WorkItem, attempt int) (string, error) {
	handle, err := b.Sandboxes.Create(ctx, item.ScopeID)
	if err != nil {
		return "", fmt.Errorf("sandboxbackend: create sandbox for scope %q: %w", item.ScopeID, err)
	}
	defer handle.Destroy(ctx)

	cmd, err := commandFor(item)
	if err != nil {
		return "", err
	}

	stdout, stderr, exitCode, err := handle.Exec(ctx, cmd)
	artifactsRoot := filepath.Join(b.ArtifactsRoot, item.ID, fmt.Sprintf("attempt-%d", attempt))
	if mkErr := os.MkdirAll(artifactsRoot, 0o755); mkErr != nil {
		return "", fmt.Errorf("sandboxbackend: create artifacts dir: %w", mkErr)
	}
	_ = os.WriteFile(filepath.Join(artifactsRoot, "stdout.log"), []byte(stdout), 0o644)
	_ = os.WriteFile(filepath.Join(artifactsRoot, "stderr.log"), []byte(stderr), 0o644)

	if err != nil {
		return artifactsRoot, fmt.Errorf("sandboxbackend: exec: %w", err)
	}
	if exitCode != 0 {
		return artifactsRoot, fmt.Errorf("sandboxbackend: exit code %d: %s", exitCode, stderr)
	}
	return artifactsRoot, nil
}

// commandFor builds the sandbox command line for item's declared executor
// type. shell and python run item.Description as a literal script; skill
// invokes it through a fixed skill-runner entrypoint the sandbox image is
// expected to provide.
func commandFor(item bus.WorkItem) ([]string, error) {
	switch item.Executor {
	case bus.ExecutorShell:
		return []string{"/bin/sh", "-c", item.Description}, nil
	case bus.ExecutorPython:
		return []string{"python3", "-c", item.Description}, nil
	case bus.ExecutorSkill:
		return []string{"skill-runner", "--invoke", item.Description}, nil
	default:
		return nil, fmt.Errorf("sandboxbackend: unknown executor type %q", item.Executor)
	}
}
