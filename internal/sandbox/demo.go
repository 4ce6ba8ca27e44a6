package sandbox

import (
	"bytes"
	"context"
	"os/exec"
)

// LocalManager runs commands directly on the host process, with no
// isolation whatsoever. Concrete sandbox/container backends are
// explicitly out of scope (spec §1); this exists only so cmd/loom's demo
// entrypoint has a working SandboxManager to wire the Work-Item Executor
// against.
type LocalManager struct{}

func (LocalManager) Create(ctx context.Context, scopeID string) (Handle, error) {
	return localHandle{}, nil
}

type localHandle struct{}

func (localHandle) Exec(ctx context.Context, cmd []string) (stdout, stderr string, exitCode int, err error) {
	if len(cmd) == 0 {
		return "", "", 0, nil
	}
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf
	runErr := c.Run()
	code := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		runErr = nil
	}
	return outBuf.String(), errBuf.String(), code, runErr
}

func (localHandle) Destroy(ctx context.Context) error { return nil }
