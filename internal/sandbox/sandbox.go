// Package sandbox defines the SandboxManager seam (spec §6): the isolated
// execution backend shell/python executor types run under. Sandbox/
// container backends for tool execution are explicitly out of scope
// (spec §1); only the interface lives here, so internal/workitem can
// depend on a capability without depending on any concrete container
// runtime.
package sandbox

import "context"

// Handle is an opaque reference to a created sandbox instance.
type Handle interface {
	Exec(ctx context.Context, cmd []string) (stdout, stderr string, exitCode int, err error)
	Destroy(ctx context.Context) error
}

// Manager creates per-scope sandbox instances. The pool (internal/execpool)
// coordinates isolation per scope; this package does not implement that
// coordination itself.
type Manager interface {
	Create(ctx context.Context, scopeID string) (Handle, error)
}
