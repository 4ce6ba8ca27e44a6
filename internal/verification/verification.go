// Package verification defines the VerificationRunner seam (spec §6) and a
// concrete reference implementation, FilesystemChecksumRunner, that runs
// each work item's verification checks as shell predicates rooted at an
// artifacts directory. Spec §4.8 step 3b requires some concrete behavior
// to exercise the work-item loop against; verification checks are simple
// command predicates over the artifact tree.
package verification

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/loomrun/loom/internal/bus"
)

// Outcome is the result of running one work item's verification checks.
type Outcome struct {
	Pass  bool
	Fails []Failure
}

// Failure describes one failing check.
type Failure struct {
	CheckName string
	Detail    string
}

// Runner is the external capability the work-item executor depends on.
type Runner interface {
	Run(ctx context.Context, item bus.WorkItem, artifactsRoot string) (Outcome, error)
}

// FilesystemChecksumRunner runs each VerificationCheck.Spec as a shell
// command with CWD set to artifactsRoot; a zero exit code passes the
// check. No verification checks means the outcome is vacuously a pass,
// per spec §4.8.
type FilesystemChecksumRunner struct {
	// Shell is the interpreter used to run each check's Spec, defaulting
	// to "/bin/sh" when empty.
	Shell string
}

func (r FilesystemChecksumRunner) Run(ctx context.Context, item bus.WorkItem, artifactsRoot string) (Outcome, error) {
	if len(item.VerificationChecks) == 0 {
		return Outcome{Pass: true}, nil
	}

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var fails []Failure
	for _, check := range item.VerificationChecks {
		cmd := exec.CommandContext(ctx, shell, "-c", check.Spec)
		cmd.Dir = artifactsRoot
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			fails = append(fails, Failure{
				CheckName: check.Name,
				Detail:    fmt.Sprintf("%v: %s", err, stderr.String()),
			})
		}
	}
	return Outcome{Pass: len(fails) == 0, Fails: fails}, nil
}
