// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package dispatcher

import (
	"context"
	"os/exec"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/nfachan/meticulous/internal/request"
)

// RunExecution fetches details.Artifact (blocking on the cache if it
// isn't already extracted), then runs details.Command with details.Args
// and details.Env in the artifact's directory, returning the process's
// exit code. It is the thin process-executor grounded in the teacher's
// CmdRun (internal/runner/cmd.go), narrowed to one command invocation
// with no output streaming — this system reports only a final exit code
// and error string, not a log stream.
func (d *Dispatcher) RunExecution(ctx context.Context, id request.ExecutionId, details request.ExecutionDetails) (result request.Result) {
	result.Execution = id

	if errAcquire := d.AcquireSlot(ctx); errAcquire != nil {
		result.Err = errAcquire.Error()
		return result
	}
	defer d.ReleaseSlot(id)

	h, errGet := d.Get(ctx, details.Artifact.Digest)
	if errGet != nil {
		result.Err = errGet.Error()
		return result
	}
	defer h.Release()

	cmd := exec.CommandContext(ctx, details.Command, details.Args...)
	cmd.Dir = h.Path()
	for k, v := range details.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if errRun := cmd.Run(); errRun != nil {
		if exitErr, ok := errRun.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		result.Err = kv.Wrap(errRun, "failed to run execution").With("execution_id", uint64(id), "stack", stack.Trace().TrimRuntime()).Error()
		return result
	}

	return result
}
