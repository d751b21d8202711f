package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// ErrTimeout is returned by Run when the deadline fires before the process exits
var ErrTimeout = errors.New("process timed out")

// RunSpec describes a one-shot command
type RunSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdin   io.Reader

	// Timeout bounds the run. Zero means only ctx bounds it.
	Timeout time.Duration
}

// Result is the outcome of a completed one-shot command
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Run executes a command to completion, racing it against spec.Timeout and ctx.
// If the deadline wins the process group is killed and ErrTimeout is returned.
// A non-zero exit is not an error; inspect Result.ExitCode.
func Run(ctx context.Context, spec RunSpec) (*Result, error) {
	if spec.Command == "" {
		return nil, &SpawnError{Dir: spec.Dir, Err: errors.New("no command specified")}
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = spec.Stdin
	cmd.WaitDelay = time.Second
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Shell: spec.Command, Dir: spec.Dir, Err: err}
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = killProcess(cmd)
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)
		}
		return nil, ctx.Err()
	}

	return &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCodeOf(cmd.ProcessState),
		Duration: time.Since(start),
	}, nil
}
