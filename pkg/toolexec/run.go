// Package toolexec runs the native command-line tools (xcrun, adb,
// xcodebuild) that the boot waiters and the runner depend on.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/core"
)

// ErrToolMissing marks errors caused by a binary that is not installed.
var ErrToolMissing = errors.New("tool not found")

// Result is the captured outcome of one tool invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options tunes a single invocation.
type Options struct {
	Timeout time.Duration
	Env     []string // appended to the inherited environment
	Stdin   io.Reader
}

// Runner executes external tools.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts Options) (Result, error)
}

// RunError is returned for non-zero exits and timeouts. It keeps the
// captured output so failures can be classified.
type RunError struct {
	Name     string
	Args     []string
	Result   Result
	Timeout  time.Duration
	TimedOut bool
	Err      error
}

func (e *RunError) Error() string {
	cmd := strings.TrimSpace(e.Name + " " + strings.Join(e.Args, " "))
	if e.TimedOut {
		return fmt.Sprintf("%s timed out after %v", cmd, e.Timeout)
	}
	out := strings.TrimSpace(e.Result.Stderr)
	if out == "" {
		out = strings.TrimSpace(e.Result.Stdout)
	}
	if out == "" {
		return fmt.Sprintf("%s: %v", cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", cmd, e.Err, core.Truncate(out, 2000))
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// ExecRunner runs tools with os/exec.
type ExecRunner struct{}

// Run executes name with args and captures stdout and stderr.
func (ExecRunner) Run(ctx context.Context, name string, args []string, opts Options) (Result, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return Result{ExitCode: -1}, MissingTool(name, err)
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path, args...)
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdin = opts.Stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr == nil {
		return res, nil
	}

	rerr := &RunError{Name: name, Args: args, Result: res, Timeout: opts.Timeout, Err: runErr}
	if opts.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		rerr.TimedOut = true
	}
	return res, rerr
}

// MissingTool builds the structured error for a binary that could not be
// located.
func MissingTool(name string, cause error) *core.Error {
	if cause == nil {
		cause = exec.ErrNotFound
	}
	return &core.Error{
		Code:    core.CodeToolMissing,
		Message: fmt.Sprintf("%s not found in PATH", name),
		Details: map[string]interface{}{"tool": name},
		Cause:   fmt.Errorf("%w: %w", ErrToolMissing, cause),
	}
}

// IsToolMissing reports whether err was caused by a missing binary.
func IsToolMissing(err error) bool {
	return errors.Is(err, ErrToolMissing) || errors.Is(err, exec.ErrNotFound) || core.HasCode(err, core.CodeToolMissing)
}

// Output extracts the captured tool output from anywhere in err's chain.
func Output(err error) (Result, bool) {
	var rerr *RunError
	if errors.As(err, &rerr) {
		return rerr.Result, true
	}
	return Result{}, false
}
