package simulator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/bootfail"
	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/retry"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// Boot retry budget. Each attempt may block for most of the overall
// deadline, so the attempt count stays small.
const (
	bootMaxAttempts = 3
	bootBaseDelay   = time.Second
	bootMaxDelay    = 5 * time.Second
	bootJitter      = 0.2
)

var errBootDeadline = errors.New("simulator boot deadline exceeded")

// Booter brings a simulator to the Booted state.
type Booter struct {
	simctl        *Simctl
	simctlTimeout time.Duration

	// Sleep, Random and OnEvent are forwarded to the retry engine.
	Sleep   func(ctx context.Context, d time.Duration) error
	Random  func() float64
	OnEvent func(retry.Event)
}

// NewBooter returns a Booter bounding short simctl calls by simctlTimeout.
func NewBooter(simctl *Simctl, simctlTimeout time.Duration) *Booter {
	return &Booter{simctl: simctl, simctlTimeout: simctlTimeout}
}

// bootOutputs holds the last output of each sub-step.
type bootOutputs struct {
	boot       *toolexec.Result
	bootstatus *toolexec.Result
	state      string
}

// EnsureBooted returns at once if udid is already booted. Otherwise it boots
// it, waits for boot completion and confirms the state, all within timeout.
func (b *Booter) EnsureBooted(ctx context.Context, udid string, timeout time.Duration) error {
	state, err := b.simctl.State(ctx, udid)
	if err != nil {
		if core.HasCode(err, core.CodeDeviceNotFound) {
			return err
		}
		return b.failure(udid, timeout, retry.NewDeadline(0), bootOutputs{}, err)
	}
	if state == StateBooted {
		logger.Debug("Simulator already booted: %s", udid)
		return nil
	}

	logger.Info("Booting simulator: %s (state %s, timeout %v)", udid, state, timeout)
	deadline := retry.NewDeadline(timeout)
	var out bootOutputs

	policy := retry.Policy{
		MaxAttempts:    bootMaxAttempts,
		BaseDelay:      bootBaseDelay,
		MaxDelay:       bootMaxDelay,
		JitterFraction: bootJitter,
		ShouldRetry: func(err error, _ int) bool {
			switch r := classify(err); r {
			case bootfail.IOSBootTimeout, bootfail.ResourceStarvationSuspected:
				return false
			default:
				return r.Retryable()
			}
		},
	}

	_, err = retry.Do(ctx, func(ctx context.Context, a retry.Attempt) (struct{}, error) {
		return struct{}{}, b.attempt(ctx, udid, a.Deadline, &out)
	}, policy, retry.Options{
		Deadline:       deadline,
		Phase:          "ios_boot",
		ClassifyReason: func(err error) string { return string(classify(err)) },
		OnEvent:        b.OnEvent,
		Sleep:          b.Sleep,
		Random:         b.Random,
	})
	if err == nil {
		logger.Info("Simulator booted: %s (%v)", udid, deadline.Elapsed().Round(time.Millisecond))
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return b.failure(udid, timeout, deadline, out, err)
}

// attempt runs boot, bootstatus and a state re-read under one deadline.
func (b *Booter) attempt(ctx context.Context, udid string, deadline *retry.Deadline, out *bootOutputs) error {
	budget, err := remaining(deadline, b.simctlTimeout)
	if err != nil {
		return err
	}
	res, err := b.simctl.Boot(ctx, udid, budget)
	out.boot = &res
	if err != nil {
		return err
	}

	// bootstatus blocks until boot completes, so it gets the whole remainder.
	budget, err = remaining(deadline, 0)
	if err != nil {
		return err
	}
	res, err = b.simctl.BootStatus(ctx, udid, budget)
	out.bootstatus = &res
	if err != nil {
		return err
	}

	if _, err := remaining(deadline, 0); err != nil {
		return err
	}
	state, err := b.simctl.State(ctx, udid)
	if err != nil {
		return err
	}
	out.state = state
	if state != StateBooted {
		return fmt.Errorf("simulator %s reported state %s after bootstatus", udid, state)
	}
	return nil
}

// remaining caps want to what is left of the deadline. A spent deadline is
// an error rather than a zero timeout, which the runner treats as unbounded.
func remaining(deadline *retry.Deadline, want time.Duration) (time.Duration, error) {
	if deadline.Expired() {
		return 0, errBootDeadline
	}
	return deadline.Timeout(want), nil
}

func classify(err error) bootfail.Reason {
	return bootfail.Classify(bootfail.Evidence{
		Err:      err,
		Platform: bootfail.PlatformIOS,
		Phase:    bootfail.PhaseBoot,
	})
}

// failure wraps the last evidence of every sub-step into one error.
func (b *Booter) failure(udid string, timeout time.Duration, deadline *retry.Deadline, out bootOutputs, cause error) error {
	details := map[string]interface{}{
		"udid":      udid,
		"timeoutMs": timeout.Milliseconds(),
		"elapsedMs": deadline.Elapsed().Milliseconds(),
	}
	if out.boot != nil {
		details["boot"] = resultDetails(*out.boot)
	}
	if out.bootstatus != nil {
		details["bootstatus"] = resultDetails(*out.bootstatus)
	}
	if out.state != "" {
		details["state"] = out.state
	}

	reason := bootfail.Classify(bootfail.Evidence{
		Err:      cause,
		Details:  details,
		Platform: bootfail.PlatformIOS,
		Phase:    bootfail.PhaseBoot,
	})
	code := core.CodeCommandFailed
	msg := fmt.Sprintf("failed to boot simulator %s", udid)
	switch {
	case reason == bootfail.IOSToolMissing:
		code = core.CodeToolMissing
		msg = "xcrun not found; install Xcode Command Line Tools: xcode-select --install"
	case errors.Is(cause, errBootDeadline) || reason == bootfail.IOSBootTimeout:
		reason = bootfail.IOSBootTimeout
		msg = fmt.Sprintf("simulator %s did not finish booting within %v", udid, timeout)
	}
	details[core.DetailReason] = string(reason)
	details[core.DetailHint] = bootfail.Hint(reason)

	return &core.Error{Code: code, Message: msg, Details: details, Cause: cause}
}

func resultDetails(res toolexec.Result) map[string]interface{} {
	return map[string]interface{}{
		core.DetailStdout:   core.Truncate(strings.TrimSpace(res.Stdout), 2000),
		core.DetailStderr:   core.Truncate(strings.TrimSpace(res.Stderr), 2000),
		core.DetailExitCode: res.ExitCode,
	}
}
