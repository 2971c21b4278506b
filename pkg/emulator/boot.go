// Package emulator waits for Android emulators and devices to finish booting.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/bootfail"
	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/device"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/retry"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// DefaultPollInterval is the spacing between boot checks.
const DefaultPollInterval = time.Second

const bootProperty = "sys.boot_completed"

// errNotBooted is returned by a getprop read that reached the device but found the
// boot property unset.
var errNotBooted = errors.New("boot not completed")

// Shell runs commands on one device.
type Shell interface {
	Shell(ctx context.Context, args ...string) (toolexec.Result, error)
}

// BootWaiter polls an Android device until it reports boot completion.
type BootWaiter struct {
	// NewShell returns the shell for a serial.
	NewShell     func(serial string) Shell
	PollInterval time.Duration

	// Sleep and OnEvent are forwarded to the retry engine.
	Sleep   func(ctx context.Context, d time.Duration) error
	OnEvent func(retry.Event)
}

// NewBootWaiter returns a waiter that polls through adb, bounding each
// read by adbTimeout.
func NewBootWaiter(runner toolexec.Runner, adbTimeout time.Duration) *BootWaiter {
	return &BootWaiter{
		NewShell: func(serial string) Shell {
			return device.NewAndroid(serial, runner, adbTimeout)
		},
		PollInterval: DefaultPollInterval,
	}
}

// WaitForBoot blocks until sys.boot_completed reads "1" or timeout elapses.
func (w *BootWaiter) WaitForBoot(ctx context.Context, serial string, timeout time.Duration) error {
	poll := w.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	shell := w.NewShell(serial)
	deadline := retry.NewDeadline(timeout)

	policy := retry.Policy{
		MaxAttempts: int(math.Ceil(float64(timeout) / float64(poll))),
		BaseDelay:   poll,
		MaxDelay:    poll,
		ShouldRetry: func(err error, _ int) bool {
			switch r := classify(err); r {
			case bootfail.ADBTransportUnavailable, bootfail.AndroidBootTimeout:
				return false
			default:
				return r.Retryable()
			}
		},
	}

	logger.Info("Waiting for Android boot: %s (timeout %v)", serial, timeout)
	var last toolexec.Result
	_, err := retry.Do(ctx, func(ctx context.Context, a retry.Attempt) (struct{}, error) {
		res, err := shell.Shell(ctx, "getprop", bootProperty)
		last = res
		if err != nil {
			return struct{}{}, err
		}
		if value := strings.TrimSpace(res.Stdout); value != "1" {
			logger.Debug("Boot check %d/%d for %s: %s=%q", a.Number, a.MaxAttempts, serial, bootProperty, value)
			return struct{}{}, fmt.Errorf("%w (%s=%q)", errNotBooted, bootProperty, value)
		}
		return struct{}{}, nil
	}, policy, retry.Options{
		Deadline:       deadline,
		Phase:          "android_boot",
		ClassifyReason: func(err error) string { return string(classify(err)) },
		OnEvent:        w.OnEvent,
		Sleep:          w.Sleep,
	})
	if err == nil {
		logger.Info("Android device booted: %s (%v)", serial, deadline.Elapsed().Round(time.Millisecond))
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return bootError(serial, timeout, deadline, last, err)
}

func classify(err error) bootfail.Reason {
	return bootfail.Classify(bootfail.Evidence{
		Err:      err,
		Platform: bootfail.PlatformAndroid,
		Phase:    bootfail.PhaseBoot,
	})
}

// bootError re-derives the reason of the last failure. An exhausted
// deadline, or an attempt budget spent on reads that found the device still
// booting, is reported as a boot timeout.
func bootError(serial string, timeout time.Duration, deadline *retry.Deadline, last toolexec.Result, cause error) error {
	reason := classify(cause)
	code := core.CodeCommandFailed
	var msg string
	switch {
	case reason == bootfail.AndroidToolMissing:
		code = core.CodeToolMissing
		msg = "adb not found; cannot wait for Android boot"
	case deadline.Expired() || errors.Is(cause, errNotBooted) || reason == bootfail.AndroidBootTimeout:
		reason = bootfail.AndroidBootTimeout
		msg = fmt.Sprintf("Android device %s did not finish booting within %v", serial, timeout)
	case reason == bootfail.ADBTransportUnavailable:
		msg = fmt.Sprintf("adb transport unavailable for %s", serial)
	default:
		msg = fmt.Sprintf("failed to read %s on %s", bootProperty, serial)
	}

	stdout, stderr := last.Stdout, last.Stderr
	if out, ok := toolexec.Output(cause); ok {
		stdout, stderr = out.Stdout, out.Stderr
	}
	return &core.Error{
		Code:    code,
		Message: msg,
		Details: map[string]interface{}{
			core.DetailReason: string(reason),
			core.DetailHint:   bootfail.Hint(reason),
			core.DetailStdout: core.Truncate(strings.TrimSpace(stdout), 2000),
			core.DetailStderr: core.Truncate(strings.TrimSpace(stderr), 2000),
			"serial":          serial,
			"timeoutMs":       timeout.Milliseconds(),
			"elapsedMs":       deadline.Elapsed().Milliseconds(),
		},
		Cause: cause,
	}
}
