package bootfail

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

func TestClassify_Scenarios(t *testing.T) {
	tests := []struct {
		name string
		ev   Evidence
		want Reason
	}{
		{
			name: "adb device offline in transport phase",
			ev:   Evidence{Stderr: "error: device offline", Platform: PlatformAndroid, Phase: PhaseTransport},
			want: ADBTransportUnavailable,
		},
		{
			name: "runner did not accept connection",
			ev:   Evidence{Message: "Runner did not accept connection", Platform: PlatformIOS, Phase: PhaseConnect},
			want: IOSRunnerConnectTimeout,
		},
		{
			name: "ios connect refused",
			ev:   Evidence{Err: errors.New("dial tcp 127.0.0.1:8100: connect: connection refused"), Platform: PlatformIOS, Phase: PhaseConnect},
			want: IOSRunnerConnectTimeout,
		},
		{
			name: "ios bootstatus timed out",
			ev:   Evidence{Err: errors.New("xcrun simctl bootstatus ABC -b timed out after 30s"), Platform: PlatformIOS, Phase: PhaseBoot},
			want: IOSBootTimeout,
		},
		{
			name: "android boot timeout",
			ev:   Evidence{Message: "timeout waiting for sys.boot_completed", Platform: PlatformAndroid, Phase: PhaseBoot},
			want: AndroidBootTimeout,
		},
		{
			name: "resource starvation on ios",
			ev:   Evidence{Stderr: "launchd: Cannot allocate memory", Platform: PlatformIOS, Phase: PhaseBoot},
			want: ResourceStarvationSuspected,
		},
		{
			name: "resource starvation without platform",
			ev:   Evidence{Stdout: "Killed: 9"},
			want: ResourceStarvationSuspected,
		},
		{
			name: "android unauthorized in boot phase",
			ev:   Evidence{Stderr: "error: device unauthorized.", Platform: PlatformAndroid, Phase: PhaseBoot},
			want: ADBTransportUnavailable,
		},
		{
			name: "android device not found",
			ev:   Evidence{Stderr: "adb: device 'emulator-5554' not found", Platform: PlatformAndroid},
			want: ADBTransportUnavailable,
		},
		{
			name: "transport phrase on ios is a generic failure",
			ev:   Evidence{Stderr: "device offline", Platform: PlatformIOS, Phase: PhaseBoot},
			want: BootCommandFailed,
		},
		{
			name: "ios connect phrase in boot phase is not a runner timeout",
			ev:   Evidence{Message: "connection refused", Platform: PlatformIOS, Phase: PhaseBoot},
			want: BootCommandFailed,
		},
		{
			name: "command failed code without text",
			ev:   Evidence{Err: &core.Error{Code: core.CodeCommandFailed}},
			want: BootCommandFailed,
		},
		{
			name: "any text falls back to command failed",
			ev:   Evidence{Stderr: "Unable to boot device"},
			want: BootCommandFailed,
		},
		{
			name: "no evidence",
			ev:   Evidence{Platform: PlatformIOS, Phase: PhaseBoot},
			want: Unknown,
		},
		{
			name: "whitespace only",
			ev:   Evidence{Stdout: "  \n"},
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ev))
		})
	}
}

func TestClassify_ToolMissingWinsOverText(t *testing.T) {
	missing := toolexec.MissingTool("adb", exec.ErrNotFound)

	assert.Equal(t, AndroidToolMissing, Classify(Evidence{Err: missing, Stderr: "device offline", Platform: PlatformAndroid, Phase: PhaseBoot}))
	assert.Equal(t, IOSToolMissing, Classify(Evidence{Err: fmt.Errorf("boot: %w", missing), Platform: PlatformIOS, Phase: PhaseBoot}))
	assert.Equal(t, IOSToolMissing, Classify(Evidence{Err: exec.ErrNotFound}))
}

func TestClassify_HarvestsRunErrorOutput(t *testing.T) {
	rerr := &toolexec.RunError{
		Name:   "adb",
		Args:   []string{"-s", "emulator-5554", "shell", "getprop", "sys.boot_completed"},
		Result: toolexec.Result{Stderr: "error: device offline", ExitCode: 1},
		Err:    errors.New("exit status 1"),
	}
	assert.Equal(t, ADBTransportUnavailable, ClassifyError(fmt.Errorf("getprop: %w", rerr), PlatformAndroid, PhaseTransport))
}

func TestClassify_NestedDetails(t *testing.T) {
	err := core.NewError(core.CodeCommandFailed, "simulator boot failed").WithDetails(map[string]interface{}{
		"boot": map[string]interface{}{"stderr": "Unable to boot device in current state: Booted"},
		"bootstatus": map[string]interface{}{
			"stderr": "bootstatus Timed out waiting for device to boot",
		},
	})

	assert.Equal(t, IOSBootTimeout, ClassifyError(err, PlatformIOS, PhaseBoot))
}

func TestClassify_HintDoesNotFeedBack(t *testing.T) {
	// The connect hint mentions a timeout; it must not turn a generic failure
	// into a boot timeout when re-classified.
	err := core.NewError(core.CodeCommandFailed, "boot failed").WithDetails(map[string]interface{}{
		core.DetailHint:   Hint(IOSRunnerConnectTimeout),
		core.DetailReason: string(IOSRunnerConnectTimeout),
	})
	assert.Equal(t, BootCommandFailed, ClassifyError(err, PlatformIOS, PhaseBoot))
}

func TestClassify_ContextDeadline(t *testing.T) {
	assert.Equal(t, AndroidBootTimeout, ClassifyError(context.DeadlineExceeded, PlatformAndroid, PhaseBoot))
}

func TestExplain_NamesRule(t *testing.T) {
	reason, rule := Explain(Evidence{Stderr: "error: device offline", Platform: PlatformAndroid, Phase: PhaseTransport})
	assert.Equal(t, ADBTransportUnavailable, reason)
	assert.Equal(t, "adb-transport", rule)

	reason, rule = Explain(Evidence{})
	assert.Equal(t, Unknown, reason)
	assert.Empty(t, rule)
}

func TestHint_TotalOverEnumeration(t *testing.T) {
	for _, r := range Reasons() {
		assert.NotEmpty(t, Hint(r), "reason %s", r)
	}
	assert.Equal(t, Hint(Unknown), Hint(Reason("SOMETHING_NEW")))
}

func TestReason_Retryable(t *testing.T) {
	assert.False(t, IOSToolMissing.Retryable())
	assert.False(t, AndroidToolMissing.Retryable())
	assert.True(t, BootCommandFailed.Retryable())
	assert.True(t, Unknown.Retryable())
}
