package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// Relay delivers a command payload to a simulator harness without a direct
// host connection.
type Relay interface {
	Send(ctx context.Context, udid string, port int, payload []byte, timeout time.Duration) (map[string]interface{}, error)
}

// SimctlRelay runs curl inside the simulator via simctl spawn.
type SimctlRelay struct {
	runner toolexec.Runner
}

// NewSimctlRelay returns a relay; a nil runner uses os/exec.
func NewSimctlRelay(runner toolexec.Runner) *SimctlRelay {
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	return &SimctlRelay{runner: runner}
}

// Send posts payload to the harness from inside the simulator.
func (r *SimctlRelay) Send(ctx context.Context, udid string, port int, payload []byte, timeout time.Duration) (map[string]interface{}, error) {
	args := []string{
		"simctl", "spawn", udid, "/usr/bin/curl",
		"-sS",
		"-X", "POST",
		"-H", "Content-Type: application/json",
		"--data-binary", string(payload),
	}
	if timeout > 0 {
		args = append(args, "-m", strconv.FormatFloat(timeout.Seconds(), 'f', 1, 64))
	}
	args = append(args, CommandURL("127.0.0.1", port))

	res, err := r.runner.Run(ctx, "xcrun", args, toolexec.Options{Timeout: timeout + 5*time.Second})
	if err != nil {
		return nil, fmt.Errorf("simctl relay: %w", err)
	}
	return parseReply(0, []byte(res.Stdout))
}
