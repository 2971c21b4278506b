package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/devicelab-dev/agent-device/pkg/device"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// Process is a supervised harness process.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	Err() error
	Signal(sig syscall.Signal) error
}

// LaunchSpec describes one harness launch.
type LaunchSpec struct {
	Device    device.Device
	Xctestrun string
	Port      int
	Output    io.Writer
}

// Launcher starts harness processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// XcodeLauncher runs the harness with xcodebuild test-without-building.
type XcodeLauncher struct{}

// Launch starts xcodebuild in its own process group.
func (XcodeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	proc, err := toolexec.Start(toolexec.Spec{
		Name: "xcodebuild",
		Args: []string{
			"test-without-building",
			"-xctestrun", spec.Xctestrun,
			"-destination", fmt.Sprintf("id=%s", spec.Device.ID),
		},
		Env:    []string{fmt.Sprintf("%s=%d", PortEnv, spec.Port)},
		Stdout: spec.Output,
		Stderr: spec.Output,
	})
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// openLog creates the session log and returns the writer the harness
// output is copied to.
func openLog(path string, sink io.Writer, verbose bool) (io.Writer, io.Closer, error) {
	f, err := os.Create(path) //#nosec G304 -- session temp dir
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log file: %w", err)
	}
	writers := []io.Writer{f}
	if sink != nil {
		writers = append(writers, sink)
	}
	if verbose {
		writers = append(writers, os.Stderr)
	}
	return io.MultiWriter(writers...), f, nil
}

func tailLog(path string, lines int) string {
	content, err := os.ReadFile(path) //#nosec G304 -- session temp dir
	if err != nil {
		return fmt.Sprintf("(could not read log: %s)", err)
	}
	allLines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(allLines) <= lines {
		return strings.Join(allLines, "\n")
	}
	return strings.Join(allLines[len(allLines)-lines:], "\n")
}
