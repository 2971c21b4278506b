// Package simulator lists iOS simulators and boots them through simctl.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// Simulator states reported by simctl.
const (
	StateBooted   = "Booted"
	StateShutdown = "Shutdown"
	StateBooting  = "Booting"
)

// SimulatorDevice represents an iOS simulator from simctl list.
type SimulatorDevice struct {
	Name        string // e.g., "iPhone 15 Pro"
	UDID        string // e.g., "A1B2C3D4-E5F6-..."
	Runtime     string // e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2"
	OSVersion   string // e.g., "17.2" (extracted from Runtime)
	State       string // "Shutdown", "Booted", etc.
	IsAvailable bool
}

// simctlDevicesOutput represents the JSON output from xcrun simctl list devices.
type simctlDevicesOutput struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

type simctlDevice struct {
	Name        string `json:"name"`
	UDID        string `json:"udid"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

// Simctl runs xcrun simctl subcommands.
type Simctl struct {
	runner  toolexec.Runner
	timeout time.Duration // default per-command budget
}

// NewSimctl returns a Simctl; a nil runner uses os/exec.
func NewSimctl(runner toolexec.Runner, timeout time.Duration) *Simctl {
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	return &Simctl{runner: runner, timeout: timeout}
}

func (s *Simctl) run(ctx context.Context, timeout time.Duration, args ...string) (toolexec.Result, error) {
	return s.runner.Run(ctx, "xcrun", append([]string{"simctl"}, args...), toolexec.Options{Timeout: timeout})
}

// List returns every simulator simctl knows about.
func (s *Simctl) List(ctx context.Context) ([]SimulatorDevice, error) {
	res, err := s.run(ctx, s.timeout, "list", "devices", "-j")
	if err != nil {
		return nil, err
	}

	var data simctlDevicesOutput
	if err := json.Unmarshal([]byte(res.Stdout), &data); err != nil {
		return nil, fmt.Errorf("failed to parse simctl output: %w", err)
	}

	var sims []SimulatorDevice
	for runtime, devices := range data.Devices {
		osVersion := extractOSVersion(runtime)
		for _, dev := range devices {
			sims = append(sims, SimulatorDevice{
				Name:        dev.Name,
				UDID:        dev.UDID,
				Runtime:     runtime,
				OSVersion:   osVersion,
				State:       dev.State,
				IsAvailable: dev.IsAvailable,
			})
		}
	}

	logger.Debug("Found %d simulators", len(sims))
	return sims, nil
}

// Find returns the simulator with udid, or a DEVICE_NOT_FOUND error.
func (s *Simctl) Find(ctx context.Context, udid string) (*SimulatorDevice, error) {
	sims, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sims {
		if sims[i].UDID == udid {
			return &sims[i], nil
		}
	}
	return nil, core.Errorf(core.CodeDeviceNotFound, "simulator not found: %s", udid)
}

// State returns the current simctl state of udid.
func (s *Simctl) State(ctx context.Context, udid string) (string, error) {
	sim, err := s.Find(ctx, udid)
	if err != nil {
		return "", err
	}
	return sim.State, nil
}

// Boot issues simctl boot. Losing a race against another booter is success.
func (s *Simctl) Boot(ctx context.Context, udid string, timeout time.Duration) (toolexec.Result, error) {
	res, err := s.run(ctx, timeout, "boot", udid)
	if err != nil && isAlreadyBooted(res) {
		logger.Info("Simulator already booted: %s", udid)
		return res, nil
	}
	return res, err
}

// BootStatus blocks in simctl bootstatus -b until the simulator finished
// booting or timeout elapses.
func (s *Simctl) BootStatus(ctx context.Context, udid string, timeout time.Duration) (toolexec.Result, error) {
	return s.run(ctx, timeout, "bootstatus", udid, "-b")
}

func isAlreadyBooted(res toolexec.Result) bool {
	return strings.Contains(res.Stderr+res.Stdout, "current state: Booted")
}

// extractOSVersion extracts version from runtime string.
// e.g., "com.apple.CoreSimulator.SimRuntime.iOS-17-2" -> "17.2"
func extractOSVersion(runtime string) string {
	for _, prefix := range []string{"iOS-", "watchOS-", "tvOS-", "xrOS-"} {
		if idx := strings.LastIndex(runtime, prefix); idx != -1 {
			return strings.ReplaceAll(runtime[idx+len(prefix):], "-", ".")
		}
	}
	return ""
}
