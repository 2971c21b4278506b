// Package control wires the boot waiters and the runner session manager
// behind the operations the command layer calls.
package control

import (
	"context"
	"os"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/config"
	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/device"
	"github.com/devicelab-dev/agent-device/pkg/emulator"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/runner"
	"github.com/devicelab-dev/agent-device/pkg/simulator"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// AndroidWaiter waits for an Android device to finish booting.
type AndroidWaiter interface {
	WaitForBoot(ctx context.Context, serial string, timeout time.Duration) error
}

// SimulatorBooter boots an iOS simulator and waits for it.
type SimulatorBooter interface {
	EnsureBooted(ctx context.Context, udid string, timeout time.Duration) error
}

// Options overrides collaborators; zero values are built from the config.
type Options struct {
	Tools     toolexec.Runner
	Android   AndroidWaiter
	Simulator SimulatorBooter
	Simctl    *simulator.Simctl
	Runner    runner.Options
}

// Controller is the entry point for boot and harness operations.
type Controller struct {
	cfg       *config.Config
	android   AndroidWaiter
	simulator SimulatorBooter
	simctl    *simulator.Simctl
	runners   *runner.Manager
}

// New builds a controller from cfg.
func New(cfg *config.Config, opts Options) *Controller {
	if cfg == nil {
		cfg = config.Defaults()
	}
	tools := opts.Tools
	if tools == nil {
		tools = toolexec.ExecRunner{}
	}

	c := &Controller{cfg: cfg, android: opts.Android, simulator: opts.Simulator, simctl: opts.Simctl}
	if c.simctl == nil {
		c.simctl = simulator.NewSimctl(tools, cfg.Timeouts.IOSSimctl.D())
	}
	if c.android == nil {
		c.android = emulator.NewBootWaiter(tools, cfg.Timeouts.ADB.D())
	}
	if c.simulator == nil {
		c.simulator = simulator.NewBooter(c.simctl, cfg.Timeouts.IOSSimctl.D())
	}

	ro := opts.Runner
	if ro.Builder == nil {
		b := runner.NewXcodeBuilder(cfg.RunnerProject, buildCacheDir, tools)
		b.TeamID = cfg.TeamID
		b.Clean = cfg.RunnerClean
		ro.Builder = b
	}
	if ro.Booter == nil {
		ro.Booter = c
	}
	if ro.Relay == nil {
		ro.Relay = runner.NewSimctlRelay(tools)
	}
	if ro.StartupTimeout <= 0 {
		ro.StartupTimeout = cfg.Timeouts.RunnerStartup.D()
	}
	if ro.CommandTimeout <= 0 {
		ro.CommandTimeout = cfg.Timeouts.RunnerCommand.D()
	}
	if ro.ShutdownTimeout <= 0 {
		ro.ShutdownTimeout = cfg.Timeouts.RunnerShutdown.D()
	}
	if ro.Env == nil {
		ro.Env = cfg.RunnerEnv
	}
	if ro.LogSink == nil {
		ro.LogSink = logger.GetWriter()
	}
	c.runners = runner.NewManager(ro)
	return c
}

func buildCacheDir(kind string) (string, error) {
	dir := config.GetRunnerBuildDir(kind)
	return dir, os.MkdirAll(dir, 0o755)
}

// Config returns the resolved configuration.
func (c *Controller) Config() *config.Config { return c.cfg }

// EnsureBooted makes dev ready for automation. Physical iOS devices have
// no boot step, and a simulator resolved as booted is not checked again.
func (c *Controller) EnsureBooted(ctx context.Context, dev device.Device) error {
	switch dev.Platform {
	case device.PlatformAndroid:
		logger.Info("Waiting for %s to boot", dev)
		return c.android.WaitForBoot(ctx, dev.ID, c.cfg.Timeouts.AndroidBoot.D())
	case device.PlatformIOS:
		if !dev.IsSimulator() {
			return nil
		}
		if dev.Booted {
			logger.Debug("%s already booted", dev)
			return nil
		}
		logger.Info("Ensuring %s is booted", dev)
		return c.simulator.EnsureBooted(ctx, dev.ID, c.cfg.Timeouts.IOSBoot.D())
	}
	return core.Errorf(core.CodeUnsupportedOperation, "unsupported platform %q", dev.Platform)
}

// ResolveIOS builds a device reference for an iOS udid, telling simulators
// from physical devices by the simctl inventory.
func (c *Controller) ResolveIOS(ctx context.Context, udid, tunnelHost string) (device.Device, error) {
	dev := device.Device{ID: udid, Platform: device.PlatformIOS, Kind: device.KindDevice, TunnelHost: tunnelHost}
	sim, err := c.simctl.Find(ctx, udid)
	switch {
	case err == nil:
		dev.Kind = device.KindSimulator
		dev.Name = sim.Name
		dev.Booted = sim.State == simulator.StateBooted
	case core.HasCode(err, core.CodeDeviceNotFound):
	case toolexec.IsToolMissing(err):
		return dev, err
	default:
		logger.Warn("Could not list simulators, treating %s as a physical device: %v", udid, err)
	}
	return dev, nil
}

// DispatchCommand delivers cmd to the harness of dev, starting it if needed.
func (c *Controller) DispatchCommand(ctx context.Context, dev device.Device, cmd runner.Command, timeout time.Duration) (map[string]interface{}, error) {
	return c.runners.Dispatch(ctx, dev, cmd, runner.DispatchOptions{Timeout: timeout})
}

// Session returns the live harness session of deviceID.
func (c *Controller) Session(deviceID string) (*runner.Session, error) {
	s, ok := c.runners.Session(deviceID)
	if !ok {
		return nil, core.Errorf(core.CodeSessionNotFound, "no runner session for %s", deviceID)
	}
	return s, nil
}

// StopSession tears down the harness of deviceID, including harnesses
// left behind by earlier processes. It is a no-op when none exist.
func (c *Controller) StopSession(ctx context.Context, deviceID string) error {
	if err := c.runners.Stop(ctx, deviceID); err != nil {
		return err
	}
	n, err := c.runners.Reap(ctx, deviceID)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("Stopped %d stale runner(s) for %s", n, deviceID)
	}
	return nil
}

// Close stops every session this controller started.
func (c *Controller) Close(ctx context.Context) error {
	return c.runners.StopAll(ctx)
}
