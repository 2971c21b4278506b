package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/agent-device/pkg/config"
	"github.com/devicelab-dev/agent-device/pkg/control"
	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/device"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/retry"
)

const closeTimeout = 15 * time.Second

// newController is swapped in tests.
var newController = func(cfg *config.Config) *control.Controller {
	return control.New(cfg, control.Options{})
}

// env is what every device command runs with.
type env struct {
	ctx    context.Context
	cfg    *config.Config
	ctl    *control.Controller
	cancel context.CancelFunc
}

// setup resolves configuration, starts logging and builds the controller.
// SIGINT/SIGTERM cancel the returned context so sessions are torn down.
func setup(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	logsDir := config.GetLogsDir()
	if err := os.MkdirAll(logsDir, 0o755); err == nil {
		if err := logger.Init(filepath.Join(logsDir, "agent-device.log")); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logger: %v\n", err)
		}
	}
	logger.SetVerbose(c.Bool("verbose"))
	verboseErrors = c.Bool("verbose")
	retry.EnableStderrTelemetry(cfg.RetryLogs)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	logger.Info("=== agent-device %s: %s ===", Version, c.Command.FullName())
	return &env{ctx: ctx, cfg: cfg, ctl: newController(cfg), cancel: cancel}, nil
}

// close stops every harness this process started, even after a signal.
func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := e.ctl.Close(ctx); err != nil {
		logger.Error("Failed to stop runner sessions: %v", err)
	}
	e.cancel()
	logger.Close()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Resolve(c.String("config-dir"))
	if err != nil {
		return nil, core.NewError(core.CodeInvalidArgs, "invalid configuration").WithCause(err)
	}
	if c.IsSet("runner-project") {
		cfg.RunnerProject = c.String("runner-project")
	}
	if c.IsSet("team-id") {
		cfg.TeamID = c.String("team-id")
	}
	if c.IsSet("platform") {
		cfg.Platform = c.String("platform")
	}
	if c.IsSet("device") {
		cfg.Device = c.String("device")
	}
	return cfg, nil
}

// resolveDevice builds the target device from flags, falling back to the
// platform and device named in config.yaml.
func resolveDevice(e *env, c *cli.Context) (device.Device, error) {
	id := e.cfg.Device
	if id == "" {
		return device.Device{}, core.NewError(core.CodeInvalidArgs, "--device is required")
	}
	platform, err := device.ParsePlatform(e.cfg.Platform)
	if err != nil {
		return device.Device{}, core.NewError(core.CodeInvalidArgs, "--platform is required (ios or android)").WithCause(err)
	}

	if platform == device.PlatformAndroid {
		kind := device.KindDevice
		if device.IsEmulator(id) {
			kind = device.KindEmulator
		}
		return device.Device{ID: id, Platform: platform, Kind: kind}, nil
	}
	return e.ctl.ResolveIOS(e.ctx, id, c.String("tunnel-host"))
}
