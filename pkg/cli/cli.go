// Package cli provides the command-line interface for agent-device.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "platform",
		Aliases: []string{"p"},
		Usage:   "Platform of the target device (ios, android)",
		EnvVars: []string{"AGENT_DEVICE_PLATFORM"},
	},
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"udid", "serial"},
		Usage:   "Device UDID or adb serial",
		EnvVars: []string{"AGENT_DEVICE_DEVICE"},
	},
	&cli.StringFlag{
		Name:    "tunnel-host",
		Usage:   "Host of a tunnel that reaches the runner on a physical iOS device",
		EnvVars: []string{"AGENT_DEVICE_TUNNEL_HOST"},
	},
	&cli.StringFlag{
		Name:    "config-dir",
		Usage:   "Directory holding config.yaml",
		Value:   ".",
		EnvVars: []string{"AGENT_DEVICE_CONFIG_DIR"},
	},
	&cli.StringFlag{
		Name:    "runner-project",
		Usage:   "Path to the runner .xcodeproj (overrides runnerProject)",
		EnvVars: []string{"AGENT_DEVICE_RUNNER_PROJECT"},
	},
	&cli.StringFlag{
		Name:    "team-id",
		Usage:   "Apple Development Team ID for signing the runner on physical devices",
		EnvVars: []string{"AGENT_DEVICE_TEAM_ID"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Echo logs and runner output to stderr",
		EnvVars: []string{"AGENT_DEVICE_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// Execute runs the CLI.
func Execute() {
	if err := newApp().Run(os.Args); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "agent-device",
		Usage:   "Boot mobile devices and drive the on-device XCUITest runner",
		Version: Version,
		Description: `agent-device brings iOS simulators, physical iOS devices and Android
emulators to a usable state and relays automation commands to the
XCUITest runner, with bounded retries and classified failures.

Examples:
  agent-device -p ios --device <UDID> boot
  agent-device -p android --device emulator-5554 boot
  agent-device -p ios --device <UDID> runner send snapshot
  agent-device -p ios --device <UDID> runner send tap --x 120 --y 300
  agent-device runner stop
  xcrun simctl bootstatus <UDID> -b 2>&1 | agent-device -p ios classify`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			bootCommand,
			runnerCommand,
			classifyCommand,
		},
	}
}

func usageError(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
