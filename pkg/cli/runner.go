package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/runner"
)

var runnerCommand = &cli.Command{
	Name:  "runner",
	Usage: "Drive the on-device XCUITest runner",
	Subcommands: []*cli.Command{
		runnerSendCommand,
		runnerStopCommand,
	},
}

var runnerSendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send commands to the runner, starting it if needed",
	ArgsUsage: "<command> | <json> [<json>...]",
	Description: `Send one command built from flags, or one or more raw JSON commands that
run in order against the same runner session. The reply data of each
command is printed as JSON. The runner is stopped when the process exits.

Commands: tap, longPress, drag, type, swipe, findText, listTappables,
snapshot, back, home, appSwitcher, alert, pinch

Examples:
  agent-device -p ios --device <UDID> runner send snapshot --interactive-only
  agent-device -p ios --device <UDID> runner send tap --x 120 --y 300
  agent-device -p ios --device <UDID> runner send '{"command":"home"}' '{"command":"snapshot"}'`,
	Flags: []cli.Flag{
		&cli.Float64Flag{Name: "x", Usage: "X coordinate"},
		&cli.Float64Flag{Name: "y", Usage: "Y coordinate"},
		&cli.Float64Flag{Name: "x2", Usage: "Drag end X coordinate"},
		&cli.Float64Flag{Name: "y2", Usage: "Drag end Y coordinate"},
		&cli.IntFlag{Name: "duration-ms", Usage: "Long press duration in milliseconds"},
		&cli.StringFlag{Name: "text", Usage: "Text to type or find"},
		&cli.StringFlag{Name: "direction", Usage: "Swipe direction (up, down, left, right)"},
		&cli.StringFlag{Name: "action", Usage: "Alert action (get, accept, dismiss)"},
		&cli.Float64Flag{Name: "scale", Usage: "Pinch scale (>1 zooms in)"},
		&cli.StringFlag{Name: "app", Usage: "Bundle id of the app under test"},
		&cli.BoolFlag{Name: "interactive-only", Usage: "Limit snapshots to hittable elements"},
		&cli.DurationFlag{Name: "timeout", Usage: "Override the per-command budget (e.g. 30s)"},
	},
	Action: runRunnerSend,
}

var runnerStopCommand = &cli.Command{
	Name:  "stop",
	Usage: "Stop runners left behind for a device (every device without --device)",
	Description: `Terminate runner processes recorded by earlier agent-device invocations
that did not shut them down: a graceful shutdown request, then SIGTERM,
then SIGKILL. Their session directories are removed.`,
	Action: runRunnerStop,
}

func runRunnerSend(c *cli.Context) error {
	cmds, err := parseCommands(c)
	if err != nil {
		return err
	}

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	dev, err := resolveDevice(e, c)
	if err != nil {
		return err
	}

	for _, cmd := range cmds {
		logger.Info("Sending %s to %s", describeCommand(cmd), dev)
		data, err := e.ctl.DispatchCommand(e.ctx, dev, cmd, c.Duration("timeout"))
		if err != nil {
			return err
		}
		if err := printJSON(os.Stdout, data); err != nil {
			return err
		}
	}
	return nil
}

func runRunnerStop(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.ctl.StopSession(e.ctx, e.cfg.Device); err != nil {
		return err
	}
	printSetupSuccess("Runner stopped")
	return nil
}

// parseCommands reads raw JSON commands from the arguments, or builds one
// command from the flags.
func parseCommands(c *cli.Context) ([]runner.Command, error) {
	args := c.Args().Slice()
	if len(args) == 0 {
		return nil, core.NewError(core.CodeInvalidArgs, "a runner command is required")
	}

	var cmds []runner.Command
	if strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		for _, raw := range args {
			var cmd runner.Command
			if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
				return nil, core.Errorf(core.CodeInvalidArgs, "invalid runner command %q", raw).WithCause(err)
			}
			cmds = append(cmds, cmd)
		}
	} else {
		if len(args) > 1 {
			return nil, usageError("unexpected arguments after %s: %s", args[0], strings.Join(args[1:], " "))
		}
		cmds = append(cmds, commandFromFlags(c, runner.Kind(args[0])))
	}

	for _, cmd := range cmds {
		if cmd.Kind == runner.KindShutdown {
			return nil, core.NewError(core.CodeInvalidArgs, "use `runner stop` to shut the runner down")
		}
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

func commandFromFlags(c *cli.Context, kind runner.Kind) runner.Command {
	cmd := runner.Command{
		Kind:        kind,
		DurationMs:  c.Int("duration-ms"),
		Text:        c.String("text"),
		Direction:   c.String("direction"),
		Action:      c.String("action"),
		Scale:       c.Float64("scale"),
		AppBundle:   c.String("app"),
		Interactive: c.Bool("interactive-only"),
	}
	point := func(name string) *float64 {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Float64(name)
		return &v
	}
	cmd.X, cmd.Y, cmd.X2, cmd.Y2 = point("x"), point("y"), point("x2"), point("y2")
	return cmd
}

func describeCommand(cmd runner.Command) string {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Sprint(cmd.Kind)
	}
	return string(data)
}
