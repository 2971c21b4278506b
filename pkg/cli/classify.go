package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/agent-device/pkg/bootfail"
	"github.com/devicelab-dev/agent-device/pkg/core"
)

var classifyCommand = &cli.Command{
	Name:      "classify",
	Usage:     "Classify captured tool output into a boot failure reason",
	ArgsUsage: "[text...]",
	Description: `Classify the output of a failed boot or runner connection and print the
reason with its remediation hint. Reads stdin when no text is given.

Examples:
  agent-device -p android classify "error: device offline"
  xcrun simctl bootstatus <UDID> -b 2>&1 | agent-device -p ios classify --phase boot`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "phase",
			Usage: "Phase that failed (boot, connect, transport)",
			Value: string(bootfail.PhaseBoot),
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the result as JSON",
		},
	},
	Action: runClassify,
}

type classification struct {
	Reason bootfail.Reason `json:"reason"`
	Rule   string          `json:"rule,omitempty"`
	Hint   string          `json:"hint"`
}

func runClassify(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	if text == "" {
		data, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return core.NewError(core.CodeInvalidArgs, "nothing to classify")
	}

	phase := bootfail.Phase(c.String("phase"))
	switch phase {
	case bootfail.PhaseBoot, bootfail.PhaseConnect, bootfail.PhaseTransport:
	default:
		return core.Errorf(core.CodeInvalidArgs, "unknown phase %q (expected boot, connect or transport)", phase)
	}

	reason, rule := bootfail.Explain(bootfail.Evidence{
		Stderr:   text,
		Platform: bootfail.Platform(c.String("platform")),
		Phase:    phase,
	})
	result := classification{Reason: reason, Rule: rule, Hint: bootfail.Hint(reason)}

	w := c.App.Writer
	if w == nil {
		w = os.Stdout
	}
	if c.Bool("json") {
		return printJSON(w, result)
	}
	fmt.Fprintln(w, result.Reason)
	fmt.Fprintf(w, "%sHint:%s %s\n", color(colorYellow), color(colorReset), result.Hint)
	return nil
}
