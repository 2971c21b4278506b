package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/devicelab-dev/agent-device/pkg/core"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

// printSetupStep prints a progress message for setup
func printSetupStep(msg string) {
	fmt.Fprintf(os.Stderr, "  %s⏳%s %s\n", color(colorCyan), color(colorReset), msg)
}

// printSetupSuccess prints a success message for setup
func printSetupSuccess(msg string) {
	fmt.Fprintf(os.Stderr, "  %s✓%s %s\n", color(colorGreen), color(colorReset), msg)
}

// printError writes err with its code, reason, log path and hint.
func printError(w io.Writer, err error) {
	var cerr *core.Error
	if !errors.As(err, &cerr) {
		fmt.Fprintf(w, "%sError:%s %v\n", color(colorRed), color(colorReset), err)
		return
	}
	fmt.Fprintf(w, "%sError [%s]:%s %v\n", color(colorRed), cerr.Code, color(colorReset), err)
	if reason := cerr.Reason(); reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", reason)
	}
	if logPath, ok := cerr.Details["logPath"].(string); ok && logPath != "" {
		fmt.Fprintf(w, "  Log: %s\n", logPath)
	}
	if hint := cerr.Hint(); hint != "" {
		fmt.Fprintf(w, "  %sHint:%s %s\n", color(colorYellow), color(colorReset), hint)
	}
	if verboseErrors {
		keys := make([]string, 0, len(cerr.Details))
		for k := range cerr.Details {
			switch k {
			case core.DetailReason, core.DetailHint, "logPath":
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s%s:%s %v\n", color(colorGray), k, color(colorReset), cerr.Details[k])
		}
	}
}

// verboseErrors adds every error detail to printError output.
var verboseErrors bool

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
