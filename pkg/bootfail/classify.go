package bootfail

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// Platform is the device platform the evidence came from.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Phase is the stage of device bring-up that failed.
type Phase string

const (
	PhaseBoot      Phase = "boot"
	PhaseConnect   Phase = "connect"
	PhaseTransport Phase = "transport"
)

// Evidence is everything known about one failure.
type Evidence struct {
	Err      error
	Message  string
	Stdout   string
	Stderr   string
	Details  map[string]interface{}
	Platform Platform
	Phase    Phase
}

// rule maps evidence to a reason. Rules are evaluated in order.
type rule struct {
	name   string
	match  func(ev Evidence, text string) bool
	reason func(ev Evidence) Reason
}

func fixed(r Reason) func(Evidence) Reason {
	return func(Evidence) Reason { return r }
}

var (
	connectPhrases = []string{
		"did not accept connection",
		"connection refused",
		"econnrefused",
		"connection reset",
		"socket hang up",
		"hung up",
		"timed out",
		"timeout",
		"etimedout",
		"deadline exceeded",
		"fetch failed",
	}
	bootTimeoutPhrases = []string{
		"timed out",
		"timeout",
		"deadline exceeded",
		"did not finish booting",
	}
	starvationPhrases = []string{
		"cannot allocate memory",
		"out of memory",
		"killed: 9",
		"signal 9",
		"signal: killed",
		"sigkill",
		"resource temporarily unavailable",
		"no space left on device",
	}
	transportPhrases = []string{
		"device offline",
		"offline",
		"unauthorized",
		"device not found",
		"no devices/emulators found",
		"no devices found",
		"cannot connect to daemon",
	}
)

var rules = []rule{
	{
		name:  "tool-missing",
		match: func(ev Evidence, _ string) bool { return toolexec.IsToolMissing(ev.Err) },
		reason: func(ev Evidence) Reason {
			if ev.Platform == PlatformAndroid {
				return AndroidToolMissing
			}
			return IOSToolMissing
		},
	},
	{
		name: "ios-connect",
		match: func(ev Evidence, text string) bool {
			return ev.Platform == PlatformIOS && ev.Phase == PhaseConnect && containsAny(text, connectPhrases)
		},
		reason: fixed(IOSRunnerConnectTimeout),
	},
	{
		name: "ios-boot-timeout",
		match: func(ev Evidence, text string) bool {
			return ev.Platform == PlatformIOS && ev.Phase == PhaseBoot && containsAny(text, bootTimeoutPhrases)
		},
		reason: fixed(IOSBootTimeout),
	},
	{
		name: "android-boot-timeout",
		match: func(ev Evidence, text string) bool {
			return ev.Platform == PlatformAndroid && ev.Phase == PhaseBoot && containsAny(text, bootTimeoutPhrases)
		},
		reason: fixed(AndroidBootTimeout),
	},
	{
		name:   "resource-starvation",
		match:  func(_ Evidence, text string) bool { return containsAny(text, starvationPhrases) },
		reason: fixed(ResourceStarvationSuspected),
	},
	{
		name: "adb-transport",
		match: func(ev Evidence, text string) bool {
			return ev.Platform == PlatformAndroid && containsAny(text, transportPhrases)
		},
		reason: fixed(ADBTransportUnavailable),
	},
	{
		name: "command-failed",
		match: func(ev Evidence, text string) bool {
			return core.HasCode(ev.Err, core.CodeCommandFailed) || strings.TrimSpace(text) != ""
		},
		reason: fixed(BootCommandFailed),
	},
}

// Classify maps evidence to the first matching reason.
func Classify(ev Evidence) Reason {
	reason, _ := Explain(ev)
	return reason
}

// Explain is Classify that also names the rule that matched ("" for Unknown).
func Explain(ev Evidence) (Reason, string) {
	ev = harvest(ev)
	text := evidenceText(ev)
	for _, r := range rules {
		if r.match(ev, text) {
			return r.reason(ev), r.name
		}
	}
	return Unknown, ""
}

// ClassifyError is a shorthand for classifying a bare error.
func ClassifyError(err error, platform Platform, phase Phase) Reason {
	return Classify(Evidence{Err: err, Platform: platform, Phase: phase})
}

// harvest fills stdout, stderr and details from structured errors in the
// chain when the caller did not supply them.
func harvest(ev Evidence) Evidence {
	if ev.Err == nil {
		return ev
	}
	if out, ok := toolexec.Output(ev.Err); ok {
		if ev.Stdout == "" {
			ev.Stdout = out.Stdout
		}
		if ev.Stderr == "" {
			ev.Stderr = out.Stderr
		}
	}
	var cerr *core.Error
	if ev.Details == nil && errors.As(ev.Err, &cerr) {
		ev.Details = cerr.Details
	}
	return ev
}

func evidenceText(ev Evidence) string {
	parts := []string{ev.Message}
	if ev.Err != nil {
		parts = append(parts, ev.Err.Error())
	}
	parts = append(parts, detailText(ev.Details)...)
	parts = append(parts, ev.Stdout, ev.Stderr)
	return strings.ToLower(strings.Join(parts, "\n"))
}

// detailText flattens string values of the detail bag, including nested
// maps such as "boot" and "bootstatus". Classification text excludes hints
// so a previous classification cannot feed back into the next one.
func detailText(details map[string]interface{}) []string {
	if len(details) == 0 {
		return nil
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		if k == core.DetailHint || k == core.DetailReason {
			continue
		}
		switch v := details[k].(type) {
		case string:
			out = append(out, v)
		case map[string]interface{}:
			out = append(out, detailText(v)...)
		case map[string]string:
			nested := make(map[string]interface{}, len(v))
			for nk, nv := range v {
				nested[nk] = nv
			}
			out = append(out, detailText(nested)...)
		case error:
			out = append(out, v.Error())
		case fmt.Stringer:
			out = append(out, v.String())
		}
	}
	return out
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
