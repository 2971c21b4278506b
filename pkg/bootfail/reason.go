// Package bootfail classifies boot and connection failures of native
// device tooling into a closed set of reasons with remediation hints.
package bootfail

// Reason is a classified failure cause.
type Reason string

const (
	IOSBootTimeout              Reason = "IOS_BOOT_TIMEOUT"
	IOSRunnerConnectTimeout     Reason = "IOS_RUNNER_CONNECT_TIMEOUT"
	IOSToolMissing              Reason = "IOS_TOOL_MISSING"
	AndroidBootTimeout          Reason = "ANDROID_BOOT_TIMEOUT"
	AndroidToolMissing          Reason = "ANDROID_TOOL_MISSING"
	ADBTransportUnavailable     Reason = "ADB_TRANSPORT_UNAVAILABLE"
	ResourceStarvationSuspected Reason = "CI_RESOURCE_STARVATION_SUSPECTED"
	BootCommandFailed           Reason = "BOOT_COMMAND_FAILED"
	Unknown                     Reason = "UNKNOWN"
)

// Reasons lists every member of the enumeration.
func Reasons() []Reason {
	return []Reason{
		IOSBootTimeout,
		IOSRunnerConnectTimeout,
		IOSToolMissing,
		AndroidBootTimeout,
		AndroidToolMissing,
		ADBTransportUnavailable,
		ResourceStarvationSuspected,
		BootCommandFailed,
		Unknown,
	}
}

var hints = map[Reason]string{
	IOSBootTimeout:              "Simulator did not finish booting in time. Retry with a larger AGENT_DEVICE_IOS_BOOT_TIMEOUT_MS, or erase the simulator (xcrun simctl erase <udid>) if it keeps hanging.",
	IOSRunnerConnectTimeout:     "The XCUITest runner never accepted a connection. Check the runner log, make sure the device is unlocked, and retry with a larger AGENT_DEVICE_RUNNER_STARTUP_TIMEOUT_MS.",
	IOSToolMissing:              "Xcode command line tools are missing. Install Xcode and run: xcode-select --install",
	AndroidBootTimeout:          "Emulator did not report sys.boot_completed=1 in time. Retry with a larger AGENT_DEVICE_ANDROID_BOOT_TIMEOUT_MS or cold-boot the emulator.",
	AndroidToolMissing:          "adb was not found. Install Android platform-tools and set ANDROID_HOME or add adb to PATH.",
	ADBTransportUnavailable:     "adb cannot reach the device. Check `adb devices` for offline/unauthorized state, accept the USB debugging prompt, or restart adb (adb kill-server).",
	ResourceStarvationSuspected: "The host looks starved of memory or processes. Close other simulators/emulators or give the CI machine more resources, then retry.",
	BootCommandFailed:           "A device tool command failed. Re-run with --verbose and AGENT_DEVICE_RETRY_LOGS=1 to see the raw tool output.",
	Unknown:                     "Unexpected failure. Re-run with --verbose and AGENT_DEVICE_RETRY_LOGS=1 and include the log when reporting the issue.",
}

// Hint returns the remediation text for reason. Every reason has one;
// values outside the enumeration get the Unknown hint.
func Hint(reason Reason) string {
	if h, ok := hints[reason]; ok {
		return h
	}
	return hints[Unknown]
}

// Retryable reports whether a failure with this reason is worth another
// attempt inside a boot loop.
func (r Reason) Retryable() bool {
	switch r {
	case IOSToolMissing, AndroidToolMissing:
		return false
	}
	return true
}
