// Package device provides device references and Android device access via ADB.
package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// AndroidDevice runs adb commands against one serial.
type AndroidDevice struct {
	serial  string
	adbPath string
	runner  toolexec.Runner
	timeout time.Duration // per-command budget
}

// NewAndroid creates an AndroidDevice for serial. It does not contact the
// device; use the boot waiter to establish readiness.
func NewAndroid(serial string, runner toolexec.Runner, timeout time.Duration) *AndroidDevice {
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	return &AndroidDevice{
		serial:  serial,
		adbPath: FindADB(),
		runner:  runner,
		timeout: timeout,
	}
}

// Serial returns the device serial number.
func (d *AndroidDevice) Serial() string {
	return d.serial
}

// Shell executes a shell command on the device.
func (d *AndroidDevice) Shell(ctx context.Context, args ...string) (toolexec.Result, error) {
	return d.adb(ctx, append([]string{"shell"}, args...)...)
}

// GetProp reads one system property.
func (d *AndroidDevice) GetProp(ctx context.Context, name string) (string, error) {
	res, err := d.Shell(ctx, "getprop", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// State returns the adb transport state ("device", "offline", ...).
func (d *AndroidDevice) State(ctx context.Context) (string, error) {
	res, err := d.adb(ctx, "get-state")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsEmulator checks if a device serial is an emulator.
func IsEmulator(serial string) bool {
	return strings.HasPrefix(serial, "emulator-")
}

// adb executes an ADB command.
func (d *AndroidDevice) adb(ctx context.Context, args ...string) (toolexec.Result, error) {
	cmdArgs := make([]string, 0, len(args)+2)
	if d.serial != "" {
		cmdArgs = append(cmdArgs, "-s", d.serial)
	}
	cmdArgs = append(cmdArgs, args...)
	return d.runner.Run(ctx, d.adbPath, cmdArgs, toolexec.Options{Timeout: d.timeout})
}

// FindADB locates the ADB binary. It prefers the SDK's platform-tools and
// falls back to the bare name so PATH lookup (and the tool-missing error)
// happens at run time.
func FindADB() string {
	if home := getAndroidHome(); home != "" {
		adbPath := filepath.Join(home, "platform-tools", "adb")
		if _, err := os.Stat(adbPath); err == nil {
			return adbPath
		}
	}
	return "adb"
}

// getAndroidHome returns ANDROID_HOME environment variable
func getAndroidHome() string {
	// Try multiple env vars
	if home := os.Getenv("ANDROID_HOME"); home != "" {
		return home
	}
	if home := os.Getenv("ANDROID_SDK_ROOT"); home != "" {
		return home
	}
	if home := os.Getenv("ANDROID_SDK_HOME"); home != "" {
		return home
	}
	return ""
}
