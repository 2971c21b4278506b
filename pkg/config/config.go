// Package config handles configuration for agent-device.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consumed by the resilience core. Durations are
// integer milliseconds.
const (
	EnvIOSBootTimeout       = "AGENT_DEVICE_IOS_BOOT_TIMEOUT_MS"
	EnvIOSSimctlTimeout     = "AGENT_DEVICE_IOS_SIMCTL_TIMEOUT_MS"
	EnvAndroidBootTimeout   = "AGENT_DEVICE_ANDROID_BOOT_TIMEOUT_MS"
	EnvADBTimeout           = "AGENT_DEVICE_ADB_TIMEOUT_MS"
	EnvAppLaunchTimeout     = "AGENT_DEVICE_APP_LAUNCH_TIMEOUT_MS"
	EnvRunnerCommandTimeout = "AGENT_DEVICE_RUNNER_COMMAND_TIMEOUT_MS"
	EnvRunnerStartupTimeout = "AGENT_DEVICE_RUNNER_STARTUP_TIMEOUT_MS"
	EnvRetryLogs            = "AGENT_DEVICE_RETRY_LOGS"
	EnvRunnerClean          = "AGENT_DEVICE_RUNNER_CLEAN"
)

// Config represents the workspace configuration (config.yaml) merged with
// environment overrides.
type Config struct {
	Timeouts Timeouts `yaml:"timeouts"`

	// Runner settings
	RunnerProject string            `yaml:"runnerProject"` // Path to the harness .xcodeproj
	TeamID        string            `yaml:"teamId"`        // Signing team for physical devices
	RunnerEnv     map[string]string `yaml:"runnerEnv"`     // Extra env injected into the harness
	RunnerClean   bool              `yaml:"runnerClean"`   // Force a clean harness build

	RetryLogs bool `yaml:"retryLogs"` // Emit retry telemetry to stderr

	// Device settings
	Platform string `yaml:"platform"`
	Device   string `yaml:"device"`
}

// Timeouts holds every bounded-operation budget.
type Timeouts struct {
	IOSBoot        Duration `yaml:"iosBoot"`
	IOSSimctl      Duration `yaml:"iosSimctl"`
	AndroidBoot    Duration `yaml:"androidBoot"`
	ADB            Duration `yaml:"adb"`
	AppLaunch      Duration `yaml:"appLaunch"`
	RunnerCommand  Duration `yaml:"runnerCommand"`
	RunnerStartup  Duration `yaml:"runnerStartup"`
	RunnerShutdown Duration `yaml:"runnerShutdown"`
}

// Duration is a time.Duration that unmarshals from YAML as either a Go
// duration string ("90s") or integer milliseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if ms, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Timeouts: Timeouts{
			IOSBoot:        Duration(120 * time.Second),
			IOSSimctl:      Duration(30 * time.Second),
			AndroidBoot:    Duration(60 * time.Second),
			ADB:            Duration(5 * time.Second),
			AppLaunch:      Duration(30 * time.Second),
			RunnerCommand:  Duration(15 * time.Second),
			RunnerStartup:  Duration(120 * time.Second),
			RunnerShutdown: Duration(5 * time.Second),
		},
	}
}

// Load loads configuration from a file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return defaults
	return Defaults(), nil
}

// ApplyEnv overrides cfg with any AGENT_DEVICE_* variables set in the
// environment. Malformed values are reported rather than ignored.
func (c *Config) ApplyEnv() error {
	durations := []struct {
		env string
		dst *Duration
	}{
		{EnvIOSBootTimeout, &c.Timeouts.IOSBoot},
		{EnvIOSSimctlTimeout, &c.Timeouts.IOSSimctl},
		{EnvAndroidBootTimeout, &c.Timeouts.AndroidBoot},
		{EnvADBTimeout, &c.Timeouts.ADB},
		{EnvAppLaunchTimeout, &c.Timeouts.AppLaunch},
		{EnvRunnerCommandTimeout, &c.Timeouts.RunnerCommand},
		{EnvRunnerStartupTimeout, &c.Timeouts.RunnerStartup},
	}
	for _, d := range durations {
		raw, ok := os.LookupEnv(d.env)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || ms < 0 {
			return fmt.Errorf("%s must be a non-negative integer (milliseconds), got %q", d.env, raw)
		}
		*d.dst = Duration(time.Duration(ms) * time.Millisecond)
	}

	if v, ok := envBool(EnvRetryLogs); ok {
		c.RetryLogs = v
	}
	if v, ok := envBool(EnvRunnerClean); ok {
		c.RunnerClean = v
	}
	return nil
}

// Resolve loads config.yaml from dir (if any) and applies the environment.
func Resolve(dir string) (*Config, error) {
	cfg, err := LoadFromDir(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "", "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
