package config

import (
	"os"
	"path/filepath"
	"sync"
)

const envHome = "AGENT_DEVICE_HOME"

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the agent-device home directory.
//
// Resolution order:
//  1. $AGENT_DEVICE_HOME environment variable
//  2. Parent of the binary's directory (if binary is in <home>/bin/)
//  3. Current working directory (development fallback)
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

// GetCacheDir returns <home>/cache.
func GetCacheDir() string {
	return filepath.Join(GetHome(), "cache")
}

// GetRunnerBuildDir returns <home>/cache/runner-builds/<kind>.
// Builds are keyed by device kind because simulator and device slices
// of the harness are not interchangeable.
func GetRunnerBuildDir(kind string) string {
	return filepath.Join(GetCacheDir(), "runner-builds", kind)
}

// GetLogsDir returns <home>/logs.
func GetLogsDir() string {
	return filepath.Join(GetHome(), "logs")
}

func resolveHome() string {
	// 1. Environment variable
	if env := os.Getenv(envHome); env != "" {
		return env
	}

	// 2. Binary-relative: if binary is at <home>/bin/agent-device, use <home>
	if execPath, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
			execPath = resolved
		}
		binDir := filepath.Dir(execPath)
		if filepath.Base(binDir) == "bin" {
			return filepath.Dir(binDir)
		}
	}

	// 3. Current working directory
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}

	return "."
}

// ResetHome resets the cached home directory (for testing).
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}
