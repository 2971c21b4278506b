package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/device"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

const (
	// DefaultScheme is the harness scheme in the runner project.
	DefaultScheme = "AgentDeviceRunner"
	// DefaultBuildMaxAge bounds how long a cached build is reused.
	DefaultBuildMaxAge = 24 * time.Hour

	buildTimeout = 10 * time.Minute
)

const signingHint = "Code signing failed. Set a development team (teamId in config.yaml or --team-id), " +
	"make sure a valid signing certificate and provisioning profile exist, " +
	"and trust the developer certificate on the device under Settings > General > VPN & Device Management."

var signingPhrases = []string{
	"code sign",
	"code signing",
	"signing certificate",
	"provisioning profile",
	"requires a development team",
	"no account for team",
	"development team",
	"developer app certificate is not trusted",
}

// Builder produces the harness xctestrun for a device.
type Builder interface {
	Build(ctx context.Context, dev device.Device) (string, error)
}

// XcodeBuilder builds the harness with xcodebuild build-for-testing and
// caches one build per device kind.
type XcodeBuilder struct {
	Project  string // path to the .xcodeproj
	Scheme   string
	TeamID   string
	MaxAge   time.Duration
	Clean    bool
	CacheDir func(kind string) (string, error)

	runner toolexec.Runner
	group  singleflight.Group

	mu      sync.Mutex
	cleaned map[string]bool
}

// NewXcodeBuilder returns a builder; a nil runner uses os/exec.
func NewXcodeBuilder(project string, cacheDir func(kind string) (string, error), runner toolexec.Runner) *XcodeBuilder {
	if runner == nil {
		runner = toolexec.ExecRunner{}
	}
	return &XcodeBuilder{
		Project:  project,
		Scheme:   DefaultScheme,
		MaxAge:   DefaultBuildMaxAge,
		CacheDir: cacheDir,
		runner:   runner,
		cleaned:  make(map[string]bool),
	}
}

// Build returns a cached xctestrun or builds one. Concurrent builds for the
// same kind share one xcodebuild invocation.
func (b *XcodeBuilder) Build(ctx context.Context, dev device.Device) (string, error) {
	kind := buildKind(dev)
	v, err, _ := b.group.Do(kind, func() (interface{}, error) {
		return b.build(ctx, kind)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func buildKind(dev device.Device) string {
	if dev.Kind == device.KindSimulator {
		return "simulator"
	}
	return "device"
}

func (b *XcodeBuilder) build(ctx context.Context, kind string) (string, error) {
	if b.Project == "" {
		return "", core.NewError(core.CodeInvalidArgs, "runner project path is not configured (runnerProject in config.yaml)")
	}
	dir, err := b.CacheDir(kind)
	if err != nil {
		return "", fmt.Errorf("failed to get build cache directory: %w", err)
	}
	derived := filepath.Join(dir, "DerivedData")

	if b.takeClean(kind) {
		logger.Info("Cleaning runner build cache: %s", derived)
		if err := os.RemoveAll(derived); err != nil {
			return "", fmt.Errorf("failed to clean runner build cache: %w", err)
		}
	}

	if path, ok := findXctestrun(derived, b.MaxAge); ok {
		logger.Info("Using cached runner build (%s)", kind)
		return path, nil
	}

	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create build cache directory: %w", err)
	}

	args := []string{
		"build-for-testing",
		"-project", b.Project,
		"-scheme", b.Scheme,
		"-derivedDataPath", derived,
	}
	if kind == "simulator" {
		args = append(args, "-destination", "generic/platform=iOS Simulator")
	} else {
		args = append(args, "-destination", "generic/platform=iOS", "-allowProvisioningUpdates")
		if b.TeamID != "" {
			args = append(args, fmt.Sprintf("DEVELOPMENT_TEAM=%s", b.TeamID))
		}
	}

	logger.Info("Building runner for %s (this may take several minutes)", kind)
	res, runErr := b.runner.Run(ctx, "xcodebuild", args, toolexec.Options{Timeout: buildTimeout})

	logPath := filepath.Join(dir, "logs", "build.log")
	if err := os.WriteFile(logPath, []byte(res.Stdout+res.Stderr), 0o644); err != nil {
		logger.Warn("Failed to write build log: %v", err)
	}
	if runErr != nil {
		return "", buildError(res, runErr, logPath)
	}

	path, ok := findXctestrun(derived, 0)
	if !ok {
		return "", core.Errorf(core.CodeCommandFailed, "runner build produced no xctestrun in %s", filepath.Join(derived, "Build", "Products"))
	}
	logger.Info("Runner build complete: %s", path)
	return path, nil
}

// takeClean reports whether kind still needs its one forced clean.
func (b *XcodeBuilder) takeClean(kind string) bool {
	if !b.Clean {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaned[kind] {
		return false
	}
	b.cleaned[kind] = true
	return true
}

// findXctestrun returns the newest xctestrun younger than maxAge (any age
// when maxAge is zero).
func findXctestrun(derived string, maxAge time.Duration) (string, bool) {
	matches, _ := filepath.Glob(filepath.Join(derived, "Build", "Products", "*.xctestrun"))
	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if maxAge > 0 && time.Since(info.ModTime()) > maxAge {
			continue
		}
		found = append(found, candidate{m, info.ModTime()})
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })
	return found[0].path, true
}

func buildError(res toolexec.Result, cause error, logPath string) error {
	if toolexec.IsToolMissing(cause) {
		return core.AsError(cause).WithDetails(map[string]interface{}{
			core.DetailHint: "Install Xcode and run: xcode-select --install",
		})
	}
	output := res.Stdout + "\n" + res.Stderr
	hint := fmt.Sprintf("See the full build log at %s", logPath)
	if isSigningFailure(output) {
		hint = signingHint
	}
	return &core.Error{
		Code:    core.CodeCommandFailed,
		Message: "failed to build runner",
		Details: map[string]interface{}{
			core.DetailStdout:   tailLines(res.Stdout, 20),
			core.DetailStderr:   core.Truncate(strings.TrimSpace(res.Stderr), 2000),
			core.DetailExitCode: res.ExitCode,
			core.DetailHint:     hint,
			"logPath":           logPath,
		},
		Cause: cause,
	}
}

func isSigningFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, p := range signingPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
