package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
timeouts:
  iosBoot: 90s
  androidBoot: 45000
runnerProject: /opt/runner/AgentDeviceRunner.xcodeproj
teamId: ABC123
runnerEnv:
  AGENT_DEVICE_LOCALE: de_DE
retryLogs: true
platform: ios
device: iPhone-15
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Timeouts.IOSBoot.D() != 90*time.Second {
		t.Errorf("expected iosBoot 90s, got %v", cfg.Timeouts.IOSBoot.D())
	}
	if cfg.Timeouts.AndroidBoot.D() != 45*time.Second {
		t.Errorf("expected androidBoot 45s, got %v", cfg.Timeouts.AndroidBoot.D())
	}
	// Unset values keep their defaults
	if cfg.Timeouts.RunnerCommand.D() != 15*time.Second {
		t.Errorf("expected default runnerCommand 15s, got %v", cfg.Timeouts.RunnerCommand.D())
	}
	if cfg.RunnerProject != "/opt/runner/AgentDeviceRunner.xcodeproj" {
		t.Errorf("unexpected runnerProject %q", cfg.RunnerProject)
	}
	if cfg.TeamID != "ABC123" {
		t.Errorf("expected teamId ABC123, got %s", cfg.TeamID)
	}
	if cfg.RunnerEnv["AGENT_DEVICE_LOCALE"] != "de_DE" {
		t.Errorf("expected runnerEnv locale, got %v", cfg.RunnerEnv)
	}
	if !cfg.RetryLogs {
		t.Error("expected retryLogs true")
	}
	if cfg.Platform != "ios" {
		t.Errorf("expected platform ios, got %s", cfg.Platform)
	}
	if cfg.Device != "iPhone-15" {
		t.Errorf("expected device iPhone-15, got %s", cfg.Device)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `timeouts: [invalid yaml`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := "timeouts:\n  iosBoot: soon\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(``), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Timeouts != Defaults().Timeouts {
		t.Errorf("expected default timeouts, got %+v", cfg.Timeouts)
	}
	if cfg.RunnerEnv != nil || cfg.RetryLogs {
		t.Errorf("expected zero runner settings, got %+v", cfg)
	}
}

func TestLoadFromDir_ConfigYaml(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `platform: android`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Platform != "android" {
		t.Errorf("expected platform android, got %s", cfg.Platform)
	}
}

func TestLoadFromDir_ConfigYml(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yml")

	content := `platform: ios`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Platform != "ios" {
		t.Errorf("expected platform ios, got %s", cfg.Platform)
	}
}

func TestLoadFromDir_NoConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Platform != "" {
		t.Errorf("expected empty platform, got %s", cfg.Platform)
	}
	if cfg.Timeouts.IOSBoot.D() != 120*time.Second {
		t.Errorf("expected default iosBoot, got %v", cfg.Timeouts.IOSBoot.D())
	}
}

func TestLoadFromDir_PrefersYamlOverYml(t *testing.T) {
	dir := t.TempDir()

	// Create both config.yaml and config.yml
	yamlContent := `platform: ios`
	ymlContent := `platform: android`

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(ymlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Should prefer config.yaml
	if cfg.Platform != "ios" {
		t.Errorf("expected platform ios (from config.yaml), got %s", cfg.Platform)
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv(EnvIOSBootTimeout, "5000")
	t.Setenv(EnvRunnerStartupTimeout, "250")
	t.Setenv(EnvRetryLogs, "1")
	t.Setenv(EnvRunnerClean, "true")

	cfg := Defaults()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Timeouts.IOSBoot.D() != 5*time.Second {
		t.Errorf("expected iosBoot 5s, got %v", cfg.Timeouts.IOSBoot.D())
	}
	if cfg.Timeouts.RunnerStartup.D() != 250*time.Millisecond {
		t.Errorf("expected runnerStartup 250ms, got %v", cfg.Timeouts.RunnerStartup.D())
	}
	if !cfg.RetryLogs {
		t.Error("expected RetryLogs from env")
	}
	if !cfg.RunnerClean {
		t.Error("expected RunnerClean from env")
	}
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	tests := []string{"abc", "-1", "1.5"}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			t.Setenv(EnvAndroidBootTimeout, raw)
			if err := Defaults().ApplyEnv(); err == nil {
				t.Errorf("expected error for %s=%q", EnvAndroidBootTimeout, raw)
			}
		})
	}
}

func TestApplyEnv_BoolFalse(t *testing.T) {
	t.Setenv(EnvRetryLogs, "0")

	cfg := Defaults()
	cfg.RetryLogs = true
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RetryLogs {
		t.Error("expected RetryLogs to be turned off by env")
	}
}

func TestResolve_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	content := "timeouts:\n  adb: 9s\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvADBTimeout, "1000")

	cfg, err := Resolve(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Timeouts.ADB.D() != time.Second {
		t.Errorf("expected adb 1s from env, got %v", cfg.Timeouts.ADB.D())
	}
}
