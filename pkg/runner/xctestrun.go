package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"howett.net/plist"
)

// PortEnv is the harness environment variable carrying its listen port.
const PortEnv = "AGENT_DEVICE_RUNNER_PORT"

const xctestrunMetadataKey = "__xctestrun_metadata__"

// PrepareXctestrun copies the xctestrun at src into dir with the port and
// env injected into every test target's EnvironmentVariables. The source
// file is never modified so the cached build stays shareable.
func PrepareXctestrun(src, dir string, port int, env map[string]string) (string, error) {
	data, err := os.ReadFile(src) //#nosec G304 -- build cache path
	if err != nil {
		return "", fmt.Errorf("failed to read xctestrun: %w", err)
	}

	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("failed to parse xctestrun: %w", err)
	}

	vars := map[string]string{PortEnv: strconv.Itoa(port)}
	for k, v := range env {
		vars[k] = v
	}

	// Format version 2 nests targets under TestConfigurations; version 1
	// uses top-level keys.
	if configs, ok := doc["TestConfigurations"].([]interface{}); ok {
		for _, cfg := range configs {
			cfgMap, _ := cfg.(map[string]interface{})
			if cfgMap == nil {
				continue
			}
			targets, _ := cfgMap["TestTargets"].([]interface{})
			for _, tgt := range targets {
				setTargetEnv(tgt, vars)
			}
		}
	} else {
		for key, val := range doc {
			if key == xctestrunMetadataKey {
				continue
			}
			setTargetEnv(val, vars)
		}
	}

	out, err := plist.MarshalIndent(doc, plist.XMLFormat, "\t")
	if err != nil {
		return "", fmt.Errorf("failed to serialize xctestrun: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := os.WriteFile(dst, out, 0o600); err != nil {
		return "", fmt.Errorf("failed to write xctestrun: %w", err)
	}
	return dst, nil
}

func setTargetEnv(target interface{}, vars map[string]string) {
	tgtMap, ok := target.(map[string]interface{})
	if !ok {
		return
	}
	env, ok := tgtMap["EnvironmentVariables"].(map[string]interface{})
	if !ok {
		env = make(map[string]interface{})
		tgtMap["EnvironmentVariables"] = env
	}
	for k, v := range vars {
		env[k] = v
	}
}

// Metadata is written next to the session's xctestrun for post-mortem
// inspection of stray harness processes.
type Metadata struct {
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	Platform  string    `json:"platform"`
	Kind      string    `json:"kind"`
	Port      int       `json:"port"`
	Xctestrun string    `json:"xctestrun"`
	LogPath   string    `json:"logPath"`
	Pid       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func writeMetadata(dir string, meta Metadata) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "session.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write session metadata: %w", err)
	}
	return path, nil
}
