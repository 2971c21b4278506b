package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/logger"
)

const sessionDirPattern = "agent-device-runner-*"

// StaleSession is a harness left running by a control process that exited
// without stopping it.
type StaleSession struct {
	Metadata
	Dir string
}

// FindStale lists session directories under workDir recorded for deviceID
// (every device when empty). An empty workDir means the system temp dir.
func FindStale(workDir, deviceID string) ([]StaleSession, error) {
	if workDir == "" {
		workDir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(workDir, sessionDirPattern, "session.json"))
	if err != nil {
		return nil, err
	}
	var out []StaleSession
	for _, path := range matches {
		data, err := os.ReadFile(path) //#nosec G304 -- session dir we created
		if err != nil {
			continue
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			logger.Debug("Skipping unreadable session metadata %s: %v", path, err)
			continue
		}
		if deviceID != "" && meta.DeviceID != deviceID {
			continue
		}
		out = append(out, StaleSession{Metadata: meta, Dir: filepath.Dir(path)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Reap terminates harnesses recorded on disk for deviceID that no live
// session of this manager owns, and removes their directories. It returns
// how many were reaped.
func (m *Manager) Reap(ctx context.Context, deviceID string) (int, error) {
	stale, err := FindStale(m.opts.WorkDir, deviceID)
	if err != nil {
		return 0, err
	}
	owned := make(map[string]bool)
	for _, s := range m.store.List() {
		owned[s.Dir] = true
	}

	reaped := 0
	for _, st := range stale {
		if owned[st.Dir] {
			continue
		}
		logger.Info("Reaping stale runner session %s for %s (pid %d, port %d)", st.SessionID, st.DeviceID, st.Pid, st.Port)
		m.terminate(ctx, st)
		if err := os.RemoveAll(st.Dir); err != nil {
			logger.Debug("Failed to remove stale session dir %s: %v", st.Dir, err)
		}
		reaped++
	}
	return reaped, nil
}

func (m *Manager) terminate(ctx context.Context, st StaleSession) {
	if st.Pid <= 0 || !m.alive(st.Pid) {
		return
	}
	if payload, err := json.Marshal(Simple(KindShutdown)); err == nil && st.Port > 0 {
		if _, err := m.client.Send(ctx, CommandURL("127.0.0.1", st.Port), payload, m.opts.ShutdownTimeout); err != nil {
			logger.Debug("Graceful shutdown of stale runner failed: %v", err)
		}
	}
	if err := m.signal(st.Pid, syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM to stale runner pid %d: %v", st.Pid, err)
	}

	timer := time.NewTimer(m.opts.ShutdownTimeout)
	defer timer.Stop()
	tick := time.NewTicker(m.opts.PollInterval)
	defer tick.Stop()
wait:
	for m.alive(st.Pid) {
		select {
		case <-tick.C:
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	if err := m.signal(st.Pid, syscall.SIGKILL); err != nil {
		logger.Debug("SIGKILL to stale runner pid %d: %v", st.Pid, err)
	}
}
