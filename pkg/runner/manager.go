package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/devicelab-dev/agent-device/pkg/bootfail"
	"github.com/devicelab-dev/agent-device/pkg/core"
	"github.com/devicelab-dev/agent-device/pkg/device"
	"github.com/devicelab-dev/agent-device/pkg/logger"
	"github.com/devicelab-dev/agent-device/pkg/retry"
	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

// ErrNeverConnected marks a dispatch whose harness accepted no connection
// within the allowed window. The manager recovers from it once by
// rebuilding the session.
var ErrNeverConnected = errors.New("runner never accepted a connection")

// ErrHarnessExited marks a dispatch aborted because the harness process
// exited.
var ErrHarnessExited = errors.New("runner process exited")

const (
	defaultPollInterval    = 250 * time.Millisecond
	defaultDialTimeout     = 5 * time.Second
	defaultStartupTimeout  = 120 * time.Second
	defaultCommandTimeout  = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	logTailLines           = 20
)

// read-only commands are repeated on refused or hung-up connections only
var readOnlyPolicy = retry.Policy{
	MaxAttempts:    3,
	BaseDelay:      300 * time.Millisecond,
	MaxDelay:       2 * time.Second,
	JitterFraction: 0.2,
	ShouldRetry: func(err error, _ int) bool {
		return !errors.Is(err, ErrNeverConnected) && isRetryableTransport(err)
	},
}

// Booter satisfies a device's boot precondition before a harness launch.
type Booter interface {
	EnsureBooted(ctx context.Context, dev device.Device) error
}

// Options configures a Manager. Zero durations take defaults.
type Options struct {
	Builder  Builder
	Launcher Launcher
	Booter   Booter // nil skips the boot precondition
	Relay    Relay  // nil disables the simulator relay fallback
	Ports    PortAllocator
	Store    Store

	StartupTimeout  time.Duration
	CommandTimeout  time.Duration
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	DialTimeout     time.Duration // bound of one connection attempt

	Env        map[string]string // extra harness environment
	WorkDir    string            // parent of session temp dirs
	LogSink    io.Writer
	Verbose    bool
	HTTPClient *http.Client
}

// DispatchOptions tunes one Dispatch call.
type DispatchOptions struct {
	// Timeout overrides the startup/command budget when positive.
	Timeout time.Duration
}

// Manager owns the harness sessions of one control process.
type Manager struct {
	opts   Options
	client *Client
	store  Store
	group  singleflight.Group

	portsMu sync.Mutex
	ports   map[int]string // port -> device id

	// stale harness supervision
	signal func(pid int, sig syscall.Signal) error
	alive  func(pid int) bool
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Launcher == nil {
		opts.Launcher = XcodeLauncher{}
	}
	if opts.Ports == nil {
		opts.Ports = OSPortAllocator{}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(opts.DialTimeout)
	}
	return &Manager{
		opts:   opts,
		client: NewClient(httpClient),
		store:  opts.Store,
		ports:  make(map[int]string),
		signal: toolexec.SignalGroup,
		alive:  toolexec.Alive,
	}
}

// Session returns the live session for deviceID, if any.
func (m *Manager) Session(deviceID string) (*Session, bool) {
	return m.store.Get(deviceID)
}

// EnsureSession returns the session for dev, creating it if needed.
// Concurrent calls for one device share a single creation, which outlives
// the cancellation of any one caller and is bounded by the startup timeout.
func (m *Manager) EnsureSession(ctx context.Context, dev device.Device) (*Session, error) {
	if dev.Platform != device.PlatformIOS {
		return nil, core.Errorf(core.CodeUnsupportedOperation, "runner sessions require an iOS device, got %s", dev.Platform)
	}
	if s, ok := m.store.Get(dev.ID); ok && !s.isStopping() && !s.Exited() {
		return s, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(dev.ID, func() (interface{}, error) {
		if s, ok := m.store.Get(dev.ID); ok {
			switch {
			case s.isStopping():
				<-s.stopped
			case s.Exited():
				logger.Warn("Runner for %s exited (%v), replacing session", dev.ID, s.proc.Err())
				if err := m.stopSession(shared, s); err != nil {
					return nil, err
				}
			default:
				return s, nil
			}
		}
		return m.create(shared, dev)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

func (m *Manager) create(ctx context.Context, dev device.Device) (*Session, error) {
	s := newSession(uuid.NewString(), dev)
	logger.Info("Creating runner session %s for %s", s.ID, dev)

	if m.opts.Booter != nil {
		if err := m.opts.Booter.EnsureBooted(ctx, dev); err != nil {
			return nil, err
		}
	}

	if m.opts.Builder == nil {
		return nil, core.NewError(core.CodeInvalidArgs, "runner builder is not configured")
	}
	xctestrun, err := m.opts.Builder.Build(ctx, dev)
	if err != nil {
		return nil, err
	}

	port, err := m.allocatePort(dev.ID)
	if err != nil {
		return nil, err
	}
	s.Port = port

	ok := false
	defer func() {
		if !ok {
			m.releasePort(port)
			if s.Dir != "" {
				os.RemoveAll(s.Dir)
			}
		}
	}()

	s.Dir, err = os.MkdirTemp(m.opts.WorkDir, "agent-device-runner-"+s.ID[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	s.Xctestrun, err = PrepareXctestrun(xctestrun, s.Dir, port, m.opts.Env)
	if err != nil {
		return nil, err
	}

	s.LogPath = filepath.Join(s.Dir, "runner.log")
	out, closer, err := openLog(s.LogPath, m.opts.LogSink, m.opts.Verbose)
	if err != nil {
		return nil, err
	}

	s.setState(StateLaunching)
	proc, err := m.opts.Launcher.Launch(ctx, LaunchSpec{Device: dev, Xctestrun: s.Xctestrun, Port: port, Output: out})
	if err != nil {
		closer.Close()
		return nil, err
	}
	s.proc = proc
	s.log = closer

	s.MetadataPath, err = writeMetadata(s.Dir, Metadata{
		SessionID: s.ID,
		DeviceID:  dev.ID,
		Platform:  string(dev.Platform),
		Kind:      string(dev.Kind),
		Port:      port,
		Xctestrun: s.Xctestrun,
		LogPath:   s.LogPath,
		Pid:       proc.Pid(),
		CreatedAt: s.CreatedAt,
	})
	if err != nil {
		logger.Warn("%v", err)
	}

	s.setState(StateAwaitingReady)
	m.store.Put(s)
	ok = true
	logger.Info("Runner session %s launched on port %d (pid %d)", s.ID, port, proc.Pid())
	return s, nil
}

func (m *Manager) allocatePort(deviceID string) (int, error) {
	m.portsMu.Lock()
	defer m.portsMu.Unlock()
	port, err := m.opts.Ports.Allocate(func(p int) bool {
		_, taken := m.ports[p]
		return taken
	})
	if err != nil {
		return 0, err
	}
	if _, taken := m.ports[port]; taken {
		return 0, fmt.Errorf("runner port %d is already owned by %s", port, m.ports[port])
	}
	m.ports[port] = deviceID
	return port, nil
}

func (m *Manager) releasePort(port int) {
	m.portsMu.Lock()
	delete(m.ports, port)
	m.portsMu.Unlock()
}

// Dispatch sends cmd to dev's harness, creating the session if needed.
func (m *Manager) Dispatch(ctx context.Context, dev device.Device, cmd Command, opts DispatchOptions) (map[string]interface{}, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if !cmd.ReadOnly() {
		return m.dispatchWithRecovery(ctx, dev, cmd, opts)
	}
	return retry.Do(ctx, func(ctx context.Context, _ retry.Attempt) (map[string]interface{}, error) {
		return m.dispatchWithRecovery(ctx, dev, cmd, opts)
	}, readOnlyPolicy, retry.Options{
		Phase: "runner_" + string(cmd.Kind),
		ClassifyReason: func(err error) string {
			return string(bootfail.ClassifyError(err, bootfail.PlatformIOS, bootfail.PhaseConnect))
		},
	})
}

// dispatchWithRecovery rebuilds the session once when the harness never
// accepted a connection.
func (m *Manager) dispatchWithRecovery(ctx context.Context, dev device.Device, cmd Command, opts DispatchOptions) (map[string]interface{}, error) {
	data, err := m.dispatchOnce(ctx, dev, cmd, opts)
	if err == nil || !errors.Is(err, ErrNeverConnected) {
		return data, err
	}

	logger.Warn("Runner for %s never accepted a connection, restarting session: %v", dev.ID, err)
	if s, ok := m.store.Get(dev.ID); ok {
		s.setState(StateRecovering)
	}
	if stopErr := m.Stop(ctx, dev.ID); stopErr != nil {
		logger.Warn("Failed to stop runner for %s: %v", dev.ID, stopErr)
	}
	return m.dispatchOnce(ctx, dev, cmd, opts)
}

func (m *Manager) dispatchOnce(ctx context.Context, dev device.Device, cmd Command, opts DispatchOptions) (map[string]interface{}, error) {
	s, err := m.EnsureSession(ctx, dev)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
		if !s.Ready() {
			timeout = m.opts.StartupTimeout
		}
	}
	return m.send(ctx, s, cmd, timeout)
}

// send polls the session endpoints until one answers, the harness exits or
// the window closes. Simulators then get one relayed attempt. Only
// connection failures are polled: a request the harness received is never
// posted again, so a slow reply ends the call with its transport error.
func (m *Manager) send(ctx context.Context, s *Session, cmd Command, timeout time.Duration) (map[string]interface{}, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	deadline := retry.NewDeadline(timeout)
	loopCtx, cancel := context.WithDeadline(ctx, deadline.ExpiresAt())
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(m.opts.PollInterval), 1)
	endpoints := s.endpoints()

	var lastErr error
	for {
		if err := limiter.Wait(loopCtx); err != nil {
			break
		}
		for _, url := range endpoints {
			data, err := m.client.Send(loopCtx, url, payload, deadline.Remaining())
			if err == nil {
				s.markReady()
				return data, nil
			}
			var terr *TransportError
			if !errors.As(err, &terr) {
				return nil, err
			}
			if terr.Delivered && terr.Failure != FailureHangUp {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warn("Runner %s received %s but did not answer within %v: %v", s.ID, cmd.Kind, timeout, terr.Failure)
				return nil, err
			}
			if terr.Failure == FailureHangUp && s.Ready() {
				return nil, err
			}
			lastErr = err
		}
		if s.Exited() {
			return nil, m.exitedError(s, lastErr)
		}
		if deadline.Expired() {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if s.Device.IsSimulator() && m.opts.Relay != nil {
		logger.Debug("Runner %s unreachable over loopback, relaying %s through simctl", s.ID, cmd.Kind)
		data, err := m.opts.Relay.Send(ctx, s.Device.ID, s.Port, payload, m.opts.CommandTimeout)
		if err == nil {
			s.markReady()
			return data, nil
		}
		var herr *HarnessError
		var perr *ProtocolError
		if errors.As(err, &herr) || errors.As(err, &perr) {
			return nil, err
		}
		lastErr = errors.Join(lastErr, err)
	}
	return nil, m.connectError(s, timeout, lastErr)
}

func (m *Manager) connectError(s *Session, timeout time.Duration, last error) error {
	msg := fmt.Sprintf("Runner did not accept connection on port %d within %v", s.Port, timeout)
	if last == nil {
		last = errors.New("no attempt completed")
	}
	cause := fmt.Errorf("%w: %w", ErrNeverConnected, last)
	reason := bootfail.Classify(bootfail.Evidence{
		Err:      cause,
		Message:  msg,
		Platform: bootfail.PlatformIOS,
		Phase:    bootfail.PhaseConnect,
	})
	return &core.Error{
		Code:    core.CodeCommandFailed,
		Message: msg,
		Details: map[string]interface{}{
			core.DetailReason: string(reason),
			core.DetailHint:   bootfail.Hint(reason),
			"port":            s.Port,
			"sessionId":       s.ID,
			"logPath":         s.LogPath,
			"log":             tailLog(s.LogPath, logTailLines),
		},
		Cause: cause,
	}
}

// exitedError reports a harness that died before answering. A session that
// never answered is recoverable the same way as a refused connection.
func (m *Manager) exitedError(s *Session, last error) error {
	cause := fmt.Errorf("%w: %v", ErrHarnessExited, s.proc.Err())
	if !s.Ready() {
		cause = fmt.Errorf("%w: %w", ErrNeverConnected, cause)
	}
	if last != nil {
		cause = fmt.Errorf("%w (last error: %v)", cause, last)
	}
	reason := bootfail.Classify(bootfail.Evidence{
		Err:      cause,
		Stderr:   tailLog(s.LogPath, logTailLines),
		Platform: bootfail.PlatformIOS,
		Phase:    bootfail.PhaseConnect,
	})
	return &core.Error{
		Code:    core.CodeCommandFailed,
		Message: fmt.Sprintf("Runner process for %s exited before answering", s.Device.ID),
		Details: map[string]interface{}{
			core.DetailReason: string(reason),
			core.DetailHint:   bootfail.Hint(reason),
			"sessionId":       s.ID,
			"logPath":         s.LogPath,
			"log":             tailLog(s.LogPath, logTailLines),
		},
		Cause: cause,
	}
}

// Stop tears down the session of deviceID. It is a no-op when none exists.
func (m *Manager) Stop(ctx context.Context, deviceID string) error {
	s, ok := m.store.Get(deviceID)
	if !ok {
		return nil
	}
	return m.stopSession(ctx, s)
}

func (m *Manager) stopSession(ctx context.Context, s *Session) error {
	if !s.beginStop() {
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(s.stopped)

	logger.Info("Stopping runner session %s for %s", s.ID, s.Device.ID)
	if !s.Exited() {
		if err := m.requestShutdown(ctx, s); err != nil {
			logger.Debug("Graceful runner shutdown failed, sending SIGTERM: %v", err)
			if err := s.proc.Signal(syscall.SIGTERM); err != nil {
				logger.Warn("SIGTERM to runner pid %d failed: %v", s.proc.Pid(), err)
			}
		}

		timer := time.NewTimer(m.opts.ShutdownTimeout)
		select {
		case <-s.proc.Done():
		case <-timer.C:
			logger.Warn("Runner pid %d did not exit within %v", s.proc.Pid(), m.opts.ShutdownTimeout)
		case <-ctx.Done():
		}
		timer.Stop()
	}

	// The process may already be gone; the kill is harmless then.
	if err := s.proc.Signal(syscall.SIGKILL); err != nil {
		logger.Debug("SIGKILL to runner pid %d: %v", s.proc.Pid(), err)
	}

	if s.log != nil {
		s.log.Close()
	}
	if err := os.RemoveAll(s.Dir); err != nil {
		logger.Debug("Failed to remove runner session dir %s: %v", s.Dir, err)
	}
	m.releasePort(s.Port)
	s.setState(StateGone)
	m.store.Delete(s)
	return nil
}

func (m *Manager) requestShutdown(ctx context.Context, s *Session) error {
	payload, err := json.Marshal(Simple(KindShutdown))
	if err != nil {
		return err
	}
	var lastErr error
	for _, url := range s.endpoints() {
		if _, err := m.client.Send(ctx, url, payload, m.opts.ShutdownTimeout); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// StopAll tears down every session in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	sessions := m.store.List()
	if len(sessions) == 0 {
		return nil
	}
	logger.Info("Stopping %d runner session(s)", len(sessions))

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return m.stopSession(ctx, s)
		})
	}
	return g.Wait()
}
