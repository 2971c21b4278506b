package runner

import (
	"io"
	"sync"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/device"
)

// State is a session lifecycle state.
type State string

const (
	StateAbsent        State = "absent"
	StateBuilding      State = "building"
	StateLaunching     State = "launching"
	StateAwaitingReady State = "awaiting_ready"
	StateReady         State = "ready"
	StateRecovering    State = "recovering"
	StateStopping      State = "stopping"
	StateGone          State = "gone"
)

// Session binds one device to one live harness process.
type Session struct {
	ID           string
	Device       device.Device
	Port         int
	Xctestrun    string
	MetadataPath string
	LogPath      string
	Dir          string // temp dir owning Xctestrun, metadata and log
	CreatedAt    time.Time

	proc Process
	log  io.Closer

	mu       sync.Mutex
	state    State
	ready    bool
	stopping bool
	stopped  chan struct{}
}

func newSession(id string, dev device.Device) *Session {
	return &Session{
		ID:        id,
		Device:    dev,
		CreatedAt: time.Now(),
		state:     StateBuilding,
		stopped:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether a command round trip has succeeded.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Done is closed when the harness process exits.
func (s *Session) Done() <-chan struct{} {
	return s.proc.Done()
}

// Exited reports whether the harness process has exited.
func (s *Session) Exited() bool {
	select {
	case <-s.proc.Done():
		return true
	default:
		return false
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	if s.state == StateAwaitingReady {
		s.state = StateReady
	}
}

// beginStop claims teardown. It returns false if another caller already
// owns it.
func (s *Session) beginStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.stopping = true
	s.state = StateStopping
	return true
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// endpoints lists command URLs in the order they are tried: the device
// tunnel first, then loopback.
func (s *Session) endpoints() []string {
	var urls []string
	if s.Device.TunnelHost != "" {
		urls = append(urls, CommandURL(s.Device.TunnelHost, s.Port))
	}
	return append(urls, CommandURL("127.0.0.1", s.Port))
}
