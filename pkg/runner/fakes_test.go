package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"howett.net/plist"

	"github.com/devicelab-dev/agent-device/pkg/device"
)

var (
	physicalDevice = device.Device{ID: "00008030-001A", Name: "iPhone", Platform: device.PlatformIOS, Kind: device.KindDevice}
	simDevice      = device.Device{ID: "A1B2C3D4-E5F6-7890-ABCD-EF1234567890", Name: "iPhone 15", Platform: device.PlatformIOS, Kind: device.KindSimulator}
)

// fakeProcess stands in for xcodebuild. SIGTERM and SIGKILL end it unless
// it was told to ignore SIGTERM.
type fakeProcess struct {
	pid        int
	ignoreTerm bool
	onExit     func()

	mu      sync.Mutex
	signals []syscall.Signal
	done    chan struct{}
	once    sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM && p.ignoreTerm {
		return nil
	}
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		if p.onExit != nil {
			p.onExit()
		}
		close(p.done)
	})
}

func (p *fakeProcess) received() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// fakeHarness answers /command like the on-device runner.
type fakeHarness struct {
	proc *fakeProcess

	mu       sync.Mutex
	commands []Command
	// reply returns the HTTP status and raw body for the n-th command of a
	// kind (1-based). Returning status 0 hangs up without a reply.
	reply func(cmd Command, n int) (int, string)
}

func (h *fakeHarness) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/command", h.handle)
	return r
}

func (h *fakeHarness) handle(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	n := 0
	for _, c := range h.commands {
		if c.Kind == cmd.Kind {
			n++
		}
	}
	h.mu.Unlock()

	status, body := http.StatusOK, `{"ok":true,"data":{}}`
	if h.reply != nil {
		status, body = h.reply(cmd, n)
	}
	if status == 0 {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	fmt.Fprint(w, body)

	if cmd.Kind == KindShutdown {
		w.(http.Flusher).Flush()
		time.AfterFunc(50*time.Millisecond, h.proc.exit)
	}
}

func (h *fakeHarness) count(kind Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// fakeLauncher records launches and optionally serves a fake harness on
// the injected port.
type fakeLauncher struct {
	t *testing.T
	// serve returns the harness for the n-th launch (1-based); nil leaves
	// the port closed.
	serve           func(n int) *fakeHarness
	exitImmediately bool
	ignoreTerm      bool

	mu      sync.Mutex
	specs   []LaunchSpec
	procs   []*fakeProcess
	harness []*fakeHarness
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	n := len(l.specs)
	proc := newFakeProcess(1000 + n)
	proc.ignoreTerm = l.ignoreTerm
	l.procs = append(l.procs, proc)

	fmt.Fprintf(spec.Output, "launch %d on port %d\n", n, spec.Port)

	var h *fakeHarness
	if l.serve != nil {
		h = l.serve(n)
	}
	l.harness = append(l.harness, h)
	if h != nil {
		h.proc = proc
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.Port))
		if err != nil {
			return nil, err
		}
		srv := &http.Server{Handler: h.router(), ReadHeaderTimeout: time.Second}
		go srv.Serve(ln)
		proc.onExit = func() { srv.Close() }
		l.t.Cleanup(func() { srv.Close() })
	}
	if l.exitImmediately {
		proc.exit()
	}
	return proc, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) harnessAt(i int) *fakeHarness {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.harness[i]
}

func serveAlways(reply func(cmd Command, n int) (int, string)) func(int) *fakeHarness {
	return func(int) *fakeHarness { return &fakeHarness{reply: reply} }
}

// fakeBuilder returns a fixed xctestrun fixture.
type fakeBuilder struct {
	path string

	mu    sync.Mutex
	calls int
	err   error
}

func newFakeBuilder(t *testing.T) *fakeBuilder {
	t.Helper()
	return &fakeBuilder{path: writeXctestrunFixture(t, t.TempDir())}
}

func (b *fakeBuilder) Build(context.Context, device.Device) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return "", b.err
	}
	return b.path, nil
}

func writeXctestrunFixture(t *testing.T, dir string) string {
	t.Helper()
	doc := map[string]interface{}{
		xctestrunMetadataKey: map[string]interface{}{"FormatVersion": 1},
		"AgentDeviceRunnerUITests": map[string]interface{}{
			"TestBundlePath": "__TESTHOST__/PlugIns/AgentDeviceRunnerUITests.xctest",
			"EnvironmentVariables": map[string]interface{}{
				"EXISTING": "1",
			},
		},
	}
	data, err := plist.MarshalIndent(doc, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "AgentDeviceRunner_iphonesimulator.xctestrun")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readTargetEnv(t *testing.T, path, target string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	tgt, _ := doc[target].(map[string]interface{})
	env, _ := tgt["EnvironmentVariables"].(map[string]interface{})
	return env
}

type fakeBooter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (b *fakeBooter) EnsureBooted(_ context.Context, dev device.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, dev.ID)
	return b.err
}

// gatedBooter holds the boot precondition open until release is closed,
// then fails if its context was canceled meanwhile.
type gatedBooter struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedBooter() *gatedBooter {
	return &gatedBooter{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *gatedBooter) EnsureBooted(ctx context.Context, _ device.Device) error {
	b.entered <- struct{}{}
	<-b.release
	return ctx.Err()
}

type fakeRelay struct {
	mu    sync.Mutex
	calls int
	data  map[string]interface{}
	err   error
}

func (r *fakeRelay) Send(context.Context, string, int, []byte, time.Duration) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.data, r.err
}

func newTestManager(t *testing.T, l *fakeLauncher, configure func(*Options)) (*Manager, *fakeBuilder) {
	t.Helper()
	l.t = t
	b := newFakeBuilder(t)
	opts := Options{
		Builder:         b,
		Launcher:        l,
		StartupTimeout:  600 * time.Millisecond,
		CommandTimeout:  400 * time.Millisecond,
		ShutdownTimeout: 300 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
		DialTimeout:     200 * time.Millisecond,
		WorkDir:         t.TempDir(),
	}
	if configure != nil {
		configure(&opts)
	}
	m := NewManager(opts)
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })
	return m, b
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
