package simulator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/toolexec"
)

type fakeReply struct {
	res toolexec.Result
	err error
}

// fakeRunner replays scripted replies per subcommand. The last reply of a
// script repeats once the script is exhausted.
type fakeRunner struct {
	mu       sync.Mutex
	scripts  map[string][]fakeReply
	calls    []string
	timeouts map[string][]time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{scripts: map[string][]fakeReply{}, timeouts: map[string][]time.Duration{}}
}

func (f *fakeRunner) on(sub string, replies ...fakeReply) *fakeRunner {
	f.scripts[sub] = append(f.scripts[sub], replies...)
	return f
}

func (f *fakeRunner) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == sub {
			n++
		}
	}
	return n
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, opts toolexec.Options) (toolexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "xcrun" || len(args) < 2 || args[0] != "simctl" {
		return toolexec.Result{}, fmt.Errorf("unexpected command %s %s", name, strings.Join(args, " "))
	}
	sub := args[1]
	f.calls = append(f.calls, sub)
	f.timeouts[sub] = append(f.timeouts[sub], opts.Timeout)

	script := f.scripts[sub]
	if len(script) == 0 {
		return toolexec.Result{}, fmt.Errorf("no script for simctl %s", sub)
	}
	reply := script[0]
	if len(script) > 1 {
		f.scripts[sub] = script[1:]
	}
	return reply.res, reply.err
}

func listJSON(udid, state string) fakeReply {
	return fakeReply{res: toolexec.Result{Stdout: fmt.Sprintf(`{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-17-2": [
      {"name": "iPhone 15", "udid": %q, "state": %q, "isAvailable": true}
    ]
  }
}`, udid, state)}}
}

func ok(stdout string) fakeReply {
	return fakeReply{res: toolexec.Result{Stdout: stdout}}
}

func failed(stderr string) fakeReply {
	res := toolexec.Result{Stderr: stderr, ExitCode: 1}
	return fakeReply{res: res, err: &toolexec.RunError{Name: "xcrun", Result: res, Err: fmt.Errorf("exit status 1")}}
}

func timedOut(timeout time.Duration) fakeReply {
	return fakeReply{err: &toolexec.RunError{Name: "xcrun", Args: []string{"simctl", "bootstatus"}, TimedOut: true, Timeout: timeout, Err: context.DeadlineExceeded}}
}
