package toolexec

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const outputWaitDelay = 2 * time.Second

// Spec describes a long-lived background process.
type Spec struct {
	Name   string
	Args   []string
	Env    []string // appended to the inherited environment
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a supervised child running in its own process group.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Start launches spec in the background. The returned process is reaped by
// an internal goroutine; Done closes once it has exited.
func Start(spec Spec) (*Process, error) {
	path, err := exec.LookPath(spec.Name)
	if err != nil {
		return nil, MissingTool(spec.Name, err)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	// Stop copying output shortly after exit even if a grandchild still holds the pipes.
	cmd.WaitDelay = outputWaitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error. Only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Signal delivers sig to the whole process group. Signalling a process that
// already exited is not an error.
func (p *Process) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return signalGroup(p.cmd.Process, sig)
}

// SignalGroup delivers sig to the process group led by pid, for processes
// this process did not start. A group that no longer exists is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return signalGroup(proc, sig)
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	return pid > 0 && alive(pid)
}
