//go:build !unix

package toolexec

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

// Without process groups every termination request is a kill.
func signalGroup(proc *os.Process, _ syscall.Signal) error {
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func alive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
