package runner

import (
	"fmt"
	"net"
)

const maxPortAttempts = 20

// PortAllocator hands out local TCP ports for harness processes.
type PortAllocator interface {
	Allocate(inUse func(port int) bool) (int, error)
}

// OSPortAllocator asks the kernel for a free loopback port.
type OSPortAllocator struct{}

// Allocate returns a port that is free now and not claimed by a live session.
func (OSPortAllocator) Allocate(inUse func(port int) bool) (int, error) {
	for i := 0; i < maxPortAttempts; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("failed to allocate runner port: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()
		if inUse == nil || !inUse(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate runner port after %d attempts", maxPortAttempts)
}
