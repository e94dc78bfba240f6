package testutil

import (
	"fmt"
	"net"
	"sync"
)

var (
	recentPorts   map[int]bool
	recentPortsMu sync.Mutex
)

// GetFreePort returns an available TCP port on localhost by binding to port 0
// and immediately releasing it. Recently handed-out ports are tracked so that
// rapid successive calls in one test process do not collide.
// Panics if unable to allocate a port.
func GetFreePort() int {
	const maxRetries = 100

	recentPortsMu.Lock()
	defer recentPortsMu.Unlock()

	if recentPorts == nil {
		recentPorts = make(map[int]bool)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		listener, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		if recentPorts[port] {
			continue
		}
		recentPorts[port] = true
		return port
	}

	panic("failed to find an unused port after repeated attempts")
}
