package preview

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the configured range is
// either marked allocated or busy at the OS level.
var ErrNoPortsAvailable = errors.New("no ports available in configured range")

// PortAllocator hands out TCP ports for preview dev servers from a fixed
// inclusive range. A port is only committed after a successful test bind, so
// ports held by processes outside our control are skipped.
type PortAllocator struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[int]bool
}

// NewPortAllocator creates a PortAllocator for the range [minPort, maxPort].
func NewPortAllocator(minPort, maxPort int) (*PortAllocator, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortAllocator{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[int]bool),
	}, nil
}

// Allocate returns the lowest free port in the range. The port is verified by
// binding a listener on it and closing it immediately. Returns
// ErrNoPortsAvailable when the range is exhausted.
func (pa *PortAllocator) Allocate() (int, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	for port := pa.minPort; port <= pa.maxPort; port++ {
		if pa.allocated[port] {
			continue
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			// Busy at the OS level (e.g. a recently stopped instance whose
			// socket has not cleared yet). Skip it.
			continue
		}
		l.Close()
		pa.allocated[port] = true
		return port, nil
	}

	return 0, ErrNoPortsAvailable
}

// Release marks a previously allocated port as free again. Ports outside the
// managed range are ignored.
func (pa *PortAllocator) Release(port int) {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	if port < pa.minPort || port > pa.maxPort {
		return
	}
	delete(pa.allocated, port)
}

// InUse reports whether the allocator currently considers the port taken.
func (pa *PortAllocator) InUse(port int) bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.allocated[port]
}
