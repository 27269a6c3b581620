package service

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/grokomation/ephemerald/internal/domain"
)

// PortAllocator hands out ports from a fixed inclusive range. The
// reservation map is the authoritative serialization point: a port is
// reserved under the lock before the OS-level bind probe confirms it is
// free, so two concurrent allocations can never return the same port.
type PortAllocator struct {
	mu       sync.Mutex
	min, max int
	next     int
	reserved map[int]bool
}

// NewPortAllocator creates an allocator over [min, max].
func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:      min,
		max:      max,
		next:     min,
		reserved: make(map[int]bool),
	}
}

// Allocate reserves and returns a free port within the range.
// Fails with domain.ErrResourceExhausted when every port is reserved or
// bound by another process.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next + i
		if port > a.max {
			port -= size
		}
		if a.reserved[port] {
			continue
		}
		if !bindable(port) {
			continue
		}
		a.reserved[port] = true
		a.next = port + 1
		if a.next > a.max {
			a.next = a.min
		}
		return port, nil
	}

	return 0, fmt.Errorf("no free port in %d-%d: %w", a.min, a.max, domain.ErrResourceExhausted)
}

// Release frees a reserved port. Releasing an already-free port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved returns the number of currently reserved ports.
func (a *PortAllocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// bindable probes whether the OS will let us listen on the port right now.
func bindable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
