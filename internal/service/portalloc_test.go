package service

import (
	"errors"
	"net"
	"testing"

	"github.com/grokomation/ephemerald/internal/domain"
)

func TestPortAllocatorAllocatesDistinctPorts(t *testing.T) {
	a := NewPortAllocator(43100, 43109)

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if port < 43100 || port > 43109 {
			t.Fatalf("port %d outside range", port)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if a.Reserved() != 5 {
		t.Fatalf("Reserved() = %d, want 5", a.Reserved())
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a := NewPortAllocator(43110, 43111)

	if _, err := a.Allocate(); err != nil {
		t.Fatalf("first Allocate() error = %v", err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("second Allocate() error = %v", err)
	}

	_, err := a.Allocate()
	if !errors.Is(err, domain.ErrResourceExhausted) {
		t.Fatalf("Allocate() error = %v, want ErrResourceExhausted", err)
	}
}

func TestPortAllocatorReleaseAllowsReuse(t *testing.T) {
	a := NewPortAllocator(43120, 43120)

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	a.Release(port)
	a.Release(port) // releasing twice must be harmless

	again, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() after release error = %v", err)
	}
	if again != port {
		t.Fatalf("reallocated port = %d, want %d", again, port)
	}
}

func TestPortAllocatorSkipsBoundPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:43130")
	if err != nil {
		t.Skipf("cannot bind probe port: %v", err)
	}
	defer ln.Close()

	a := NewPortAllocator(43130, 43131)
	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if port != 43131 {
		t.Fatalf("Allocate() = %d, want 43131 (43130 is bound)", port)
	}
}
