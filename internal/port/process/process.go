// Package process defines the port interface for agent process supervision.
package process

import "context"

// Supervisor spawns and controls agent processes bound to localhost ports.
type Supervisor interface {
	// Spawn launches the agent inside dir, bound to 127.0.0.1:port, and
	// returns the process id immediately without waiting for readiness.
	Spawn(ctx context.Context, correlationID, dir string, port int) (int, error)

	// IsAlive reports whether the process still exists, without blocking.
	IsAlive(pid int) bool

	// Terminate requests graceful termination and escalates to a forced
	// kill after the grace period. Idempotent for exited processes.
	Terminate(ctx context.Context, pid int) error

	// RemovePidFile deletes the pid marker written by Spawn. A missing
	// marker is not an error.
	RemovePidFile(correlationID string)

	// WaitReady polls the port's readiness probe until the agent answers or
	// the startup timeout elapses, returning domain.ErrStartupTimeout on
	// expiry.
	WaitReady(ctx context.Context, port int) error
}
