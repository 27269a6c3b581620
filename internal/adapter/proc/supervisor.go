// Package proc implements the process.Supervisor port with direct host
// process handles. The pid marker file written per instance exists only as
// an external-recovery artifact; liveness and termination never read it.
package proc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/grokomation/ephemerald/internal/domain"
)

// HealthReport is the agent's answer to its readiness probe.
type HealthReport struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Supervisor spawns agent processes bound to localhost ports.
type Supervisor struct {
	command        string
	args           []string
	logDir         string
	healthPath     string
	startupTimeout time.Duration
	gracePeriod    time.Duration
	log            *slog.Logger

	probeClient *http.Client
}

// Options configures a Supervisor.
type Options struct {
	Command        string
	Args           []string
	LogDir         string
	HealthPath     string
	StartupTimeout time.Duration
	GracePeriod    time.Duration
}

// NewSupervisor creates a Supervisor for the configured agent binary.
func NewSupervisor(opts Options, log *slog.Logger) *Supervisor {
	return &Supervisor{
		command:        opts.Command,
		args:           opts.Args,
		logDir:         opts.LogDir,
		healthPath:     opts.HealthPath,
		startupTimeout: opts.StartupTimeout,
		gracePeriod:    opts.GracePeriod,
		log:            log,
		probeClient:    &http.Client{Timeout: time.Second},
	}
}

// Spawn launches the agent inside dir bound to 127.0.0.1:port, redirects its
// output to a per-instance log file, writes the pid marker, and returns the
// pid without waiting for readiness.
func (s *Supervisor) Spawn(ctx context.Context, correlationID, dir string, port int) (int, error) {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(s.logDir, correlationID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // G304: id sanitized at the boundary
	if err != nil {
		return 0, fmt.Errorf("open instance log: %w", err)
	}

	args := append(append([]string{}, s.args...),
		"--hostname", "127.0.0.1", "--port", strconv.Itoa(port))

	cmd := exec.Command(s.command, args...) //nolint:gosec // G204: operator-configured agent binary
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so a group kill cannot take the orchestrator down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("start agent: %w", err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		defer func() { _ = logFile.Close() }()
		err := cmd.Wait()
		s.log.Info("agent process exited", "correlation_id", correlationID, "pid", pid, "error", err)
	}()

	if err := s.writePidFile(correlationID, pid); err != nil {
		s.log.Warn("pid marker not written", "correlation_id", correlationID, "error", err)
	}

	s.log.Info("agent spawned",
		"correlation_id", correlationID, "pid", pid, "port", port, "log", logPath)
	return pid, nil
}

// PidFilePath returns the pid marker location for a correlation id.
func (s *Supervisor) PidFilePath(correlationID string) string {
	return filepath.Join(s.logDir, correlationID+".pid")
}

func (s *Supervisor) writePidFile(correlationID string, pid int) error {
	return os.WriteFile(s.PidFilePath(correlationID), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// RemovePidFile deletes the pid marker. Missing files are not an error.
func (s *Supervisor) RemovePidFile(correlationID string) {
	if err := os.Remove(s.PidFilePath(correlationID)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("pid marker not removed", "correlation_id", correlationID, "error", err)
	}
}

// IsAlive reports whether the process exists, via the null signal.
func (s *Supervisor) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// FindProcess never fails on Unix; signal 0 probes existence.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate sends SIGTERM and escalates to SIGKILL once the grace period
// elapses. Already-exited processes return nil.
func (s *Supervisor) Terminate(ctx context.Context, pid int) error {
	if !s.IsAlive(pid) {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(s.gracePeriod)
	for time.Now().Before(deadline) {
		if !s.IsAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	s.log.Warn("grace period elapsed, killing", "pid", pid)
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

// CheckPort probes the agent on the given port: a TCP connect followed by a
// GET against the agent's health endpoint. Usable without a registry entry.
func (s *Supervisor) CheckPort(ctx context.Context, port int) (*HealthReport, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := (&net.Dialer{Timeout: time.Second}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	_ = conn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+addr+s.healthPath, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := s.probeClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe %s: unexpected status %d", addr, resp.StatusCode)
	}

	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("probe %s: decode report: %w", addr, err)
	}
	return &report, nil
}

// WaitReady polls CheckPort until the agent answers healthy or the startup
// timeout elapses.
func (s *Supervisor) WaitReady(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		report, err := s.CheckPort(ctx, port)
		if err == nil && report.Healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d not ready after %s: %w",
				port, s.startupTimeout, domain.ErrStartupTimeout)
		case <-ticker.C:
		}
	}
}
