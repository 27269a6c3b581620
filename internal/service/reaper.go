package service

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/grokomation/ephemerald/internal/domain/instance"
	"github.com/grokomation/ephemerald/internal/port/process"
	"github.com/grokomation/ephemerald/internal/port/workspace"
)

// ReaperOptions configures the background reclamation loop.
type ReaperOptions struct {
	// Interval between background sweeps.
	Interval time.Duration
	// MaxAge reclaims instances older than this regardless of health.
	// Zero disables age-based reclamation.
	MaxAge time.Duration
}

// ReapReport summarizes one sweep.
type ReapReport struct {
	BranchesPruned  int `json:"branches_pruned"`
	InstancesReaped int `json:"instances_reaped"`
}

// Reaper reclaims orphaned resources: working copies whose directories
// vanished, merged ephemeral branches, instances whose agent died, and
// instances past their maximum age. Every reclamation path is idempotent,
// so overlapping or repeated sweeps are safe.
type Reaper struct {
	registry   *Registry
	orch       *Orchestrator
	workspaces workspace.Manager
	procs      process.Supervisor
	opts       ReaperOptions
	log        *slog.Logger
}

// NewReaper wires the reaper.
func NewReaper(registry *Registry, orch *Orchestrator, workspaces workspace.Manager, procs process.Supervisor, opts ReaperOptions, log *slog.Logger) *Reaper {
	return &Reaper{
		registry:   registry,
		orch:       orch,
		workspaces: workspaces,
		procs:      procs,
		opts:       opts,
		log:        log,
	}
}

// Reap runs one sweep and returns what it reclaimed.
func (r *Reaper) Reap(ctx context.Context) ReapReport {
	var report ReapReport

	pruned, err := r.workspaces.SweepOrphans(ctx)
	if err != nil {
		r.log.Error("sweep orphaned working copies", "error", err)
	}
	report.BranchesPruned = pruned

	now := time.Now()
	for _, desc := range r.registry.List() {
		reason := r.reapReason(desc, now)
		if reason == "" {
			continue
		}
		if r.orch.Reclaim(ctx, desc.CorrelationID, reason) {
			report.InstancesReaped++
		}
	}

	if report.BranchesPruned > 0 || report.InstancesReaped > 0 {
		r.log.Info("reap sweep complete",
			"branches_pruned", report.BranchesPruned,
			"instances_reaped", report.InstancesReaped)
	}
	return report
}

// reapReason decides whether an instance must be reclaimed, returning an
// empty string for healthy instances. Provisioning instances are left alone;
// their setup path owns the rollback.
func (r *Reaper) reapReason(desc instance.Descriptor, now time.Time) string {
	if desc.Status != instance.StatusRunning {
		return ""
	}
	if desc.PID > 0 && !r.procs.IsAlive(desc.PID) {
		return "agent process exited"
	}
	if inst, ok := r.registry.Get(desc.CorrelationID); ok && inst.WorkingCopyPath != "" {
		if _, err := os.Stat(inst.WorkingCopyPath); os.IsNotExist(err) {
			return "working copy removed externally"
		}
	}
	if r.opts.MaxAge > 0 && now.Sub(desc.CreatedAt) > r.opts.MaxAge {
		return "exceeded max age"
	}
	return ""
}

// Run executes sweeps on the configured interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}
