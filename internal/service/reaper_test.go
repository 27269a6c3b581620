package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/grokomation/ephemerald/internal/domain/instance"
)

func newReaperFixture(t *testing.T, portMin, portMax int, opts ReaperOptions) (*Reaper, *orchFixture) {
	t.Helper()
	f := newOrchFixture(t, portMin, portMax, "headcommit")
	r := NewReaper(f.reg, f.orch, f.ws, f.procs, opts, testLogger())
	return r, f
}

func TestReapDeadProcess(t *testing.T) {
	r, f := newReaperFixture(t, 43400, 43409, ReaperOptions{Interval: time.Minute})
	ctx := context.Background()

	resp, err := f.orch.Setup(ctx, instance.SetupRequest{CorrelationID: "bug-60"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	inst, _ := f.reg.Get("bug-60")
	f.procs.kill(inst.PID)

	report := r.Reap(ctx)
	if report.InstancesReaped != 1 {
		t.Fatalf("InstancesReaped = %d, want 1", report.InstancesReaped)
	}
	if f.reg.Len() != 0 {
		t.Error("dead instance still registered")
	}
	if f.ports.Reserved() != 0 {
		t.Errorf("port %d still reserved after reap", resp.Port)
	}
}

func TestReapLeavesHealthyInstances(t *testing.T) {
	r, f := newReaperFixture(t, 43410, 43419, ReaperOptions{Interval: time.Minute})
	ctx := context.Background()

	if _, err := f.orch.Setup(ctx, instance.SetupRequest{CorrelationID: "bug-61"}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	// Anchor the fake working copy to a real directory so the existence
	// check passes.
	inst, _ := f.reg.Get("bug-61")
	inst.WorkingCopyPath = t.TempDir()
	f.reg.Put(inst)

	report := r.Reap(ctx)
	if report.InstancesReaped != 0 {
		t.Fatalf("InstancesReaped = %d, want 0", report.InstancesReaped)
	}
	if f.reg.Len() != 1 {
		t.Error("healthy instance was reaped")
	}
}

func TestReapMissingWorkingCopy(t *testing.T) {
	r, f := newReaperFixture(t, 43420, 43429, ReaperOptions{Interval: time.Minute})
	ctx := context.Background()

	if _, err := f.orch.Setup(ctx, instance.SetupRequest{CorrelationID: "bug-62"}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	inst, _ := f.reg.Get("bug-62")
	inst.WorkingCopyPath = filepath.Join(t.TempDir(), "vanished")
	f.reg.Put(inst)

	report := r.Reap(ctx)
	if report.InstancesReaped != 1 {
		t.Fatalf("InstancesReaped = %d, want 1", report.InstancesReaped)
	}
}

func TestReapMaxAge(t *testing.T) {
	r, f := newReaperFixture(t, 43430, 43439, ReaperOptions{Interval: time.Minute, MaxAge: time.Hour})
	ctx := context.Background()

	if _, err := f.orch.Setup(ctx, instance.SetupRequest{CorrelationID: "bug-63"}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	inst, _ := f.reg.Get("bug-63")
	inst.WorkingCopyPath = t.TempDir()
	inst.CreatedAt = time.Now().Add(-2 * time.Hour)
	f.reg.Put(inst)

	report := r.Reap(ctx)
	if report.InstancesReaped != 1 {
		t.Fatalf("InstancesReaped = %d, want 1", report.InstancesReaped)
	}
}

func TestReapReportsPrunedBranches(t *testing.T) {
	r, f := newReaperFixture(t, 43440, 43449, ReaperOptions{Interval: time.Minute})
	f.ws.pruned = 3

	report := r.Reap(context.Background())
	if report.BranchesPruned != 3 {
		t.Fatalf("BranchesPruned = %d, want 3", report.BranchesPruned)
	}
}

func TestReapIsIdempotent(t *testing.T) {
	r, f := newReaperFixture(t, 43450, 43459, ReaperOptions{Interval: time.Minute})
	ctx := context.Background()

	if _, err := f.orch.Setup(ctx, instance.SetupRequest{CorrelationID: "bug-64"}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	inst, _ := f.reg.Get("bug-64")
	f.procs.kill(inst.PID)

	if report := r.Reap(ctx); report.InstancesReaped != 1 {
		t.Fatalf("first sweep reaped %d, want 1", report.InstancesReaped)
	}
	if report := r.Reap(ctx); report.InstancesReaped != 0 {
		t.Fatalf("second sweep reaped %d, want 0", report.InstancesReaped)
	}
}
