package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/grokomation/ephemerald/internal/adapter/ws"
	"github.com/grokomation/ephemerald/internal/domain"
	"github.com/grokomation/ephemerald/internal/domain/instance"
	"github.com/grokomation/ephemerald/internal/port/process"
	"github.com/grokomation/ephemerald/internal/port/refcommit"
	"github.com/grokomation/ephemerald/internal/port/workspace"
)

// correlationIDPattern bounds ids to filesystem- and branch-safe names.
var correlationIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// EventSink receives lifecycle event broadcasts. Satisfied by *ws.Hub.
type EventSink interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Metrics is the subset of instruments the orchestrator records. All fields
// are optional; a nil Metrics disables recording.
type Metrics struct {
	InstancesProvisioned metric.Int64Counter
	InstancesTerminated  metric.Int64Counter
	InstancesReaped      metric.Int64Counter
	ProxyRejected        metric.Int64Counter
	SetupDuration        metric.Float64Histogram
}

// Orchestrator owns the full instance lifecycle: provisioning, lookup, and
// teardown. All mutations of a given correlation id are serialized through a
// per-id lock, so concurrent setup and delete of the same id cannot
// interleave.
type Orchestrator struct {
	registry   *Registry
	ports      *PortAllocator
	workspaces workspace.Manager
	procs      process.Supervisor
	reference  refcommit.Resolver
	events     EventSink
	metrics    *Metrics
	log        *slog.Logger

	mu      sync.Mutex
	idLocks map[string]*idLock

	// OnTeardown, when set, runs after an instance's resources are released.
	// The proxy hooks this to drop its cached contract and breaker.
	OnTeardown func(ctx context.Context, correlationID string)
}

// idLock serializes operations on one correlation id. Refcounted so the
// lock table shrinks back as ids come and go instead of growing with every
// generated id.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator wires the orchestrator. events and metrics may be nil.
func NewOrchestrator(
	registry *Registry,
	ports *PortAllocator,
	workspaces workspace.Manager,
	procs process.Supervisor,
	reference refcommit.Resolver,
	events EventSink,
	metrics *Metrics,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		ports:      ports,
		workspaces: workspaces,
		procs:      procs,
		reference:  reference,
		events:     events,
		metrics:    metrics,
		log:        log,
		idLocks:    make(map[string]*idLock),
	}
}

// lockID acquires the lock serializing operations on one correlation id.
// Every lockID must be paired with unlockID.
func (o *Orchestrator) lockID(correlationID string) *idLock {
	o.mu.Lock()
	l, ok := o.idLocks[correlationID]
	if !ok {
		l = &idLock{}
		o.idLocks[correlationID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return l
}

// unlockID releases the per-id lock and drops the table entry once no other
// goroutine holds a reference.
func (o *Orchestrator) unlockID(correlationID string, l *idLock) {
	l.mu.Unlock()

	o.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(o.idLocks, correlationID)
	}
	o.mu.Unlock()
}

// Setup provisions an instance for the request. Re-running setup for an id
// whose instance is already running returns the existing instance unchanged.
// On any partial failure every acquired resource is rolled back before the
// error is returned.
func (o *Orchestrator) Setup(ctx context.Context, req instance.SetupRequest) (*instance.SetupResponse, error) {
	id := req.CorrelationID
	if id == "" {
		id = "corr-" + uuid.NewString()
	}
	if !correlationIDPattern.MatchString(id) {
		return nil, fmt.Errorf("correlation id %q: %w", id, domain.ErrInvalidRequest)
	}

	l := o.lockID(id)
	defer o.unlockID(id, l)

	if existing, ok := o.registry.Get(id); ok {
		if existing.Status == instance.StatusRunning && o.procs.IsAlive(existing.PID) {
			o.log.Info("setup reused running instance", "correlation_id", id, "port", existing.Port)
			return o.response(&existing), nil
		}
		// Stale entry: the process died or a previous setup was interrupted.
		// Tear the remains down and provision fresh.
		o.log.Warn("setup found stale instance, recycling",
			"correlation_id", id, "status", existing.Status)
		o.teardown(ctx, &existing)
	}

	start := time.Now()

	referenceCommit := ""
	if o.reference != nil {
		ref, err := o.reference.ResolveReferenceCommit(ctx)
		if err != nil {
			o.log.Warn("reference commit unresolved", "error", err)
		} else {
			referenceCommit = ref
		}
	}

	port, err := o.ports.Allocate()
	if err != nil {
		return nil, err
	}

	inst := instance.Instance{
		CorrelationID:   id,
		ReferenceCommit: referenceCommit,
		Branch:          instance.BranchName(id),
		Port:            port,
		Status:          instance.StatusProvisioning,
		CreatedAt:       time.Now().UTC(),
	}
	o.registry.Put(inst)
	o.broadcast(ctx, ws.EventInstanceProvisioning, ws.InstanceEvent{
		CorrelationID: id,
		Port:          port,
		Status:        string(instance.StatusProvisioning),
	})

	// An omitted source commit pins the instance to the reference commit;
	// with no reference either, the manager falls back to local HEAD.
	sourceCommit := req.SourceCommit
	if sourceCommit == "" {
		sourceCommit = referenceCommit
	}

	cp, err := o.workspaces.Create(ctx, id, sourceCommit)
	if err != nil {
		o.ports.Release(port)
		o.registry.Delete(id)
		return nil, err
	}
	inst.SourceCommit = cp.Commit
	inst.WorkingCopyPath = cp.Path
	o.registry.Put(inst)

	pid, err := o.procs.Spawn(ctx, id, cp.Path, port)
	if err != nil {
		o.rollback(ctx, &inst)
		return nil, fmt.Errorf("spawn agent: %w", err)
	}
	inst.PID = pid
	o.registry.Put(inst)

	if err := o.procs.WaitReady(ctx, port); err != nil {
		if terr := o.procs.Terminate(ctx, pid); terr != nil {
			o.log.Error("terminate after failed startup", "correlation_id", id, "error", terr)
		}
		o.rollback(ctx, &inst)
		return nil, err
	}

	inst.Status = instance.StatusRunning
	o.registry.Put(inst)

	o.log.Info("instance running",
		"correlation_id", id,
		"port", port,
		"pid", pid,
		"source_commit", inst.SourceCommit,
		"duration", time.Since(start))
	o.broadcast(ctx, ws.EventInstanceRunning, ws.InstanceEvent{
		CorrelationID: id,
		Port:          port,
		Status:        string(instance.StatusRunning),
	})
	if o.metrics != nil {
		if o.metrics.InstancesProvisioned != nil {
			o.metrics.InstancesProvisioned.Add(ctx, 1)
		}
		if o.metrics.SetupDuration != nil {
			o.metrics.SetupDuration.Record(ctx, time.Since(start).Seconds())
		}
	}

	return o.response(&inst), nil
}

// Get returns the descriptor for a registered instance.
func (o *Orchestrator) Get(correlationID string) (instance.Descriptor, error) {
	inst, ok := o.registry.Get(correlationID)
	if !ok {
		return instance.Descriptor{}, fmt.Errorf("instance %q: %w", correlationID, domain.ErrNotFound)
	}
	return inst.Describe(), nil
}

// List returns descriptors for all registered instances.
func (o *Orchestrator) List() []instance.Descriptor {
	return o.registry.List()
}

// AgentInfo describes one supervised agent process.
type AgentInfo struct {
	CorrelationID string `json:"correlation_id"`
	PID           int    `json:"pid"`
	Port          int    `json:"port"`
	Alive         bool   `json:"alive"`
}

// Agents lists every supervised agent process with a live liveness probe.
func (o *Orchestrator) Agents() []AgentInfo {
	descs := o.registry.List()
	agents := make([]AgentInfo, 0, len(descs))
	for _, d := range descs {
		if d.PID <= 0 {
			continue
		}
		agents = append(agents, AgentInfo{
			CorrelationID: d.CorrelationID,
			PID:           d.PID,
			Port:          d.Port,
			Alive:         o.procs.IsAlive(d.PID),
		})
	}
	return agents
}

// TerminateAgent kills the supervised agent process with the given pid.
// Only pids owned by a registered instance are accepted; the instance's
// other resources stay in place for the reaper to reclaim.
func (o *Orchestrator) TerminateAgent(ctx context.Context, pid int) error {
	var owner string
	for _, d := range o.registry.List() {
		if d.PID == pid {
			owner = d.CorrelationID
			break
		}
	}
	if owner == "" {
		return fmt.Errorf("no supervised agent with pid %d: %w", pid, domain.ErrNotFound)
	}

	l := o.lockID(owner)
	defer o.unlockID(owner, l)

	inst, ok := o.registry.Get(owner)
	if !ok || inst.PID != pid {
		return fmt.Errorf("no supervised agent with pid %d: %w", pid, domain.ErrNotFound)
	}

	if err := o.procs.Terminate(ctx, pid); err != nil {
		return fmt.Errorf("terminate agent pid %d: %w", pid, err)
	}
	o.log.Info("agent terminated by request", "correlation_id", owner, "pid", pid)
	return nil
}

// Delete tears down an instance and removes it from the registry. Fails with
// domain.ErrNotFound for unknown ids; teardown itself is best-effort and
// never leaves the entry behind.
func (o *Orchestrator) Delete(ctx context.Context, correlationID string) error {
	l := o.lockID(correlationID)
	defer o.unlockID(correlationID, l)

	inst, ok := o.registry.Get(correlationID)
	if !ok {
		return fmt.Errorf("instance %q: %w", correlationID, domain.ErrNotFound)
	}

	o.registry.SetStatus(correlationID, instance.StatusDraining)
	o.teardown(ctx, &inst)

	o.log.Info("instance terminated", "correlation_id", correlationID)
	o.broadcast(ctx, ws.EventInstanceTerminated, ws.InstanceEvent{
		CorrelationID: correlationID,
		Status:        string(instance.StatusTerminated),
	})
	if o.metrics != nil && o.metrics.InstancesTerminated != nil {
		o.metrics.InstancesTerminated.Add(ctx, 1)
	}
	return nil
}

// Reclaim tears down an instance on behalf of the reaper, reporting whether
// an entry existed. The reason is carried on the broadcast event.
func (o *Orchestrator) Reclaim(ctx context.Context, correlationID, reason string) bool {
	l := o.lockID(correlationID)
	defer o.unlockID(correlationID, l)

	inst, ok := o.registry.Get(correlationID)
	if !ok {
		return false
	}

	o.registry.SetStatus(correlationID, instance.StatusDraining)
	o.teardown(ctx, &inst)

	o.log.Info("instance reaped", "correlation_id", correlationID, "reason", reason)
	o.broadcast(ctx, ws.EventInstanceReaped, ws.InstanceEvent{
		CorrelationID: correlationID,
		Status:        string(instance.StatusTerminated),
		Reason:        reason,
	})
	if o.metrics != nil && o.metrics.InstancesReaped != nil {
		o.metrics.InstancesReaped.Add(ctx, 1)
	}
	return true
}

// teardown releases every resource held by the instance. Each step is
// best-effort so one failure cannot strand the others; the registry entry is
// always removed last.
func (o *Orchestrator) teardown(ctx context.Context, inst *instance.Instance) {
	if inst.PID > 0 {
		if err := o.procs.Terminate(ctx, inst.PID); err != nil {
			o.log.Error("terminate agent", "correlation_id", inst.CorrelationID, "pid", inst.PID, "error", err)
		}
	}
	// A stale marker would point recovery tooling at a recycled pid.
	o.procs.RemovePidFile(inst.CorrelationID)
	if err := o.workspaces.Remove(ctx, inst.CorrelationID); err != nil {
		o.log.Error("remove working copy", "correlation_id", inst.CorrelationID, "error", err)
	}
	if inst.Port > 0 {
		o.ports.Release(inst.Port)
	}
	o.registry.Delete(inst.CorrelationID)
	if o.OnTeardown != nil {
		o.OnTeardown(ctx, inst.CorrelationID)
	}
}

// rollback undoes a partially completed setup without emitting lifecycle
// events; the caller reports the failure.
func (o *Orchestrator) rollback(ctx context.Context, inst *instance.Instance) {
	o.procs.RemovePidFile(inst.CorrelationID)
	if err := o.workspaces.Remove(ctx, inst.CorrelationID); err != nil {
		o.log.Error("rollback working copy", "correlation_id", inst.CorrelationID, "error", err)
	}
	o.ports.Release(inst.Port)
	o.registry.Delete(inst.CorrelationID)
}

func (o *Orchestrator) broadcast(ctx context.Context, eventType string, ev ws.InstanceEvent) {
	if o.events == nil {
		return
	}
	o.events.BroadcastEvent(ctx, eventType, ev)
}

func (o *Orchestrator) response(inst *instance.Instance) *instance.SetupResponse {
	advice, matches := compareAdvice(inst.SourceCommit, inst.ReferenceCommit)
	return &instance.SetupResponse{
		CorrelationID:    inst.CorrelationID,
		Port:             inst.Port,
		WorkingCopyPath:  inst.WorkingCopyPath,
		Branch:           inst.Branch,
		SourceCommit:     inst.SourceCommit,
		ReferenceCommit:  inst.ReferenceCommit,
		CompareAdvice:    advice,
		MatchesReference: matches,
		Status:           inst.Status,
		CreatedAt:        inst.CreatedAt,
	}
}

// compareAdvice explains how the pinned source commit relates to the latest
// reference commit.
func compareAdvice(source, reference string) (string, bool) {
	switch {
	case reference == "":
		return "reference commit unknown; cannot compare", false
	case source == reference:
		return "source commit matches the latest reference commit", true
	default:
		return fmt.Sprintf("source commit differs from reference commit %s; diff against it before trusting results", reference), false
	}
}
