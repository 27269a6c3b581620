package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/grokomation/ephemerald/internal/adapter/proc"
	"github.com/grokomation/ephemerald/internal/adapter/ws"
	"github.com/grokomation/ephemerald/internal/domain"
	"github.com/grokomation/ephemerald/internal/domain/instance"
	"github.com/grokomation/ephemerald/internal/middleware"
	"github.com/grokomation/ephemerald/internal/port/refcommit"
	"github.com/grokomation/ephemerald/internal/port/workspace"
	"github.com/grokomation/ephemerald/internal/service"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeWorkspace struct {
	mu     sync.Mutex
	copies map[string]*workspace.Copy
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{copies: make(map[string]*workspace.Copy)}
}

func (f *fakeWorkspace) Create(_ context.Context, correlationID, commit string) (*workspace.Copy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if commit == "" {
		commit = "headcommit"
	}
	cp := &workspace.Copy{
		Path:   "/tmp/fake-worktrees/" + correlationID,
		Branch: instance.BranchName(correlationID),
		Commit: commit,
	}
	f.copies[correlationID] = cp
	return cp, nil
}

func (f *fakeWorkspace) Remove(_ context.Context, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.copies, correlationID)
	return nil
}

func (f *fakeWorkspace) SweepOrphans(context.Context) (int, error) { return 0, nil }

func (f *fakeWorkspace) ResolveCommit(_ context.Context, ref string) (string, error) {
	if ref == "" || ref == "HEAD" {
		return "headcommit", nil
	}
	return ref, nil
}

type fakeSupervisor struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{nextPID: 2000, alive: make(map[int]bool)}
}

func (f *fakeSupervisor) Spawn(_ context.Context, _, _ string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeSupervisor) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeSupervisor) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
	return nil
}

func (f *fakeSupervisor) RemovePidFile(string) {}

func (f *fakeSupervisor) WaitReady(context.Context, int) error { return nil }

type fakeChecker struct {
	report *proc.HealthReport
	err    error
}

func (f *fakeChecker) CheckPort(context.Context, int) (*proc.HealthReport, error) {
	return f.report, f.err
}

type memCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemCache() *memCache { return &memCache{m: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	router   chi.Router
	registry *service.Registry
	orch     *service.Orchestrator
	checker  *fakeChecker
}

func newFixture(t *testing.T, portMin, portMax int) *fixture {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	registry := service.NewRegistry()
	ports := service.NewPortAllocator(portMin, portMax)
	wsMgr := newFakeWorkspace()
	procs := newFakeSupervisor()
	resolver := refcommit.Func(func(context.Context) (string, error) {
		return "headcommit", nil
	})

	orch := service.NewOrchestrator(registry, ports, wsMgr, procs, resolver, nil, nil, log)
	proxy := service.NewProxy(registry, newMemCache(), service.ProxyOptions{
		ContractPath: "/doc",
		ContractTTL:  time.Minute,
	}, nil, log)
	reaper := service.NewReaper(registry, orch, wsMgr, procs, service.ReaperOptions{
		Interval: time.Minute,
	}, log)

	checker := &fakeChecker{report: &proc.HealthReport{Healthy: true, Version: "1.2.3"}}

	h := &Handlers{
		Orchestrator: orch,
		Proxy:        proxy,
		Reaper:       reaper,
		Checker:      checker,
		Hub:          ws.NewHub(),
		Version:      "test",
	}

	r := chi.NewRouter()
	MountRoutes(r, h, middleware.NewRateLimiter(100, 100))

	return &fixture{router: r, registry: registry, orch: orch, checker: checker}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSetupInstanceEndpoint(t *testing.T) {
	f := newFixture(t, 43500, 43509)

	w := f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"bug-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	resp := decodeBody[instance.SetupResponse](t, w)
	if resp.CorrelationID != "bug-1" {
		t.Errorf("correlation_id = %q", resp.CorrelationID)
	}
	if resp.Port < 43500 || resp.Port > 43509 {
		t.Errorf("port %d outside range", resp.Port)
	}
	if resp.Branch != "debug/bug-1" {
		t.Errorf("branch = %q", resp.Branch)
	}
	if resp.Status != instance.StatusRunning {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestSetupInstanceInvalidBody(t *testing.T) {
	f := newFixture(t, 43510, 43519)

	w := f.do(t, http.MethodPost, "/instances/setup", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	resp := decodeBody[map[string]string](t, w)
	if resp["kind"] != "invalid_request" {
		t.Errorf("kind = %q", resp["kind"])
	}
}

func TestSetupInstanceUnsafeID(t *testing.T) {
	f := newFixture(t, 43520, 43529)

	w := f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"has space"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSetupInstanceExhaustion(t *testing.T) {
	f := newFixture(t, 43530, 43530)

	if w := f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"bug-1"}`); w.Code != http.StatusOK {
		t.Fatalf("first setup status = %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"bug-2"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	resp := decodeBody[map[string]string](t, w)
	if resp["kind"] != "resource_exhausted" {
		t.Errorf("kind = %q", resp["kind"])
	}
}

func TestGetAndListInstances(t *testing.T) {
	f := newFixture(t, 43540, 43549)

	f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"bug-1"}`)

	w := f.do(t, http.MethodGet, "/instances/bug-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/instances", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	list := decodeBody[struct {
		Count int `json:"count"`
	}](t, w)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}
}

func TestGetInstanceNotFound(t *testing.T) {
	f := newFixture(t, 43550, 43559)

	w := f.do(t, http.MethodGet, "/instances/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	resp := decodeBody[map[string]string](t, w)
	if resp["kind"] != "not_found" {
		t.Errorf("kind = %q", resp["kind"])
	}
}

func TestDeleteInstanceEndpoint(t *testing.T) {
	f := newFixture(t, 43560, 43569)

	f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"bug-1"}`)

	w := f.do(t, http.MethodDelete, "/instances/bug-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	resp := decodeBody[map[string]string](t, w)
	if resp["status"] != "terminated" {
		t.Errorf("status field = %q", resp["status"])
	}

	if w := f.do(t, http.MethodDelete, "/instances/bug-1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestProxyEndpointFiltersRequests(t *testing.T) {
	var apiHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/doc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"paths":{"/api/items":{"get":{}}}}`))
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, _ *http.Request) {
		apiHits.Add(1)
		_, _ = w.Write([]byte("ok"))
	})
	agent := httptest.NewServer(mux)
	defer agent.Close()
	agentPort := agent.Listener.Addr().(*net.TCPAddr).Port

	f := newFixture(t, 43570, 43579)
	f.registry.Put(instance.Instance{
		CorrelationID: "bug-1",
		Port:          agentPort,
		Status:        instance.StatusRunning,
	})

	w := f.do(t, http.MethodGet, "/instances/bug-1/proxy/api/items", "")
	if w.Code != http.StatusOK {
		t.Fatalf("allowed request status = %d, body %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q", w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/instances/bug-1/proxy/api/items", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("undeclared request status = %d, want 422", w.Code)
	}
	resp := decodeBody[map[string]string](t, w)
	if resp["kind"] != "request_rejected" {
		t.Errorf("kind = %q", resp["kind"])
	}
	if apiHits.Load() != 1 {
		t.Errorf("upstream hits = %d, want 1", apiHits.Load())
	}
}

func TestProxyEndpointUnknownInstance(t *testing.T) {
	f := newFixture(t, 43580, 43589)

	w := f.do(t, http.MethodGet, "/instances/ghost/proxy/api/items", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReapEndpoint(t *testing.T) {
	f := newFixture(t, 43590, 43599)

	w := f.do(t, http.MethodPost, "/instances/reap", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	report := decodeBody[service.ReapReport](t, w)
	if report.InstancesReaped != 0 {
		t.Errorf("InstancesReaped = %d, want 0", report.InstancesReaped)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, 43600, 43609)

	w := f.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[map[string]any](t, w)
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
}

func TestCheckPortEndpoint(t *testing.T) {
	f := newFixture(t, 43610, 43619)

	w := f.do(t, http.MethodGet, "/proc/check_port?port=4100", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[checkPortResponse](t, w)
	if !resp.Healthy || resp.Version != "1.2.3" {
		t.Errorf("response = %+v", resp)
	}

	f.checker.report = nil
	f.checker.err = errors.New("connection refused")
	w = f.do(t, http.MethodGet, "/proc/check_port?port=4100", "")
	resp = decodeBody[checkPortResponse](t, w)
	if resp.Healthy || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestListAgentsEndpoint(t *testing.T) {
	f := newFixture(t, 43640, 43649)

	f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"bug-1"}`)

	w := f.do(t, http.MethodGet, "/proc/agents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decodeBody[struct {
		Agents []service.AgentInfo `json:"agents"`
		Count  int                 `json:"count"`
	}](t, w)
	if resp.Count != 1 || len(resp.Agents) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Agents[0].CorrelationID != "bug-1" || !resp.Agents[0].Alive {
		t.Errorf("agent = %+v", resp.Agents[0])
	}
}

func TestTerminateAgentEndpoint(t *testing.T) {
	f := newFixture(t, 43650, 43659)

	f.do(t, http.MethodPost, "/instances/setup", `{"correlation_id":"bug-1"}`)
	inst, ok := f.registry.Get("bug-1")
	if !ok {
		t.Fatal("instance missing from registry")
	}

	w := f.do(t, http.MethodDelete, fmt.Sprintf("/proc/%d", inst.PID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[map[string]any](t, w)
	if resp["status"] != "terminated" {
		t.Errorf("status field = %v", resp["status"])
	}

	if w := f.do(t, http.MethodDelete, "/proc/99999", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown pid status = %d, want 404", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/proc/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad pid status = %d, want 400", w.Code)
	}
}

func TestCheckPortEndpointRejectsBadPort(t *testing.T) {
	f := newFixture(t, 43620, 43629)

	for _, q := range []string{"", "port=abc", "port=0", "port=70000"} {
		w := f.do(t, http.MethodGet, "/proc/check_port?"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("query %q status = %d, want 400", q, w.Code)
		}
	}
}

func TestErrorBodyShape(t *testing.T) {
	f := newFixture(t, 43630, 43639)

	w := f.do(t, http.MethodGet, "/instances/ghost", "")
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp.Error == "" || resp.Kind == "" {
		t.Fatalf("error body incomplete: %+v", resp)
	}
	if domain.Kind(domain.ErrNotFound) != resp.Kind {
		t.Errorf("kind = %q", resp.Kind)
	}
}
