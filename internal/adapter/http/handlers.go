package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/grokomation/ephemerald/internal/adapter/proc"
	"github.com/grokomation/ephemerald/internal/adapter/ws"
	"github.com/grokomation/ephemerald/internal/domain/instance"
	"github.com/grokomation/ephemerald/internal/service"
)

const maxSetupBody = 1 << 20

// PortChecker probes an arbitrary localhost port for an answering agent.
// Satisfied by the process supervisor adapter.
type PortChecker interface {
	CheckPort(ctx context.Context, port int) (*proc.HealthReport, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Proxy        *service.Proxy
	Reaper       *service.Reaper
	Checker      PortChecker
	Hub          *ws.Hub
	Version      string
}

// SetupInstance handles POST /instances/setup.
func (h *Handlers) SetupInstance(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[instance.SetupRequest](w, r, maxSetupBody)
	if !ok {
		return
	}

	resp, err := h.Orchestrator.Setup(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListInstances handles GET /instances.
func (h *Handlers) ListInstances(w http.ResponseWriter, _ *http.Request) {
	instances := h.Orchestrator.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": instances,
		"count":     len(instances),
	})
}

// GetInstance handles GET /instances/{correlation_id}.
func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	desc, err := h.Orchestrator.Get(urlParam(r, "correlation_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// DeleteInstance handles DELETE /instances/{correlation_id}.
func (h *Handlers) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "correlation_id")
	if err := h.Orchestrator.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"correlation_id": id,
		"status":         string(instance.StatusTerminated),
	})
}

// ProxyRequest handles all verbs on /instances/{correlation_id}/proxy/*.
func (h *Handlers) ProxyRequest(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "correlation_id")
	path := urlParam(r, "*")

	if err := h.Proxy.Forward(w, r, id, path); err != nil {
		writeDomainError(w, err)
	}
}

// ReapOrphans handles POST /instances/reap, running one sweep on demand.
func (h *Handlers) ReapOrphans(w http.ResponseWriter, r *http.Request) {
	report := h.Reaper.Reap(r.Context())
	writeJSON(w, http.StatusOK, report)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"instances":      len(h.Orchestrator.List()),
		"ws_connections": h.Hub.ConnectionCount(),
	})
}

// ListAgents handles GET /proc/agents, listing supervised agent processes.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Orchestrator.Agents()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// TerminateAgent handles DELETE /proc/{pid}, killing a supervised agent
// process by pid. The instance's remaining resources are left for the
// reaper.
func (h *Handlers) TerminateAgent(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(urlParam(r, "pid"))
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "pid must be a positive integer", "invalid_request")
		return
	}

	if err := h.Orchestrator.TerminateAgent(r.Context(), pid); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pid":    pid,
		"status": "terminated",
	})
}

// checkPortResponse mirrors the agent's health probe, with Healthy false and
// an error description when nothing answers.
type checkPortResponse struct {
	Port    int    `json:"port"`
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CheckPort handles GET /proc/check_port?port=N, probing whether an agent
// answers its health endpoint on the given port.
func (h *Handlers) CheckPort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(w, http.StatusBadRequest, "port must be an integer between 1 and 65535", "invalid_request")
		return
	}

	report, err := h.Checker.CheckPort(r.Context(), port)
	if err != nil {
		writeJSON(w, http.StatusOK, checkPortResponse{Port: port, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, checkPortResponse{
		Port:    port,
		Healthy: report.Healthy,
		Version: report.Version,
	})
}
