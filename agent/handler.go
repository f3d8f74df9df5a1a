package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler translates agent API requests into hypervisor driver calls.
type Handler struct {
	driver   interfaces.HypervisorDriver
	log      *slog.Logger
	opsTotal *prometheus.CounterVec
}

// NewHandler creates a handler driving the given hypervisor.
func NewHandler(driver interfaces.HypervisorDriver, log *slog.Logger) *Handler {
	return &Handler{
		driver: driver,
		log:    log,
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmcloak_agent_operations_total",
			Help: "Hypervisor operations served by the agent, by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
}

// RegisterMetrics registers the handler's collectors.
func (h *Handler) RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(h.opsTotal)
}

// decode reads a JSON request body into v. A nil v accepts (and ignores)
// any body.
func decode(r *http.Request, v any) error {
	if v == nil {
		return nil
	}
	body := http.MaxBytesReader(nil, r.Body, maxBodySize)
	return json.NewDecoder(body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// finish records the operation outcome and writes the response.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, op string, err error) {
	vm := chi.URLParam(r, "vm")
	if err != nil {
		h.opsTotal.WithLabelValues(op, "error").Inc()
		h.log.Error("hypervisor operation failed", "op", op, "vm", vm, "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	h.opsTotal.WithLabelValues(op, "ok").Inc()
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *Handler) badRequest(w http.ResponseWriter, op string, err error) {
	h.opsTotal.WithLabelValues(op, "bad_request").Inc()
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}

func (h *Handler) HandleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req CreateVMRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "create", err)
		return
	}
	h.finish(w, r, "create", h.driver.CreateVM(r.Context(), chi.URLParam(r, "vm"), req.OSType))
}

func (h *Handler) HandleDeleteVM(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, "delete", h.driver.DeleteVM(r.Context(), chi.URLParam(r, "vm")))
}

func (h *Handler) HandleSetMemory(w http.ResponseWriter, r *http.Request) {
	var req MemoryRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "memory", err)
		return
	}
	h.finish(w, r, "memory", h.driver.SetMemory(r.Context(), chi.URLParam(r, "vm"), req.SizeMB))
}

func (h *Handler) HandleSetCPUCount(w http.ResponseWriter, r *http.Request) {
	var req CPURequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "cpus", err)
		return
	}
	h.finish(w, r, "cpus", h.driver.SetCPUCount(r.Context(), chi.URLParam(r, "vm"), req.Count))
}

func (h *Handler) HandleCreateDisk(w http.ResponseWriter, r *http.Request) {
	var req DiskRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "disk", err)
		return
	}
	h.finish(w, r, "disk", h.driver.CreateDisk(r.Context(), chi.URLParam(r, "vm"), req.SizeMB))
}

func (h *Handler) HandleAttachISO(w http.ResponseWriter, r *http.Request) {
	var req AttachISORequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "attach-iso", err)
		return
	}
	h.finish(w, r, "attach-iso", h.driver.AttachISO(r.Context(), chi.URLParam(r, "vm"), req.Path))
}

func (h *Handler) HandleDetachISO(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, "detach-iso", h.driver.DetachISO(r.Context(), chi.URLParam(r, "vm")))
}

func (h *Handler) HandleHardwareProfile(w http.ResponseWriter, r *http.Request) {
	var req HardwareProfileRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "hardware-profile", err)
		return
	}
	profile := interfaces.HardwareProfile{Name: req.Name, ExtraData: req.ExtraData}
	h.finish(w, r, "hardware-profile", h.driver.ApplyHardwareProfile(r.Context(), chi.URLParam(r, "vm"), profile))
}

func (h *Handler) HandleHostOnlyNetwork(w http.ResponseWriter, r *http.Request) {
	var req HostOnlyNetworkRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "network-hostonly", err)
		return
	}
	h.finish(w, r, "network-hostonly", h.driver.ConfigureHostOnlyNetwork(r.Context(), chi.URLParam(r, "vm"), req.MACAddr))
}

func (h *Handler) HandleNATNetwork(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, "network-nat", h.driver.ConfigureNATNetwork(r.Context(), chi.URLParam(r, "vm")))
}

func (h *Handler) HandleBridgedNetwork(w http.ResponseWriter, r *http.Request) {
	var req BridgedNetworkRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "network-bridged", err)
		return
	}
	h.finish(w, r, "network-bridged", h.driver.ConfigureBridgedNetwork(r.Context(), chi.URLParam(r, "vm"), req.HostAdapter, req.MACAddr))
}

func (h *Handler) HandleHwVirt(w http.ResponseWriter, r *http.Request) {
	var req HwVirtRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "hwvirt", err)
		return
	}
	h.finish(w, r, "hwvirt", h.driver.SetHardwareVirtualization(r.Context(), chi.URLParam(r, "vm"), req.Enabled))
}

func (h *Handler) HandleStartVM(w http.ResponseWriter, r *http.Request) {
	var req StartVMRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "start", err)
		return
	}
	h.finish(w, r, "start", h.driver.StartVM(r.Context(), chi.URLParam(r, "vm"), req.Visible))
}

func (h *Handler) HandleStopVM(w http.ResponseWriter, r *http.Request) {
	h.finish(w, r, "stop", h.driver.StopVM(r.Context(), chi.URLParam(r, "vm")))
}

func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if err := decode(r, &req); err != nil {
		h.badRequest(w, "snapshot", err)
		return
	}
	h.finish(w, r, "snapshot", h.driver.Snapshot(r.Context(), chi.URLParam(r, "vm"), req.Name, req.Description))
}

func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	vm := chi.URLParam(r, "vm")
	running, err := h.driver.Running(r.Context(), vm)
	if err != nil {
		h.opsTotal.WithLabelValues("state", "error").Inc()
		h.log.Error("hypervisor operation failed", "op", "state", "vm", vm, "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	h.opsTotal.WithLabelValues("state", "ok").Inc()
	writeJSON(w, http.StatusOK, StateResponse{Running: running})
}
