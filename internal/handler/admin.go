package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethcentivize/issue-registry/internal/registry"
	"go.uber.org/atomic"
)

// AdminHandler serves operator endpoints behind auth.RequireAdminKey.
type AdminHandler struct {
	reg    *registry.Registry
	logger *slog.Logger
}

func NewAdminHandler(reg *registry.Registry, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{reg: reg, logger: logger}
}

// HandleAudit recomputes the escrow sum invariant.
//
// HTTP: GET /admin/audit
//
// An unbalanced ledger is still a 200: the audit itself succeeded and the
// body says what it found.
func (h *AdminHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	a, err := h.reg.Audit(r.Context())
	if err != nil {
		h.logger.Error("audit failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// HealthHandler answers liveness and readiness probes.
//
// Liveness only says the process serves HTTP. Readiness flips to false when
// shutdown begins, so a load balancer drains the instance before the
// listener closes.
type HealthHandler struct {
	ready *atomic.Bool
}

func NewHealthHandler(ready *atomic.Bool) *HealthHandler {
	return &HealthHandler{ready: ready}
}

// HandleLive serves GET /livez
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady serves GET /readyz
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
