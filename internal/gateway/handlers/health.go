package handlers

import (
	"net/http"
	"os"
)

// Healthz is a liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz reports whether runs can be accepted: the container runtime answers
// and the output directory the stages write into exists.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"runtime": "ok", "output_dir": "ok"}
	ready := true

	if err := h.pipeline.Ping(r.Context()); err != nil {
		h.logger(r).Warn("container runtime unavailable", "error", err)
		checks["runtime"] = err.Error()
		ready = false
	}
	if fi, err := os.Stat(h.pipeline.OutputDir()); err != nil || !fi.IsDir() {
		h.logger(r).Warn("output directory unavailable", "path", h.pipeline.OutputDir(), "error", err)
		checks["output_dir"] = "missing"
		ready = false
	}

	if !ready {
		h.respondJson(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	h.respondJson(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}
