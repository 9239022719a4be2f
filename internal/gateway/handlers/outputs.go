package handlers

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"

	"deckplane/internal/publish"
	"deckplane/pkg/api"
)

// ListOutputs handles GET /outputs
func (h *Handlers) ListOutputs(w http.ResponseWriter, r *http.Request) {
	files, err := publish.ListOutputs(h.pipeline.OutputDir(), nil)
	if err != nil {
		h.logger(r).Error("failed to list outputs", "error", err)
		h.httpError(w, "Failed to list outputs", http.StatusInternalServerError)
		return
	}

	resp := api.ListOutputsResponse{Outputs: make([]api.OutputFile, 0, len(files))}
	for _, f := range files {
		resp.Outputs = append(resp.Outputs, api.OutputFile{Name: f.Name, Size: f.Size, ModTime: f.ModTime})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// DownloadOutput handles GET /outputs/{name}
func (h *Handlers) DownloadOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	f, err := publish.OpenOutput(h.pipeline.OutputDir(), name)
	if err != nil {
		switch {
		case errors.Is(err, publish.ErrInvalidName):
			h.httpError(w, "Invalid file name", http.StatusBadRequest)
		case errors.Is(err, fs.ErrNotExist):
			h.httpError(w, "Output not found", http.StatusNotFound)
		default:
			h.logger(r).Error("failed to open output", "name", name, "error", err)
			h.httpError(w, "Failed to open output", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		h.httpError(w, "Output not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
