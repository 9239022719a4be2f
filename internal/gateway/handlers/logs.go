package handlers

import (
	"net/http"
	"strconv"

	"deckplane/pkg/api"
)

// GetRunLogs handles GET /runs/{id}/logs
// Called by the CLI to view or follow container output.
func (h *Handlers) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, ok := h.runID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := 1000 // default limit
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 10000 {
			limit = parsed
		}
	}

	var afterID int64 = 0
	if after := query.Get("after_id"); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			h.httpError(w, "Invalid after_id", http.StatusBadRequest)
			return
		}
		afterID = parsed
	}

	if _, ok := h.ownedRun(w, r, runID); !ok {
		return
	}

	logs, err := h.store.GetStageLogs(ctx, runID, afterID, limit)
	if err != nil {
		h.logger(r).Error("failed to fetch logs", "run_id", runID, "error", err)
		h.httpError(w, "Failed to fetch logs", http.StatusInternalServerError)
		return
	}

	apiLogs := make([]api.LogEntry, len(logs))
	for i, log := range logs {
		apiLogs[i] = api.LogEntry{
			ID:          log.ID,
			Stage:       log.Stage,
			StageName:   log.StageName,
			Attempt:     log.Attempt,
			ContainerID: log.ContainerID,
			Content:     log.Content,
			CreatedAt:   log.CreatedAt,
		}
	}

	h.respondJson(w, http.StatusOK, api.GetLogsResponse{Logs: apiLogs})
}
