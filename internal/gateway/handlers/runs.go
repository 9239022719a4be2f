package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"deckplane/internal/gateway/middleware"
	"deckplane/internal/staging"
	"deckplane/internal/store"
	"deckplane/pkg/api"

	"github.com/google/uuid"
)

const maxRequestBody = 1 << 20

// CreateRun handles POST /runs.
// The run is accepted with 202 and executed in the background.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req api.CreateRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	req.ClientName = strings.TrimSpace(req.ClientName)
	if req.UserID == "" {
		h.httpError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.ClientName == "" {
		h.httpError(w, "client_name is required", http.StatusBadRequest)
		return
	}

	links, err := h.pipeline.ValidateLinks(req.Links)
	if err != nil {
		var invalid *staging.InvalidLinksError
		if errors.As(err, &invalid) {
			h.respondJson(w, http.StatusBadRequest, api.ErrorResponse{
				Error:   invalid.Error(),
				Code:    strconv.Itoa(http.StatusBadRequest),
				Details: strings.Join(invalid.Lines, "\n"),
			})
			return
		}
		h.httpError(w, "Invalid links", http.StatusBadRequest)
		return
	}

	run := store.Run{
		ID:         uuid.NewString(),
		Principal:  principal,
		UserID:     req.UserID,
		ClientName: req.ClientName,
		Status:     store.RunStatusPending,
		LinkCount:  len(links),
		CreatedAt:  h.now(),
	}

	created, err := h.store.CreateRunIfIdle(ctx, &run)
	if err != nil {
		h.logger(r).Error("failed to create run", "user_id", run.UserID, "error", err)
		h.httpError(w, "Failed to create run", http.StatusInternalServerError)
		return
	}
	if !created {
		h.httpError(w, "A run is already in progress for this user", http.StatusConflict)
		return
	}

	h.logger(r).Info("run accepted", "run_id", run.ID, "principal", principal, "user_id", run.UserID, "links", run.LinkCount)
	h.launcher.Launch(run, links)

	h.respondJson(w, http.StatusAccepted, api.CreateRunResponse{RunID: run.ID})
}

// GetRun handles GET /runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runID, ok := h.runID(w, r)
	if !ok {
		return
	}

	run, ok := h.ownedRun(w, r, runID)
	if !ok {
		return
	}
	events, err := h.store.ListEvents(ctx, runID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	artifacts, err := h.store.ListArtifacts(ctx, runID)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	h.respondJson(w, http.StatusOK, toRunResponse(run, events, artifacts))
}

// ListRuns handles GET /runs?user_id=...&limit=...
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()

	userID := strings.TrimSpace(query.Get("user_id"))
	if userID == "" {
		h.httpError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	limit := 20 // default limit
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	runs, err := h.store.ListRuns(r.Context(), principal, userID, limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	resp := api.ListRunsResponse{Runs: make([]api.RunResponse, 0, len(runs))}
	for i := range runs {
		resp.Runs = append(resp.Runs, toRunResponse(&runs[i], nil, nil))
	}
	h.respondJson(w, http.StatusOK, resp)
}

func (h *Handlers) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		h.httpError(w, "Invalid run id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func (h *Handlers) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return principal, true
}

// ownedRun loads a run submitted by the caller's principal. Runs of other
// principals are reported as not found.
func (h *Handlers) ownedRun(w http.ResponseWriter, r *http.Request, runID string) (*store.Run, bool) {
	principal, ok := h.principal(w, r)
	if !ok {
		return nil, false
	}
	run, err := h.store.GetRun(r.Context(), runID)
	if err == nil && run.Principal != principal {
		err = store.ErrNotFound
	}
	if err != nil {
		h.storeError(w, r, err)
		return nil, false
	}
	return run, true
}

func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, "Run not found", http.StatusNotFound)
		return
	}
	h.logger(r).Error("store request failed", "path", r.URL.Path, "error", err)
	h.httpError(w, "Internal server error", http.StatusInternalServerError)
}

func toRunResponse(run *store.Run, events []store.RunEvent, artifacts []store.Artifact) api.RunResponse {
	resp := api.RunResponse{
		ID:          run.ID,
		UserID:      run.UserID,
		ClientName:  run.ClientName,
		Status:      string(run.Status),
		LinkCount:   run.LinkCount,
		FailedStage: run.FailedStage,
		Error:       run.ErrorMessage,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Events:      make([]api.RunEvent, 0, len(events)),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, api.RunEvent{
			ID:        e.ID,
			Kind:      e.Kind,
			Stage:     e.Stage,
			Text:      e.Text,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	for _, a := range artifacts {
		resp.Artifacts = append(resp.Artifacts, api.Artifact{Name: a.Name, Size: a.Size, URL: a.URL})
	}
	return resp
}
