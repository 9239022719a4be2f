// Package handlers contains HTTP handlers for the gateway API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"deckplane/internal/logger"
	"deckplane/internal/store"
	"deckplane/pkg/api"
)

// Pipeline is the part of the orchestrator the handlers use.
type Pipeline interface {
	ValidateLinks(lines []string) ([]string, error)
	Ping(ctx context.Context) error
	OutputDir() string
}

// Launcher starts an accepted run in the background.
type Launcher interface {
	Launch(run store.Run, links []string)
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store    store.Store
	pipeline Pipeline
	launcher Launcher
	log      *slog.Logger
	now      func() time.Time
}

// New creates a new Handlers instance.
func New(s store.Store, p Pipeline, l Launcher, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{store: s, pipeline: p, launcher: l, log: log, now: time.Now}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) logger(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context(), h.log)
}
