package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"deckplane/internal/gateway/middleware"
	"deckplane/internal/staging"
	"deckplane/internal/store"
	"deckplane/internal/store/memory"
)

// mockStore is an in-memory store with error hooks.
type mockStore struct {
	*memory.Store

	createRunErr error
	getRunErr    error
	getLogsErr   error

	// Spies (to verify arguments passed by handlers)
	capturedAfterID int64
	capturedLimit   int
}

func newMockStore() *mockStore {
	return &mockStore{Store: memory.New()}
}

func (m *mockStore) CreateRunIfIdle(ctx context.Context, run *store.Run) (bool, error) {
	if m.createRunErr != nil {
		return false, m.createRunErr
	}
	return m.Store.CreateRunIfIdle(ctx, run)
}

func (m *mockStore) GetRun(ctx context.Context, id string) (*store.Run, error) {
	if m.getRunErr != nil {
		return nil, m.getRunErr
	}
	return m.Store.GetRun(ctx, id)
}

func (m *mockStore) GetStageLogs(ctx context.Context, runID string, afterID int64, limit int) ([]store.StageLogEntry, error) {
	m.capturedAfterID = afterID
	m.capturedLimit = limit
	if m.getLogsErr != nil {
		return nil, m.getLogsErr
	}
	return m.Store.GetStageLogs(ctx, runID, afterID, limit)
}

type mockPipeline struct {
	pattern   *regexp.Regexp
	pingErr   error
	outputDir string
}

func newMockPipeline(outputDir string) *mockPipeline {
	return &mockPipeline{pattern: regexp.MustCompile(staging.DefaultLinkPattern), outputDir: outputDir}
}

func (m *mockPipeline) ValidateLinks(lines []string) ([]string, error) {
	return staging.ValidateLinks(lines, m.pattern)
}

func (m *mockPipeline) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockPipeline) OutputDir() string { return m.outputDir }

type launched struct {
	run   store.Run
	links []string
}

type mockLauncher struct {
	launched []launched
}

func (m *mockLauncher) Launch(run store.Run, links []string) {
	m.launched = append(m.launched, launched{run: run, links: links})
}

type fixture struct {
	store    *mockStore
	pipeline *mockPipeline
	launcher *mockLauncher
	h        *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMockStore(),
		pipeline: newMockPipeline(t.TempDir()),
		launcher: &mockLauncher{},
	}
	f.h = New(f.store, f.pipeline, f.launcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", f.h.CreateRun)
	mux.HandleFunc("GET /runs", f.h.ListRuns)
	mux.HandleFunc("GET /runs/{id}", f.h.GetRun)
	mux.HandleFunc("GET /runs/{id}/logs", f.h.GetRunLogs)
	mux.HandleFunc("GET /outputs", f.h.ListOutputs)
	mux.HandleFunc("GET /outputs/{name}", f.h.DownloadOutput)
	mux.HandleFunc("GET /healthz", f.h.Healthz)
	mux.HandleFunc("GET /readyz", f.h.Readyz)
	return mux
}

// testPrincipal owns the runs seeded by handler tests.
const testPrincipal = "ops"

func (f *fixture) do(method, target string, body any) *httptest.ResponseRecorder {
	return f.doAs(testPrincipal, method, target, body)
}

// doAs sends the request as an authenticated principal; an empty principal
// skips authentication.
func (f *fixture) doAs(principal, method, target string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	if principal != "" {
		req = req.WithContext(middleware.NewContextWithPrincipal(req.Context(), principal))
	}
	rr := httptest.NewRecorder()
	f.mux().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}
