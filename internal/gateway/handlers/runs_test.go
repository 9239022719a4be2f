package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"deckplane/internal/store"
	"deckplane/pkg/api"

	"github.com/google/uuid"
)

var links = []string{"https://www.cian.ru/sale/flat/1/", "  ", "https://www.cian.ru/sale/flat/2/"}

func TestCreateRun(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		mockSetup      func(*fixture)
		expectedStatus int
		launched       int
	}{
		{
			name:           "Success",
			body:           api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: links},
			expectedStatus: http.StatusAccepted,
			launched:       1,
		},
		{
			name:           "Invalid Body",
			body:           "not-json",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Missing User",
			body:           api.CreateRunRequest{ClientName: "Acme", Links: links},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Missing Client Name",
			body:           api.CreateRunRequest{UserID: "42", ClientName: "  ", Links: links},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Invalid Links",
			body:           api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: []string{"https://example.com/x"}},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "No Links",
			body:           api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: []string{"", " "}},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "User Busy",
			body: api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: links},
			mockSetup: func(f *fixture) {
				f.store.Store.CreateRunIfIdle(context.Background(), &store.Run{ID: uuid.NewString(), Principal: testPrincipal, UserID: "42", Status: store.RunStatusRunning})
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name: "Store Failure",
			body: api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: links},
			mockSetup: func(f *fixture) {
				f.store.createRunErr = errors.New("db down")
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.mockSetup != nil {
				tt.mockSetup(f)
			}

			rr := f.do(http.MethodPost, "/runs", tt.body)

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if len(f.launcher.launched) != tt.launched {
				t.Errorf("expected %d launched runs, got %d", tt.launched, len(f.launcher.launched))
			}
		})
	}
}

func TestCreateRun_LaunchesCleanLinks(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/runs", api.CreateRunRequest{UserID: " 42 ", ClientName: "Acme", Links: links})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", rr.Code)
	}
	resp := decode[api.CreateRunResponse](t, rr)

	l := f.launcher.launched[0]
	if l.run.ID != resp.RunID || l.run.Principal != testPrincipal || l.run.UserID != "42" || l.run.Status != store.RunStatusPending || l.run.LinkCount != 2 {
		t.Errorf("unexpected launched run %+v", l.run)
	}
	if len(l.links) != 2 || l.links[1] != "https://www.cian.ru/sale/flat/2/" {
		t.Errorf("unexpected launched links %v", l.links)
	}

	run, err := f.store.GetRun(context.Background(), resp.RunID)
	if err != nil || run.Status != store.RunStatusPending {
		t.Errorf("expected pending run in store, got %+v %v", run, err)
	}
}

func TestCreateRun_InvalidLinksDetails(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/runs", api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: []string{"https://www.cian.ru/ok/", "bad one"}})
	resp := decode[api.ErrorResponse](t, rr)
	if resp.Details != "bad one" || !strings.Contains(resp.Error, "1 invalid link") {
		t.Errorf("unexpected error response %+v", resp)
	}
}

func TestGetRun(t *testing.T) {
	ctx := context.Background()
	runID := uuid.NewString()

	tests := []struct {
		name           string
		runID          string
		mockSetup      func(*fixture)
		expectedStatus int
	}{
		{
			name:  "Success",
			runID: runID,
			mockSetup: func(f *fixture) {
				f.store.Store.CreateRunIfIdle(ctx, &store.Run{ID: runID, Principal: testPrincipal, UserID: "42", ClientName: "Acme", Status: store.RunStatusPending})
				f.store.AddEvent(ctx, &store.RunEvent{RunID: runID, Kind: "run_started", Text: "📝 Processing links for Acme..."})
				f.store.FinishRun(ctx, runID, store.RunStatusSucceeded, 0, nil, []store.Artifact{{Name: "deck.pptx", Size: 3, URL: "https://s3/deck.pptx"}})
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Invalid UUID",
			runID:          "not-a-uuid",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Run Not Found",
			runID:          uuid.NewString(),
			expectedStatus: http.StatusNotFound,
		},
		{
			name:  "Store Failure",
			runID: runID,
			mockSetup: func(f *fixture) {
				f.store.getRunErr = errors.New("db down")
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.mockSetup != nil {
				tt.mockSetup(f)
			}

			rr := f.do(http.MethodGet, "/runs/"+tt.runID, nil)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			resp := decode[api.RunResponse](t, rr)
			if resp.Status != "succeeded" || len(resp.Events) != 1 || len(resp.Artifacts) != 1 {
				t.Errorf("unexpected response %+v", resp)
			}
			if resp.Artifacts[0].URL != "https://s3/deck.pptx" {
				t.Errorf("unexpected artifact %+v", resp.Artifacts[0])
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Store.CreateRunIfIdle(ctx, &store.Run{ID: uuid.NewString(), Principal: testPrincipal, UserID: "42", Status: store.RunStatusPending})

	if rr := f.do(http.MethodGet, "/runs", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without user_id, got %d", rr.Code)
	}

	rr := f.do(http.MethodGet, "/runs?user_id=42&limit=5", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	resp := decode[api.ListRunsResponse](t, rr)
	if len(resp.Runs) != 1 || resp.Runs[0].UserID != "42" {
		t.Errorf("unexpected runs %+v", resp.Runs)
	}
}

func TestRuns_ScopedToPrincipal(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/runs", api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: links})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", rr.Code)
	}
	runID := decode[api.CreateRunResponse](t, rr).RunID

	tests := []struct {
		name           string
		principal      string
		method         string
		target         string
		body           any
		expectedStatus int
	}{
		{"Owner Reads Run", testPrincipal, http.MethodGet, "/runs/" + runID, nil, http.StatusOK},
		{"Other Principal Reads Run", "intruder", http.MethodGet, "/runs/" + runID, nil, http.StatusNotFound},
		{"Other Principal Reads Logs", "intruder", http.MethodGet, "/runs/" + runID + "/logs", nil, http.StatusNotFound},
		{"Unauthenticated Read", "", http.MethodGet, "/runs/" + runID, nil, http.StatusUnauthorized},
		{"Unauthenticated Create", "", http.MethodPost, "/runs", api.CreateRunRequest{UserID: "7", ClientName: "Acme", Links: links}, http.StatusUnauthorized},
		{"Same User Id Under Other Principal", "intruder", http.MethodPost, "/runs", api.CreateRunRequest{UserID: "42", ClientName: "Acme", Links: links}, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := f.doAs(tt.principal, tt.method, tt.target, tt.body); rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
		})
	}

	own := decode[api.ListRunsResponse](t, f.do(http.MethodGet, "/runs?user_id=42", nil))
	if len(own.Runs) != 1 || own.Runs[0].ID != runID {
		t.Errorf("expected only the owner's run, got %+v", own.Runs)
	}
	other := decode[api.ListRunsResponse](t, f.doAs("intruder", http.MethodGet, "/runs?user_id=42", nil))
	if len(other.Runs) != 1 || other.Runs[0].ID == runID {
		t.Errorf("expected only the intruder's own run, got %+v", other.Runs)
	}
}
