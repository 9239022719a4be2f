package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"deckplane/internal/store"
	"deckplane/pkg/api"

	"github.com/google/uuid"
)

func TestGetRunLogs(t *testing.T) {
	ctx := context.Background()
	runID := uuid.NewString()

	seed := func(f *fixture) {
		f.store.Store.CreateRunIfIdle(ctx, &store.Run{ID: runID, Principal: testPrincipal, UserID: "42", Status: store.RunStatusRunning})
		for _, content := range []string{"one\n", "two\n", "three\n"} {
			f.store.AddStageLog(ctx, &store.StageLogEntry{RunID: runID, Stage: 1, StageName: "parse", Attempt: 1, ContainerID: "c1", Content: content})
		}
	}

	tests := []struct {
		name            string
		query           string
		runID           string
		mockSetup       func(*fixture)
		expectedStatus  int
		expectedLogs    int
		expectedAfterID int64
		expectedLimit   int
	}{
		{
			name:           "Defaults",
			runID:          runID,
			mockSetup:      seed,
			expectedStatus: http.StatusOK,
			expectedLogs:   3,
			expectedLimit:  1000,
		},
		{
			name:            "After ID And Limit",
			runID:           runID,
			query:           "?after_id=1&limit=1",
			mockSetup:       seed,
			expectedStatus:  http.StatusOK,
			expectedLogs:    1,
			expectedAfterID: 1,
			expectedLimit:   1,
		},
		{
			name:           "Out Of Range Limit Falls Back",
			runID:          runID,
			query:          "?limit=999999",
			mockSetup:      seed,
			expectedStatus: http.StatusOK,
			expectedLogs:   3,
			expectedLimit:  1000,
		},
		{
			name:           "Invalid After ID",
			runID:          runID,
			query:          "?after_id=abc",
			mockSetup:      seed,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Unknown Run",
			runID:          uuid.NewString(),
			expectedStatus: http.StatusNotFound,
		},
		{
			name:  "Store Failure",
			runID: runID,
			mockSetup: func(f *fixture) {
				seed(f)
				f.store.getLogsErr = errors.New("db down")
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

			rr := f.do(http.MethodGet, "/runs/"+tt.runID+"/logs"+tt.query, nil)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("got status %d, want %d", rr.Code, tt.expectedStatus)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			resp := decode[api.GetLogsResponse](t, rr)
			if len(resp.Logs) != tt.expectedLogs {
				t.Errorf("expected %d logs, got %d", tt.expectedLogs, len(resp.Logs))
			}
			if f.store.capturedAfterID != tt.expectedAfterID || f.store.capturedLimit != tt.expectedLimit {
				t.Errorf("got after_id=%d limit=%d, want %d %d", f.store.capturedAfterID, f.store.capturedLimit, tt.expectedAfterID, tt.expectedLimit)
			}
			if resp.Logs[0].StageName != "parse" || resp.Logs[0].ContainerID != "c1" {
				t.Errorf("unexpected log entry %+v", resp.Logs[0])
			}
		})
	}
}
