package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"deckplane/pkg/api"
)

// DeckClient handles API calls to the deckplane gateway.
type DeckClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewDeckClient creates a new client with the given base URL and token.
func NewDeckClient(baseURL, token string) *DeckClient {
	return &DeckClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func newAPIError(code int, body []byte) *APIError {
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg := er.Error
		if er.Details != "" {
			msg += "\n" + er.Details
		}
		return &APIError{StatusCode: code, Message: msg}
	}
	return &APIError{StatusCode: code, Message: string(bytes.TrimSpace(body))}
}

func (c *DeckClient) newRequest(method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")
	return httpReq, nil
}

// do sends the request and decodes a JSON response into out when the status is want.
func (c *DeckClient) do(method, path string, body any, want int, out any) error {
	httpReq, err := c.newRequest(method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		return newAPIError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// CreateRun sends POST /runs to submit a pipeline run.
func (c *DeckClient) CreateRun(req api.CreateRunRequest) (*api.CreateRunResponse, error) {
	var result api.CreateRunResponse
	if err := c.do(http.MethodPost, "/runs", req, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRun sends GET /runs/{id} to retrieve a run with its events.
func (c *DeckClient) GetRun(runID string) (*api.RunResponse, error) {
	var result api.RunResponse
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(runID), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRuns sends GET /runs to retrieve a user's recent runs.
func (c *DeckClient) ListRuns(userID string, limit int) ([]api.RunResponse, error) {
	q := url.Values{"user_id": {userID}, "limit": {fmt.Sprint(limit)}}
	var result api.ListRunsResponse
	if err := c.do(http.MethodGet, "/runs?"+q.Encode(), nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// GetLogs sends GET /runs/{id}/logs to retrieve container output after afterID.
func (c *DeckClient) GetLogs(runID string, afterID int64) ([]api.LogEntry, error) {
	var result api.GetLogsResponse
	path := fmt.Sprintf("/runs/%s/logs?after_id=%d", url.PathEscape(runID), afterID)
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Logs, nil
}

// ListOutputs sends GET /outputs.
func (c *DeckClient) ListOutputs() ([]api.OutputFile, error) {
	var result api.ListOutputsResponse
	if err := c.do(http.MethodGet, "/outputs", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return result.Outputs, nil
}

// DownloadOutput streams GET /outputs/{name} into w and returns the bytes written.
func (c *DeckClient) DownloadOutput(name string, w io.Writer) (int64, error) {
	httpReq, err := c.newRequest(http.MethodGet, "/outputs/"+url.PathEscape(name), nil)
	if err != nil {
		return 0, err
	}

	// Presentations can be large; no overall timeout for the body.
	client := *c.HTTPClient
	client.Timeout = 0
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return 0, newAPIError(resp.StatusCode, respBody)
	}
	return io.Copy(w, resp.Body)
}
