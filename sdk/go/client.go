// Package slipsyncsdk is a minimal Go client for the slipsync HTTP
// API: exports, page listing, and delta polling.
package slipsyncsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one team's cases.
type Client struct {
	BaseURL     string
	TeamID      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// Delta watermark, advanced by PollDelta.
	since   string
	sinceID string
}

// New creates a client with sane defaults.
func New(baseURL, teamID string) *Client {
	return &Client{
		BaseURL: baseURL,
		TeamID:  teamID,
		Timeout: 10 * time.Second,
	}
}

// Totals is the numeric slip summary.
type Totals struct {
	Materials float64 `json:"materials"`
	Montage   float64 `json:"montage"`
	Demontage float64 `json:"demontage"`
	Total     float64 `json:"total"`
	Hours     float64 `json:"hours"`
}

// Case represents the API case model (partial).
type Case struct {
	CaseID        string  `json:"case_id"`
	TeamID        string  `json:"team_id"`
	JobNumber     string  `json:"job_number"`
	CaseKind      string  `json:"case_kind"`
	System        string  `json:"system,omitempty"`
	Status        string  `json:"status"`
	Phase         string  `json:"phase"`
	Totals        Totals  `json:"totals"`
	CreatedBy     string  `json:"created_by"`
	UpdatedAt     string  `json:"updated_at"`
	LastUpdatedAt string  `json:"last_updated_at"`
	DeletedAt     *string `json:"deleted_at,omitempty"`
}

// ExportRequest is one sheet export.
type ExportRequest struct {
	CaseID           *string        `json:"case_id,omitempty"`
	JobNumber        string         `json:"job_number"`
	CaseKind         string         `json:"case_kind"`
	System           string         `json:"system,omitempty"`
	SheetPhase       string         `json:"sheet_phase,omitempty"`
	Totals           Totals         `json:"totals"`
	Content          map[string]any `json:"content,omitempty"`
	IfMatchUpdatedAt *string        `json:"if_match_updated_at,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps page-mode listings.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	Total      int    `json:"total"`
	NextCursor string `json:"next_cursor"`
}

// Delta is one poll answer.
type Delta struct {
	Cases          []Case   `json:"cases"`
	DeletedCaseIDs []string `json:"deleted_case_ids"`
	MaxUpdatedAt   string   `json:"max_updated_at"`
	MaxID          string   `json:"max_id"`
	HasMore        bool     `json:"has_more"`
}

type listBody struct {
	Page  *PaginatedCases `json:"page"`
	Delta *Delta          `json:"delta"`
}

// Export sends a sheet to the server.
func (c *Client) Export(ctx context.Context, req ExportRequest) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, c.teamPath("cases"), req, &resp)
	return resp, err
}

// GetCase fetches one case.
func (c *Client) GetCase(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, c.teamPath("cases/"+url.PathEscape(caseID)), nil, &resp)
	return resp, err
}

// ListPage returns one page of cases.
func (c *Client) ListPage(ctx context.Context, limit int, cursor string) (PaginatedCases, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.teamPath("cases")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp listBody
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return PaginatedCases{}, err
	}
	if resp.Page == nil {
		return PaginatedCases{}, fmt.Errorf("missing page payload")
	}
	return *resp.Page, nil
}

// PollDelta fetches changes since the last poll and advances the
// stored watermark. The first call returns the full history.
func (c *Client) PollDelta(ctx context.Context, limit int) (Delta, error) {
	q := url.Values{}
	since := c.since
	if since == "" {
		// Epoch in the server's stored layout starts the stream.
		since = "1970-01-01T00:00:00.000000000Z"
	}
	q.Set("since", since)
	if c.sinceID != "" {
		q.Set("since_id", c.sinceID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp listBody
	if err := c.do(ctx, http.MethodGet, c.teamPath("cases")+"?"+q.Encode(), nil, &resp); err != nil {
		return Delta{}, err
	}
	if resp.Delta == nil {
		return Delta{}, fmt.Errorf("missing delta payload")
	}
	if resp.Delta.MaxUpdatedAt != "" {
		c.since = resp.Delta.MaxUpdatedAt
		c.sinceID = resp.Delta.MaxID
	}
	return *resp.Delta, nil
}

// Approve approves a sheet on a case.
func (c *Client) Approve(ctx context.Context, caseID, sheetPhase string, ifMatch *string) (Case, error) {
	body := map[string]any{}
	if sheetPhase != "" {
		body["sheet_phase"] = sheetPhase
	}
	if ifMatch != nil {
		body["if_match_updated_at"] = *ifMatch
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, c.teamPath("cases/"+url.PathEscape(caseID)+"/approve"), body, &resp)
	return resp, err
}

// SetStatus moves a case to demontage_in_progress or done.
func (c *Client) SetStatus(ctx context.Context, caseID, status string, ifMatch *string) (Case, error) {
	body := map[string]any{"status": status}
	if ifMatch != nil {
		body["if_match_updated_at"] = *ifMatch
	}
	var resp Case
	err := c.do(ctx, http.MethodPatch, c.teamPath("cases/"+url.PathEscape(caseID)+"/status"), body, &resp)
	return resp, err
}

// Delete soft-deletes a case.
func (c *Client) Delete(ctx context.Context, caseID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodDelete, c.teamPath("cases/"+url.PathEscape(caseID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) teamPath(p string) string {
	team := url.PathEscape(c.TeamID)
	return fmt.Sprintf("v0/teams/%s/%s", team, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
