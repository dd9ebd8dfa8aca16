package phaselinesdk

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

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID and Roles are sent as X-Actor-Id/X-Actor-Roles when no token is
	// set. Servers accept them only in local mode.
	ActorID    string
	Roles      []string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Counters summarises the decisions of a version.
type Counters struct {
	Total      int `json:"total"`
	Decided    int `json:"decided"`
	Accepted   int `json:"accepted"`
	Declined   int `json:"declined"`
	Overridden int `json:"overridden"`
}

// Version represents the API version model (partial).
type Version struct {
	ID              string   `json:"id"`
	PhaseInstanceID string   `json:"phase_instance_id"`
	Number          int      `json:"number"`
	Status          string   `json:"status"`
	Counters        Counters `json:"counters"`
}

// PhaseInstance is a started phase of a report.
type PhaseInstance struct {
	ID       string `json:"id"`
	ReportID string `json:"report_id"`
	Phase    string `json:"phase"`
	Status   string `json:"status"`
}

// Record is one item's decision record (partial).
type Record struct {
	ItemID     string          `json:"item_id"`
	Position   int             `json:"position"`
	Suggestion json.RawMessage `json:"suggestion,omitempty"`
	Tester     json.RawMessage `json:"tester,omitempty"`
	Approver   json.RawMessage `json:"approver,omitempty"`
	Override   bool            `json:"override"`
}

// Job is a suggestion job.
type Job struct {
	ID          string  `json:"id"`
	VersionID   string  `json:"version_id"`
	State       string  `json:"state"`
	Total       int     `json:"total"`
	Cursor      int     `json:"cursor"`
	ResumedFrom *string `json:"resumed_from,omitempty"`
}

// JobStatus is the progress view of a job.
type JobStatus struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	Cursor    int    `json:"cursor"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Reason    string `json:"reason,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ReportID   string         `json:"report_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartPhase starts a phase of a report.
func (c *Client) StartPhase(ctx context.Context, reportID, phase string) (PhaseInstance, error) {
	var resp PhaseInstance
	endpoint := fmt.Sprintf("reports/%s/phases/%s/start", url.PathEscape(reportID), url.PathEscape(phase))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Versions lists the versions of a phase instance.
func (c *Client) Versions(ctx context.Context, phaseInstanceID string) ([]Version, error) {
	var resp []Version
	endpoint := fmt.Sprintf("phase-instances/%s/versions", url.PathEscape(phaseInstanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Decide records a decision. kind may be empty when the caller holds a single
// decision role.
func (c *Client) Decide(ctx context.Context, versionID, itemID, kind, action, comment string) (Record, error) {
	endpoint := fmt.Sprintf("versions/%s/records/%s/decision", url.PathEscape(versionID), url.PathEscape(itemID))
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	body := map[string]any{"action": action, "comment": comment}
	var resp Record
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Submit moves a fully decided draft to pending approval.
func (c *Client) Submit(ctx context.Context, versionID string) (Version, error) {
	return c.versionAction(ctx, versionID, "submit", nil)
}

// Approve approves a pending version.
func (c *Client) Approve(ctx context.Context, versionID, notes string) (Version, error) {
	return c.versionAction(ctx, versionID, "approve", map[string]any{"notes": notes})
}

// Reject rejects a pending version.
func (c *Client) Reject(ctx context.Context, versionID, reason string) (Version, error) {
	return c.versionAction(ctx, versionID, "reject", map[string]any{"reason": reason})
}

func (c *Client) versionAction(ctx context.Context, versionID, action string, body any) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("versions/%s/%s", url.PathEscape(versionID), action)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitJob queues a suggestion job over every record of a version.
func (c *Client) SubmitJob(ctx context.Context, versionID string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("versions/%s/jobs", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// JobStatus returns the progress of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var resp JobStatus
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

// PauseJob asks a running job to pause.
func (c *Client) PauseJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/pause", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// ResumeJob resumes a paused job as a new job.
func (c *Client) ResumeJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/resume", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, reportID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, reportID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, reportID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if reportID != "" {
		q.Set("report_id", reportID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Actor-Roles", strings.Join(c.Roles, ","))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
