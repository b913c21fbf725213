package triagelinesdk

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

// Client is a minimal Triageline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Prediction struct {
	PredictedDeveloper string  `json:"predicted_developer,omitempty"`
	Developer          string  `json:"developer"`
	Confidence         float64 `json:"confidence"`
}

type Assignment struct {
	ID             string `json:"id"`
	BugID          int64  `json:"bug_id"`
	DeveloperID    *int64 `json:"developer_id,omitempty"`
	DeveloperName  string `json:"developer_name"`
	AssignmentType string `json:"assignment_type"`
	CreatedAt      string `json:"created_at"`
}

type Bug struct {
	ID          int64        `json:"id"`
	Title       string       `json:"title"`
	Body        string       `json:"body"`
	Priority    string       `json:"priority"`
	Source      string       `json:"source"`
	ExternalRef *string      `json:"external_ref,omitempty"`
	Status      string       `json:"status"`
	Tags        []string     `json:"tags"`
	Predictions []Prediction `json:"predictions"`
	Threshold   float64      `json:"threshold"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
	Assignment  *Assignment  `json:"assignment,omitempty"`
}

// PredictRequest reports a new bug for routing.
type PredictRequest struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority string   `json:"priority,omitempty"`
	Source   string   `json:"source,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type PredictResult struct {
	BugID          int64        `json:"bug_id"`
	Predictions    []Prediction `json:"predictions"`
	Threshold      float64      `json:"threshold"`
	IsAutoAssigned bool         `json:"is_auto_assigned"`
	Status         string       `json:"status"`
	Tags           []string     `json:"tags"`
}

type PredictionSnapshot struct {
	BugID       int64        `json:"bug_id"`
	Status      string       `json:"status"`
	Predictions []Prediction `json:"predictions"`
	Threshold   float64      `json:"threshold"`
}

type Developer struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

type Stats struct {
	TotalBugs        int            `json:"total_bugs"`
	AutoAssigned     int            `json:"auto_assigned"`
	ManualReview     int            `json:"manual_review"`
	PendingBugs      int            `json:"pending_bugs"`
	BugsPerDeveloper map[string]int `json:"bugs_per_developer"`
}

type ImportResult struct {
	BatchID     string `json:"batch_id"`
	Source      string `json:"source"`
	Requested   int    `json:"requested"`
	Imported    int    `json:"imported_count"`
	Skipped     int    `json:"skipped_count"`
	Errored     int    `json:"error_count"`
	SourceError string `json:"source_error,omitempty"`
	Canceled    bool   `json:"canceled,omitempty"`
	Items       []struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"items"`
	Errors []struct {
		ExternalRef string `json:"external_ref,omitempty"`
		Title       string `json:"title"`
		Reason      string `json:"reason"`
	} `json:"errors,omitempty"`
}

type Health struct {
	Status    string `json:"status"`
	Predictor string `json:"predictor"`
	Error     string `json:"error,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps events with a next cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Predict creates a bug and returns the routing decision.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (PredictResult, error) {
	var resp PredictResult
	err := c.do(ctx, http.MethodPost, "predict", req, &resp)
	return resp, err
}

// ListBugs returns bugs oldest first, optionally filtered by status.
func (c *Client) ListBugs(ctx context.Context, status string) ([]Bug, error) {
	endpoint := "bugs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Bug `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetBug(ctx context.Context, id int64) (Bug, error) {
	var resp Bug
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("bugs/%d", id), nil, &resp)
	return resp, err
}

// Predictions returns the stored prediction snapshot of a bug.
func (c *Client) Predictions(ctx context.Context, id int64) (PredictionSnapshot, error) {
	var resp PredictionSnapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("bugs/%d/predictions", id), nil, &resp)
	return resp, err
}

// Assignments returns the assignment history of a bug.
func (c *Client) Assignments(ctx context.Context, id int64) ([]Assignment, error) {
	var resp struct {
		Items []Assignment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("bugs/%d/assignments", id), nil, &resp)
	return resp.Items, err
}

// Assign records a manual assignment; developerID may be nil.
func (c *Client) Assign(ctx context.Context, id int64, developerID *int64, developerName string) (Assignment, error) {
	body := map[string]any{"developer_name": developerName}
	if developerID != nil {
		body["developer_id"] = *developerID
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("bugs/%d/assign", id), body, &resp)
	return resp, err
}

// Triage runs prediction for an open bug.
func (c *Client) Triage(ctx context.Context, id int64) (PredictResult, error) {
	var resp PredictResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("bugs/%d/triage", id), nil, &resp)
	return resp, err
}

func (c *Client) DeleteBug(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("bugs/%d", id), nil, nil)
}

func (c *Client) Users(ctx context.Context, role string) ([]Developer, error) {
	endpoint := "users"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp struct {
		Items []Developer `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Import runs a batch from "github" or "local".
func (c *Client) Import(ctx context.Context, source string, count int) (ImportResult, error) {
	endpoint := "import-local"
	if source == "github" {
		endpoint = "fetch-github"
	}
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, endpoint, map[string]int{"count": count}, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// Events returns audit events after cursor.
func (c *Client) Events(ctx context.Context, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
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
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
