package caselinesdk

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

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model.
type Case struct {
	ID          string `json:"id"`
	Goal        string `json:"goal"`
	Status      string `json:"status"`
	OwnerID     string `json:"owner_id"`
	Priority    string `json:"priority"`
	RequesterID string `json:"requester_id"`
	Domain      string `json:"domain"`
	Skill       string `json:"skill"`
	Complexity  int    `json:"complexity"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Capability describes one (domain, skill, max_complexity) tuple a worker
// advertises.
type Capability struct {
	Domain        string `json:"domain"`
	Skill         string `json:"skill"`
	MaxComplexity int    `json:"max_complexity"`
}

// Worker represents a registered worker.
type Worker struct {
	ID            string       `json:"id"`
	Capabilities  []Capability `json:"capabilities"`
	Capacity      int          `json:"capacity"`
	Load          int          `json:"load"`
	Liveness      string       `json:"liveness"`
	LastHeartbeat string       `json:"last_heartbeat,omitempty"`
	Attempted     int          `json:"attempted"`
	Succeeded     int          `json:"succeeded"`
	SuccessRate   float64      `json:"success_rate"`
}

// Event represents a case log entry.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	CaseID  string `json:"case_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

// Message represents a journal entry from the message router.
type Message struct {
	ID           string `json:"id"`
	SenderID     string `json:"sender_id"`
	RecipientID  string `json:"recipient_id"`
	Type         string `json:"type"`
	Payload      string `json:"payload_json"`
	TS           string `json:"ts"`
	Disposition  string `json:"disposition"`
	RejectReason string `json:"reject_reason,omitempty"`
}

// Escalation carries the reason and the full case history.
type Escalation struct {
	CaseID  string  `json:"case_id"`
	Reason  string  `json:"reason"`
	TS      string  `json:"ts"`
	History []Event `json:"history"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateCaseOptions holds the optional fields of a case creation.
type CreateCaseOptions struct {
	Complexity     int
	Priority       string
	IdempotencyKey string
	Scope          []string
}

// CreateCase creates a case.
func (c *Client) CreateCase(ctx context.Context, goal, caseDomain, skill string, opts *CreateCaseOptions) (Case, error) {
	body := map[string]any{
		"goal":   goal,
		"domain": caseDomain,
		"skill":  skill,
	}
	if opts != nil {
		if opts.Complexity > 0 {
			body["complexity"] = opts.Complexity
		}
		if opts.Priority != "" {
			body["priority"] = opts.Priority
		}
		if opts.IdempotencyKey != "" {
			body["idempotency_key"] = opts.IdempotencyKey
		}
		if len(opts.Scope) > 0 {
			body["scope"] = opts.Scope
		}
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v0/cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Cases returns a paginated case listing.
func (c *Client) Cases(ctx context.Context, status string, limit int, cursor string) (PaginatedCases, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/cases"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CaseHistory returns the full event history of a case.
func (c *Client) CaseHistory(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, "v0/cases/"+url.PathEscape(id)+"/events", nil, &resp)
	return resp, err
}

// Transition moves a case to a new status.
func (c *Client) Transition(ctx context.Context, id, status, reason string, force bool) (Case, error) {
	endpoint := "v0/cases/" + url.PathEscape(id) + "/transition"
	if force {
		endpoint += "?force=true"
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{
		"status": status,
		"reason": reason,
	}, &resp)
	return resp, err
}

// Escalate hands a case to the outside authority.
func (c *Client) Escalate(ctx context.Context, id, reason string) (Escalation, error) {
	var resp Escalation
	err := c.do(ctx, http.MethodPost, "v0/cases/"+url.PathEscape(id)+"/escalate", map[string]any{
		"reason": reason,
	}, &resp)
	return resp, err
}

// RespondApproval answers a pending approval on a case.
func (c *Client) RespondApproval(ctx context.Context, id string, approved bool, note string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases/"+url.PathEscape(id)+"/approval", map[string]any{
		"approved": approved,
		"note":     note,
	}, &resp)
	return resp, err
}

// RegisterWorker registers or updates a worker.
func (c *Client) RegisterWorker(ctx context.Context, id string, capacity int, capabilities []Capability) (Worker, error) {
	var resp Worker
	err := c.do(ctx, http.MethodPost, "v0/workers", map[string]any{
		"id":           id,
		"capacity":     capacity,
		"capabilities": capabilities,
	}, &resp)
	return resp, err
}

// Workers returns all registered workers.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp []Worker
	err := c.do(ctx, http.MethodGet, "v0/workers", nil, &resp)
	return resp, err
}

// Heartbeat records a worker heartbeat.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "v0/workers/"+url.PathEscape(workerID)+"/heartbeat", nil, nil)
}

// Events tails the event log.
func (c *Client) Events(ctx context.Context, limit int, cursor int64) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	endpoint := "v0/events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Messages queries the message journal.
func (c *Client) Messages(ctx context.Context, senderID, recipientID, disposition string, limit int) ([]Message, error) {
	q := url.Values{}
	if senderID != "" {
		q.Set("sender_id", senderID)
	}
	if recipientID != "" {
		q.Set("recipient_id", recipientID)
	}
	if disposition != "" {
		q.Set("disposition", disposition)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/messages"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Message
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
