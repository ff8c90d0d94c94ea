package researchhuntsdk

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

// Client is a minimal ResearchHunt HTTP API client.
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

// Request represents the API request model.
type Request struct {
	ID               string      `json:"id"`
	Owner            string      `json:"owner"`
	Deposit          int64       `json:"deposit"`
	MinimumReward    int64       `json:"minimum_reward"`
	ApplicationEndAt string      `json:"application_end_at"`
	SubmissionEndAt  string      `json:"submission_end_at"`
	Status           string      `json:"status"`
	CreatedAt        string      `json:"created_at"`
	ClosedAt         *string     `json:"closed_at,omitempty"`
	Applicants       []Applicant `json:"applicants,omitempty"`
}

// Applicant represents one reporter's state on a request.
type Applicant struct {
	RequestID    string  `json:"request_id"`
	ActorID      string  `json:"actor_id"`
	Position     int     `json:"position"`
	Approved     bool    `json:"approved"`
	AppliedAt    string  `json:"applied_at"`
	ApprovedAt   *string `json:"approved_at,omitempty"`
	EvidenceHash *string `json:"evidence_hash,omitempty"`
	SubmittedAt  *string `json:"submitted_at,omitempty"`
}

// Params are the global timespan parameters, in seconds.
type Params struct {
	ApplicationMinimum int64  `json:"application_minimum"`
	SubmissionMinimum  int64  `json:"submission_minimum"`
	DistributionEnd    int64  `json:"distribution_end"`
	Refundable         int64  `json:"refundable"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

// Balance is a ledger account snapshot.
type Balance struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// Withdrawal reports a completed withdrawal.
type Withdrawal struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest creates a funded request.
func (c *Client) CreateRequest(ctx context.Context, id string, deposit, minimumReward int64, applicationEndAt, submissionEndAt string) (Request, error) {
	body := map[string]any{
		"id":                 id,
		"deposit":            deposit,
		"minimum_reward":     minimumReward,
		"application_end_at": applicationEndAt,
		"submission_end_at":  submissionEndAt,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request with its applicants.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, c.requestPath(id, ""), nil, &resp)
	return resp, err
}

// AddDeposit adds to a request's escrowed deposit.
func (c *Client) AddDeposit(ctx context.Context, id string, amount int64) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "deposit"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Apply applies the authenticated actor to a request.
func (c *Client) Apply(ctx context.Context, id string) (Applicant, error) {
	var resp Applicant
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "applications"), map[string]any{}, &resp)
	return resp, err
}

// Approve approves an applicant on an owned request.
func (c *Client) Approve(ctx context.Context, id, applicantID string) (Applicant, error) {
	var resp Applicant
	endpoint := c.requestPath(id, fmt.Sprintf("applications/%s/approve", url.PathEscape(applicantID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Submit records an evidence hash for the authenticated actor.
func (c *Client) Submit(ctx context.Context, id, evidenceHash string) (Applicant, error) {
	var resp Applicant
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "submissions"), map[string]any{"evidence_hash": evidenceHash}, &resp)
	return resp, err
}

// Distribute splits the deposit per awards and closes the request.
func (c *Client) Distribute(ctx context.Context, id string, awards map[string]int64) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "distribute"), map[string]any{"awards": awards}, &resp)
	return resp, err
}

// Refund reclaims the remaining deposit and closes the request.
func (c *Client) Refund(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "refund"), map[string]any{}, &resp)
	return resp, err
}

// Params returns the current timespan parameters.
func (c *Client) Params(ctx context.Context) (Params, error) {
	var resp Params
	err := c.do(ctx, http.MethodGet, "v0/params", nil, &resp)
	return resp, err
}

// Balance returns the authenticated actor's ledger balance.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "v0/ledger/balance", nil, &resp)
	return resp, err
}

// Withdraw pays out from the authenticated actor's balance. Zero withdraws
// everything.
func (c *Client) Withdraw(ctx context.Context, amount int64) (Withdrawal, error) {
	var resp Withdrawal
	err := c.do(ctx, http.MethodPost, "v0/ledger/withdrawals", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
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

func (c *Client) requestPath(id, p string) string {
	endpoint := fmt.Sprintf("v0/requests/%s", url.PathEscape(id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
