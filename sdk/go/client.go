package teamlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Teamline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// Agent is sent as X-Agent when no bearer token is set.
	Agent      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type WorkLogEntry struct {
	Agent   string `json:"agent"`
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
	TS      string `json:"ts"`
}

// Item represents a board work item.
type Item struct {
	ID             string         `json:"id"`
	MissionID      string         `json:"mission_id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Stage          string         `json:"stage"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Owner          *string        `json:"owner,omitempty"`
	RejectionCount int            `json:"rejection_count"`
	WorkLog        []WorkLogEntry `json:"work_log,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

type Postcheck struct {
	Passed bool     `json:"passed"`
	Checks []string `json:"checks,omitempty"`
}

type Mission struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title,omitempty"`
	Status             string         `json:"status"`
	WIPLimits          map[string]int `json:"wip_limits,omitempty"`
	FinalReviewVerdict *string        `json:"final_review_verdict,omitempty"`
	Postcheck          *Postcheck     `json:"postcheck,omitempty"`
	CreatedAt          string         `json:"created_at"`
	UpdatedAt          string         `json:"updated_at"`
	CompletedAt        *string        `json:"completed_at,omitempty"`
}

type MoveResult struct {
	Success bool   `json:"success"`
	ItemID  string `json:"item_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type ClaimResult struct {
	Success bool   `json:"success"`
	ItemID  string `json:"item_id"`
	Agent   string `json:"agent"`
}

type RejectResult struct {
	Item      Item `json:"item"`
	Escalated bool `json:"escalated"`
}

// Decision is the policy verdict for one hook payload.
type Decision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason,omitempty"`
	Rule          string `json:"rule,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type AuditEvent struct {
	CorrelationID string `json:"correlation_id"`
	EventType     string `json:"event_type"`
	AgentName     string `json:"agent_name"`
	ToolName      string `json:"tool_name,omitempty"`
	Status        string `json:"status"`
	Summary       string `json:"summary"`
	Timestamp     string `json:"timestamp"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the server error code carried by err, if any.
func ErrorCode(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// CreateItem adds an item to the first stage.
func (c *Client) CreateItem(ctx context.Context, id, missionID, title string, dependsOn []string) (Item, error) {
	body := map[string]any{"title": title}
	if id != "" {
		body["id"] = id
	}
	if missionID != "" {
		body["mission_id"] = missionID
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, "items", body, &resp)
	return resp, err
}

func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListItems lists items, optionally filtered by mission and stage.
func (c *Client) ListItems(ctx context.Context, missionID, stage string) ([]Item, error) {
	q := url.Values{}
	if missionID != "" {
		q.Set("mission_id", missionID)
	}
	if stage != "" {
		q.Set("stage", stage)
	}
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("items", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Move(ctx context.Context, itemID, to string) (MoveResult, error) {
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "move"), map[string]any{"to": to}, &resp)
	return resp, err
}

func (c *Client) Claim(ctx context.Context, itemID, agent string) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "claim"), map[string]any{"agent": agent}, &resp)
	return resp, err
}

func (c *Client) Release(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodPost, itemPath(itemID, "release"), nil, nil)
}

// Reject records a rejection. returnTo may be empty.
func (c *Client) Reject(ctx context.Context, itemID, reason, agent, returnTo string) (RejectResult, error) {
	body := map[string]any{"reason": reason, "agent": agent}
	if returnTo != "" {
		body["return_to"] = returnTo
	}
	var resp RejectResult
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "reject"), body, &resp)
	return resp, err
}

func (c *Client) AppendLog(ctx context.Context, itemID, agent, outcome, summary string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, itemPath(itemID, "log"), map[string]any{"agent": agent, "outcome": outcome, "summary": summary}, &resp)
	return resp, err
}

func (c *Client) CreateMission(ctx context.Context, id, title string, wipLimits map[string]int) (Mission, error) {
	body := map[string]any{"id": id, "title": title}
	if len(wipLimits) > 0 {
		body["wip_limits"] = wipLimits
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", body, &resp)
	return resp, err
}

func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) SetMissionStatus(ctx context.Context, id, status string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPatch, missionPath(id, "status"), map[string]any{"status": status}, &resp)
	return resp, err
}

func (c *Client) RecordFinalReview(ctx context.Context, id, verdict string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, missionPath(id, "final-review"), map[string]any{"verdict": verdict}, &resp)
	return resp, err
}

func (c *Client) RecordPostcheck(ctx context.Context, id string, result Postcheck) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, missionPath(id, "postcheck"), result, &resp)
	return resp, err
}

func (c *Client) CompleteMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, missionPath(id, "complete"), nil, &resp)
	return resp, err
}

// MissionActive reports whether any mission is active. It lets the client
// serve as the policy engine's mission state source.
func (c *Client) MissionActive(ctx context.Context) (bool, error) {
	var resp struct {
		Active bool `json:"active"`
	}
	err := c.do(ctx, http.MethodGet, "missions/active", nil, &resp)
	return resp.Active, err
}

// Decide submits a raw pre-tool-use hook payload.
func (c *Client) Decide(ctx context.Context, payload []byte) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPost, "policy/decide", json.RawMessage(payload), &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Audit lists recorded policy audit events.
func (c *Client) Audit(ctx context.Context, agent, status string, limit int) ([]AuditEvent, error) {
	q := url.Values{}
	if agent != "" {
		q.Set("agent", agent)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []AuditEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("audit", q), nil, &resp)
	return resp.Items, err
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Agent != "":
		req.Header.Set("X-Agent", c.Agent)
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
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func itemPath(id, action string) string {
	return fmt.Sprintf("items/%s/%s", url.PathEscape(id), action)
}

func missionPath(id, action string) string {
	return fmt.Sprintf("missions/%s/%s", url.PathEscape(id), action)
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
