package rosterlinesdk

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

// Client is a minimal Rosterline HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Only honored
	// by servers running with legacy headers or disabled auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Org represents the API org model.
type Org struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Jurisdiction string `json:"jurisdiction"`
	Status       string `json:"status"`
}

// Employee represents a scheduled worker.
type Employee struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
}

// Roster represents a scheduling period.
type Roster struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Status      string `json:"status"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Shift represents one scheduled shift.
type Shift struct {
	ID           string `json:"id"`
	RosterID     string `json:"roster_id"`
	EmployeeID   string `json:"employee_id"`
	StartAt      string `json:"start_at"`
	EndAt        string `json:"end_at"`
	BreakMinutes int    `json:"break_minutes"`
	Status       string `json:"status"`
}

// Violation is one broken labor rule.
type Violation struct {
	Kind       string   `json:"kind"`
	EmployeeID string   `json:"employee_id"`
	ShiftIDs   []string `json:"shift_ids,omitempty"`
	Limit      float64  `json:"limit"`
	Observed   float64  `json:"observed"`
	Message    string   `json:"message"`
}

// ValidationResult is the outcome of a compliance check (partial).
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
	Warnings   []Violation `json:"warnings"`
	CheckedAt  string      `json:"checked_at"`
}

// AgentDecision is one agent's vote (partial).
type AgentDecision struct {
	AgentRole      string   `json:"agent_role"`
	Round          int      `json:"round"`
	Recommendation string   `json:"recommendation"`
	Score          int      `json:"score"`
	Confidence     int      `json:"confidence"`
	Reasoning      []string `json:"reasoning,omitempty"`
	Concerns       []string `json:"concerns,omitempty"`
}

// DebateRound is one cross-evaluation round (partial).
type DebateRound struct {
	Round            int  `json:"round"`
	PositionsChanged bool `json:"positions_changed"`
	ConsensusReached bool `json:"consensus_reached"`
}

// ConsensusResult is the panel outcome (partial).
type ConsensusResult struct {
	Status              string          `json:"status"`
	FinalRecommendation string          `json:"final_recommendation"`
	DecisionType        string          `json:"decision_type"`
	ApproveWeight       float64         `json:"approve_weight"`
	RejectWeight        float64         `json:"reject_weight"`
	AlignmentScore      int             `json:"alignment_score"`
	AverageConfidence   int             `json:"average_confidence"`
	Decisions           []AgentDecision `json:"decisions"`
	Rounds              []DebateRound   `json:"rounds,omitempty"`
	Summary             string          `json:"summary"`
	EscalationReason    string          `json:"escalation_reason,omitempty"`
	Truncated           bool            `json:"truncated,omitempty"`
}

// EvaluateResult is the decision endpoint envelope.
type EvaluateResult struct {
	Success      bool             `json:"success"`
	Result       *ConsensusResult `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	AuditEntryID string           `json:"audit_entry_id,omitempty"`
}

// AuditEntry is a stored consensus record (partial).
type AuditEntry struct {
	ID           string           `json:"id"`
	OrgID        string           `json:"org_id"`
	DecisionType string           `json:"decision_type"`
	RosterID     string           `json:"roster_id,omitempty"`
	RequestedBy  string           `json:"requested_by"`
	Result       *ConsensusResult `json:"result,omitempty"`
	CreatedAt    string           `json:"created_at"`
	RetainUntil  string           `json:"retain_until"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string
	return c.do(ctx, http.MethodGet, "v1/health", nil, &resp)
}

// CreateOrg creates an org.
func (c *Client) CreateOrg(ctx context.Context, id, name, jurisdiction string) (Org, error) {
	body := map[string]any{
		"id":           id,
		"name":         name,
		"jurisdiction": jurisdiction,
	}
	var resp Org
	err := c.do(ctx, http.MethodPost, "v1/orgs", body, &resp)
	return resp, err
}

// UpsertEmployee creates or renames an employee.
func (c *Client) UpsertEmployee(ctx context.Context, employeeID, name string) (Employee, error) {
	body := map[string]any{"name": name}
	var resp Employee
	endpoint := c.orgPath(fmt.Sprintf("employees/%s", url.PathEscape(employeeID)))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// CreateRoster creates a draft roster for the period.
func (c *Client) CreateRoster(ctx context.Context, id string, start, end time.Time) (Roster, error) {
	body := map[string]any{
		"id":         id,
		"start_date": start.UTC().Format(time.RFC3339),
		"end_date":   end.UTC().Format(time.RFC3339),
	}
	var resp Roster
	err := c.do(ctx, http.MethodPost, c.orgPath("rosters"), body, &resp)
	return resp, err
}

// PublishRoster marks a roster as published.
func (c *Client) PublishRoster(ctx context.Context, rosterID string) (Roster, error) {
	var resp Roster
	endpoint := c.orgPath(fmt.Sprintf("rosters/%s/publish", url.PathEscape(rosterID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AddShift schedules a shift on a roster.
func (c *Client) AddShift(ctx context.Context, rosterID, employeeID string, startAt, endAt time.Time, breakMinutes int) (Shift, error) {
	body := map[string]any{
		"employee_id":   employeeID,
		"start_at":      startAt.UTC().Format(time.RFC3339),
		"end_at":        endAt.UTC().Format(time.RFC3339),
		"break_minutes": breakMinutes,
	}
	var resp Shift
	endpoint := c.orgPath(fmt.Sprintf("rosters/%s/shifts", url.PathEscape(rosterID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RetireShift soft deletes a shift.
func (c *Client) RetireShift(ctx context.Context, rosterID, shiftID string) (Shift, error) {
	var resp Shift
	endpoint := c.orgPath(fmt.Sprintf("rosters/%s/shifts/%s", url.PathEscape(rosterID), url.PathEscape(shiftID)))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// ValidateRoster checks a stored roster against the org's labor rules.
func (c *Client) ValidateRoster(ctx context.Context, rosterID string) (ValidationResult, error) {
	body := map[string]any{"roster_id": rosterID}
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, c.orgPath("validate"), body, &resp)
	return resp, err
}

// ValidateProposal checks an inline proposal without storing anything.
func (c *Client) ValidateProposal(ctx context.Context, proposal any) (ValidationResult, error) {
	body := map[string]any{"proposal": proposal}
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, c.orgPath("validate"), body, &resp)
	return resp, err
}

// EvaluateDecision runs the consensus panel over a proposal.
func (c *Client) EvaluateDecision(ctx context.Context, decisionType string, proposal any, rosterID string) (EvaluateResult, error) {
	body := map[string]any{
		"decision_type": decisionType,
		"proposal":      proposal,
	}
	if rosterID != "" {
		body["roster_id"] = rosterID
	}
	var resp EvaluateResult
	err := c.do(ctx, http.MethodPost, c.orgPath("decisions/evaluate"), body, &resp)
	return resp, err
}

// ListAuditEntries lists recent consensus audit entries.
func (c *Client) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	endpoint := c.orgPath("audit")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetAuditEntry fetches one audit entry by id.
func (c *Client) GetAuditEntry(ctx context.Context, id string) (AuditEntry, error) {
	var resp AuditEntry
	endpoint := c.orgPath(fmt.Sprintf("audit/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.orgPath("events")
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v1/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
