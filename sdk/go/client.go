// Package rotasdk is a small client for the rota HTTP API, aimed at staff
// apps and integrations that answer shortage invitations.
package rotasdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client talks to a rota API rooted at BaseURL (for example
// http://localhost:8080/v1). Set either BearerToken or APIKey.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	rc *resty.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Alert struct {
	ID                 string `json:"id"`
	Unit               string `json:"unit"`
	ShiftDate          string `json:"shift_date"`
	ShiftType          string `json:"shift_type"`
	RequiredStaff      int    `json:"required_staff"`
	CurrentStaff       int    `json:"current_staff"`
	Shortage           int    `json:"shortage"`
	Status             string `json:"status"`
	Priority           string `json:"priority"`
	ExpiresAt          string `json:"expires_at"`
	AcceptedResponses  int    `json:"accepted_responses"`
	PositionsRemaining int    `json:"positions_remaining"`
}

// AlertDetail is an alert together with everyone invited to it.
type AlertDetail struct {
	Alert
	Responses []Response `json:"responses"`
}

// Response is one staff member's invitation to an alert.
type Response struct {
	ID          string `json:"id"`
	AlertID     string `json:"alert_id"`
	StaffID     string `json:"staff_id"`
	Response    string `json:"response"`
	ContactedAt string `json:"contacted_at"`
	RespondedAt string `json:"responded_at,omitempty"`
	ShiftID     string `json:"shift_id,omitempty"`
}

type Shift struct {
	ID               string `json:"id"`
	Unit             string `json:"unit"`
	StaffID          string `json:"staff_id"`
	ShiftDate        string `json:"shift_date"`
	ShiftType        string `json:"shift_type"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	Status           string `json:"status"`
	SourceResponseID string `json:"source_response_id,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps an event page; pass NextCursor back for the next one.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// APIError wraps non-2xx responses. Code carries the API error code, e.g.
// already_filled or cancelled.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code, either as
// its primary code or as details.secondary_code (already_filled also carries
// capacity_exceeded).
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == code || apiErr.Details["secondary_code"] == code
}

// MyResponses lists the caller's invitations, optionally filtered by
// response state (PENDING, ACCEPTED, DECLINED, NO_RESPONSE).
func (c *Client) MyResponses(ctx context.Context, response string) ([]Response, error) {
	var resp struct {
		Items []Response `json:"items"`
	}
	q := url.Values{}
	if response != "" {
		q.Set("response", response)
	}
	err := c.do(ctx, http.MethodGet, "me/responses", q, nil, &resp)
	return resp.Items, err
}

// Accept claims the shift behind an invitation.
func (c *Client) Accept(ctx context.Context, responseID string) (Shift, error) {
	var resp struct {
		Shift Shift `json:"shift"`
	}
	err := c.do(ctx, http.MethodPost, "responses/"+url.PathEscape(responseID)+"/accept", nil, nil, &resp)
	return resp.Shift, err
}

func (c *Client) Decline(ctx context.Context, responseID string) (Response, error) {
	var resp Response
	err := c.do(ctx, http.MethodPost, "responses/"+url.PathEscape(responseID)+"/decline", nil, nil, &resp)
	return resp, err
}

// Alerts lists alerts; status may be empty.
func (c *Client) Alerts(ctx context.Context, status string, limit int) ([]Alert, error) {
	var resp struct {
		Items []Alert `json:"items"`
	}
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "alerts", q, nil, &resp)
	return resp.Items, err
}

func (c *Client) Alert(ctx context.Context, id string) (AlertDetail, error) {
	var resp AlertDetail
	err := c.do(ctx, http.MethodGet, "alerts/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// EventsPage returns a page of events, newest first. Requires the manager role.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "events", q, nil, &resp)
	return resp, err
}

func (c *Client) client() *resty.Client {
	if c.rc != nil {
		return c.rc
	}
	if c.HTTPClient != nil {
		c.rc = resty.NewWithClient(c.HTTPClient)
	} else {
		c.rc = resty.New().SetTimeout(c.Timeout)
	}
	c.rc.SetHeader("Content-Type", "application/json")
	return c.rc
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	var envelope errorEnvelope
	req := c.client().R().
		SetContext(ctx).
		SetError(&envelope)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.APIKey != "":
		req.SetHeader("X-Api-Key", c.APIKey)
	}
	resp, err := req.Execute(method, c.base()+"/"+strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode(),
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
			Details:    envelope.Error.Details,
			Body:       resp.String(),
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
