package htbsdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Client is a minimal HTB tracker HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// OutstandingEntry is an item no tracked member has completed.
type OutstandingEntry struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Fact struct {
	MemberID   string `json:"member_id"`
	Kind       string `json:"kind"`
	ItemID     string `json:"item_id"`
	Flag       string `json:"flag,omitempty"`
	RecordedAt string `json:"recorded_at,omitempty"`
}

type BoardChallenge struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Difficulty string `json:"difficulty,omitempty"`
	Category   string `json:"category,omitempty"`
	Points     int    `json:"points"`
	Known      bool   `json:"known"`
}

type BoardMachine struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Difficulty string   `json:"difficulty,omitempty"`
	OS         string   `json:"os,omitempty"`
	Points     int      `json:"points"`
	Missing    []string `json:"missing"`
	Known      bool     `json:"known"`
}

type BoardFortress struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	FlagCount       int      `json:"flag_count"`
	Missing         []string `json:"missing"`
	PointsRemaining int      `json:"points_remaining"`
	Known           bool     `json:"known"`
}

type Board struct {
	Challenges []BoardChallenge `json:"challenges"`
	Machines   []BoardMachine   `json:"machines"`
	Fortresses []BoardFortress  `json:"fortresses"`
	Counts     map[string]int   `json:"counts"`
}

// Event represents a log entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	RunID    string         `json:"run_id,omitempty"`
	Kind     string         `json:"kind,omitempty"`
	ItemKey  string         `json:"item_key,omitempty"`
	MemberID string         `json:"member_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Stats struct {
	Members     int            `json:"members"`
	Facts       map[string]int `json:"facts"`
	Outstanding map[string]int `json:"outstanding"`
}

type RebuildResult struct {
	Counts       map[string]int `json:"counts"`
	Total        int            `json:"total"`
	FlagFailures []string       `json:"flag_failures,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
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

// Outstanding lists outstanding entries. An empty kind lists every kind.
func (c *Client) Outstanding(ctx context.Context, kind string) ([]OutstandingEntry, error) {
	var resp struct {
		Items []OutstandingEntry `json:"items"`
	}
	endpoint := "outstanding"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp.Items, err
}

func (c *Client) Board(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, "board", &resp)
	return resp, err
}

func (c *Client) Members(ctx context.Context) ([]Member, error) {
	var resp struct {
		Items []Member `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "members", &resp)
	return resp.Items, err
}

// Stats returns member, fact and outstanding counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", &resp)
	return resp, err
}

// Facts lists the completion facts stored for a member.
func (c *Client) Facts(ctx context.Context, memberID string) ([]Fact, error) {
	var resp struct {
		Items []Fact `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("members/%s/facts", url.PathEscape(memberID)), &resp)
	return resp.Items, err
}

// Events lists events newest first. Pass the previous NextCursor to page.
func (c *Client) Events(ctx context.Context, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, &resp)
	return resp, err
}

func (c *Client) Rebuild(ctx context.Context) (RebuildResult, error) {
	var resp RebuildResult
	err := c.do(ctx, http.MethodPost, "rebuild", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), bytes.NewReader(nil))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
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
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
