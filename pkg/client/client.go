// Package client provides a Go client for the contratweak server API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a contratweak API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates a new client. Tweak runs compile and talk to a node, so the
// default timeout is generous.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Project is a cloned project registered with the server
type Project struct {
	Name            string   `json:"name"`
	Dir             string   `json:"dir"`
	TargetContract  string   `json:"targetContract"`
	ChainID         uint64   `json:"chainId"`
	Address         string   `json:"address"`
	MetadataHash    string   `json:"metadataHash,omitempty"`
	CompilerVersion string   `json:"compilerVersion,omitempty"`
	Immutables      []string `json:"immutables,omitempty"`
	Libraries       int      `json:"libraries,omitempty"`
	HasCreation     bool     `json:"hasCreation"`
	CreatedAt       string   `json:"createdAt,omitempty"`
}

// LayoutRow is one storage variable of a project's recorded layout
type LayoutRow struct {
	Label  string `json:"label"`
	Slot   string `json:"slot"`
	Offset int    `json:"offset"`
	Width  int    `json:"width"`
	Type   string `json:"type"`
}

// ProjectLayout is the original storage layout of a project
type ProjectLayout struct {
	Name    string      `json:"name"`
	Storage []LayoutRow `json:"storage"`
}

// ImportRequest registers a cloned project directory
type ImportRequest struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// Finding is one storage layout incompatibility
type Finding struct {
	Kind   string `json:"kind"`
	Slot   string `json:"slot"`
	Offset int    `json:"offset"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// Run is a recorded check or tweak
type Run struct {
	ID         string          `json:"id"`
	Project    string          `json:"project"`
	Mode       string          `json:"mode"`
	Status     string          `json:"status"`
	Stage      string          `json:"stage,omitempty"`
	Target     string          `json:"target"`
	CodeHash   string          `json:"codeHash,omitempty"`
	Written    bool            `json:"written"`
	Findings   []Finding       `json:"findings,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
	CreatedAt  string          `json:"createdAt,omitempty"`
	FinishedAt string          `json:"finishedAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// Succeeded reports whether the run finished without error.
func (r *Run) Succeeded() bool {
	return r.Status == "succeeded"
}

// TweakRequest tunes a tweak run
type TweakRequest struct {
	DryRun             bool              `json:"dryRun,omitempty"`
	AllowChainMismatch bool              `json:"allowChainMismatch,omitempty"`
	Immutables         map[string]string `json:"immutables,omitempty"`
	Reexecute          []string          `json:"reexecute,omitempty"`
}

// ListOptions filter and page list calls
type ListOptions struct {
	Limit   int
	Cursor  string
	Project string
	Status  string
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
	if o.Project != "" {
		q.Set("project", o.Project)
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListProjectsResponse is the response for listing projects
type ListProjectsResponse struct {
	Data       []Project  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ListRunsResponse is the response for listing runs
type ListRunsResponse struct {
	Data       []Run      `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination contains pagination info
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ListProjects lists registered projects
func (c *Client) ListProjects(ctx context.Context, opts ListOptions) (*ListProjectsResponse, error) {
	opts.Project, opts.Status = "", ""
	var resp ListProjectsResponse
	if err := c.get(ctx, "/api/v1/projects"+opts.query(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetProject gets a project by name
func (c *Client) GetProject(ctx context.Context, name string) (*Project, error) {
	var resp Project
	if err := c.get(ctx, "/api/v1/projects/"+url.PathEscape(name), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetLayout gets the recorded storage layout of a project
func (c *Client) GetLayout(ctx context.Context, name string) (*ProjectLayout, error) {
	var resp ProjectLayout
	if err := c.get(ctx, "/api/v1/projects/"+url.PathEscape(name)+"/layout", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImportProject registers a cloned project directory on the server
func (c *Client) ImportProject(ctx context.Context, req ImportRequest) (*Project, error) {
	var resp Project
	if err := c.send(ctx, http.MethodPost, "/api/v1/projects", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteProject removes a project and its run history
func (c *Client) DeleteProject(ctx context.Context, name string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/projects/"+url.PathEscape(name), nil, nil)
}

// Check compiles a project and checks its storage layout. A failed check
// is returned as a run, not an error.
func (c *Client) Check(ctx context.Context, name string) (*Run, error) {
	var resp Run
	if err := c.send(ctx, http.MethodPost, "/api/v1/projects/"+url.PathEscape(name)+"/check", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tweak runs the full pipeline against the server's configured node
func (c *Client) Tweak(ctx context.Context, name string, req TweakRequest) (*Run, error) {
	var resp Run
	if err := c.send(ctx, http.MethodPost, "/api/v1/projects/"+url.PathEscape(name)+"/tweak", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun gets a run by id
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns lists runs, newest first
func (c *Client) ListRuns(ctx context.Context, opts ListOptions) (*ListRunsResponse, error) {
	var resp ListRunsResponse
	if err := c.get(ctx, "/api/v1/runs"+opts.query(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports whether the server is reachable and ready
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/readyz", nil)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, result)
}

func (c *Client) send(ctx context.Context, method, path string, body, result any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	errResp.Error.Status = resp.StatusCode
	return &errResp.Error
}

// AuthStatus reports what the server made of the client's API key
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	AuthType      string `json:"authType"`
	KeyName       string `json:"keyName,omitempty"`
}

// AuthStatus asks the server whether the configured key is valid. Servers
// that require keys answer 401 for unknown ones.
func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	var resp AuthStatus
	if err := c.get(ctx, "/api/v1/auth/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
