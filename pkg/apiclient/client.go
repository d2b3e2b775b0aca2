package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/meshgen/pkg/api"
	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/tracing"
)

// Error is a non-success response from the daemon
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to a running 'meshgen serve'
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Options configures a Client. TLS is used for https URLs.
type Options struct {
	Token   string
	TLS     *tls.Config
	Timeout time.Duration
}

// NewClient creates a daemon client for baseURL
func NewClient(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		transport.TLSClientConfig = opts.TLS
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   opts.Token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the daemon URL without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil || method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health returns the daemon's health document
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var health map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, &health); err != nil {
		return nil, err
	}
	return health, nil
}

// ListJobs returns the daemon's registry, optionally filtered by status
func (c *Client) ListJobs(ctx context.Context, status models.JobStatus) ([]api.JobResponse, error) {
	path := "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var jobs []api.JobResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*api.JobResponse, error) {
	var job api.JobResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Submit asks the daemon to submit and follow a job. Image inputs must be
// paths the daemon can read or tokens of uploaded images.
func (c *Client) Submit(ctx context.Context, kind models.JobKind, params models.JobParams) (string, error) {
	var resp api.SubmitResponse
	req := api.SubmitRequest{Kind: kind, Params: params}
	if err := c.do(ctx, http.MethodPost, "/jobs", req, http.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Attach(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/attach", nil, http.StatusAccepted, nil)
}

// Cancel stops the daemon from following id
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

func (c *Client) Balance(ctx context.Context) (*api.BalanceResponse, error) {
	var balance api.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/balance", nil, http.StatusOK, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}
