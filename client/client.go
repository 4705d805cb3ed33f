// Package client provides a Go client for a remote conduit broker over
// its HTTP API, plus a polling Worker that executes claimed jobs.
//
// Usage:
//
//	c := client.New("https://conduit.example.com")
//
//	// Register a service and submit a job against it.
//	svc, err := c.RegisterService(ctx, "resize", "image resizing", inputSchema, outputSchema)
//	j, err := c.Submit(ctx, "resize", payload)
//
//	// Serve the queue.
//	w := client.NewWorker(c, "resize", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
//	    return resize(input)
//	})
//	w.Start()
//	defer w.Stop(context.Background())
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
	"github.com/haldane/conduit/service"
)

// Client talks to a conduit broker over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the broker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ──────────────────────────────────────────────────
// Services
// ──────────────────────────────────────────────────

// ServiceInfo is a service descriptor as reported by the broker,
// including its computed liveness status.
type ServiceInfo struct {
	service.Service
	Status service.Status `json:"status"`
}

type registerRequest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
}

// RegisterService registers a service or supersedes its schemas.
func (c *Client) RegisterService(ctx context.Context, name, description string, input, output json.RawMessage) (*ServiceInfo, error) {
	var svc ServiceInfo
	err := c.do(ctx, http.MethodPost, "/v1/services", registerRequest{
		Name:         name,
		Description:  description,
		InputSchema:  input,
		OutputSchema: output,
	}, &svc)
	if err != nil {
		return nil, fmt.Errorf("conduit/client: register service: %w", err)
	}
	return &svc, nil
}

// Service fetches one service descriptor.
func (c *Client) Service(ctx context.Context, name string) (*ServiceInfo, error) {
	var svc ServiceInfo
	if err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(name), nil, &svc); err != nil {
		return nil, fmt.Errorf("conduit/client: get service: %w", err)
	}
	return &svc, nil
}

// Services lists all registered services.
func (c *Client) Services(ctx context.Context) ([]ServiceInfo, error) {
	var resp struct {
		Services []ServiceInfo `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/services", nil, &resp); err != nil {
		return nil, fmt.Errorf("conduit/client: list services: %w", err)
	}
	return resp.Services, nil
}

// Heartbeat refreshes the service's liveness timestamp.
func (c *Client) Heartbeat(ctx context.Context, name string) error {
	if err := c.do(ctx, http.MethodPost, "/v1/services/"+url.PathEscape(name)+"/heartbeat", nil, nil); err != nil {
		return fmt.Errorf("conduit/client: heartbeat: %w", err)
	}
	return nil
}

// RetireService retires the service and returns how many of its pending
// jobs were failed.
func (c *Client) RetireService(ctx context.Context, name string) (int64, error) {
	var resp struct {
		FailedJobs int64 `json:"failed_jobs"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/services/"+url.PathEscape(name), nil, &resp); err != nil {
		return 0, fmt.Errorf("conduit/client: retire service: %w", err)
	}
	return resp.FailedJobs, nil
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// Submit registers a job against the service. The input document is
// validated server-side against the service's current input schema.
func (c *Client) Submit(ctx context.Context, svcName string, input json.RawMessage) (*job.Job, error) {
	var j job.Job
	err := c.doRaw(ctx, http.MethodPost, "/v1/services/"+url.PathEscape(svcName)+"/jobs", input, &j)
	if err != nil {
		return nil, fmt.Errorf("conduit/client: submit: %w", err)
	}
	return &j, nil
}

// Job fetches a job by ID.
func (c *Client) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &j); err != nil {
		return nil, fmt.Errorf("conduit/client: get job: %w", err)
	}
	return &j, nil
}

// Jobs lists jobs for a service, oldest first.
func (c *Client) Jobs(ctx context.Context, svcName string, opts job.ListOpts) ([]*job.Job, int64, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/services/" + url.PathEscape(svcName) + "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Jobs  []*job.Job `json:"jobs"`
		Total int64      `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, fmt.Errorf("conduit/client: list jobs: %w", err)
	}
	return resp.Jobs, resp.Total, nil
}

// ClaimedJob pairs a claimed job with the claim token that authorizes
// reporting its result.
type ClaimedJob struct {
	Job        *job.Job   `json:"job"`
	ClaimToken id.ClaimID `json:"claim_token"`
}

// Claim polls for the oldest eligible job targeting the service. Returns
// (nil, nil) when the queue is empty.
func (c *Client) Claim(ctx context.Context, svcName string) (*ClaimedJob, error) {
	var claimed ClaimedJob
	found, err := c.doOptional(ctx, http.MethodPost, "/v1/services/"+url.PathEscape(svcName)+"/claim", nil, &claimed)
	if err != nil {
		return nil, fmt.Errorf("conduit/client: claim: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &claimed, nil
}

type completeRequest struct {
	ClaimToken string          `json:"claim_token"`
	Output     json.RawMessage `json:"output"`
}

// Complete reports a successful result for a claimed job.
func (c *Client) Complete(ctx context.Context, jobID id.JobID, token id.ClaimID, output json.RawMessage) (*job.Job, error) {
	var j job.Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/complete", completeRequest{
		ClaimToken: token.String(),
		Output:     output,
	}, &j)
	if err != nil {
		return nil, fmt.Errorf("conduit/client: complete: %w", err)
	}
	return &j, nil
}

type failRequest struct {
	ClaimToken string `json:"claim_token"`
	Reason     string `json:"reason"`
}

// Fail reports a terminal failure for a claimed job.
func (c *Client) Fail(ctx context.Context, jobID id.JobID, token id.ClaimID, reason string) (*job.Job, error) {
	var j job.Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/fail", failRequest{
		ClaimToken: token.String(),
		Reason:     reason,
	}, &j)
	if err != nil {
		return nil, fmt.Errorf("conduit/client: fail: %w", err)
	}
	return &j, nil
}

// ──────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────

// do sends a JSON request and decodes the data envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		raw = data
	}
	return c.doRaw(ctx, method, path, raw, out)
}

// doRaw sends a pre-encoded JSON body.
func (c *Client) doRaw(ctx context.Context, method, path string, body json.RawMessage, out any) error {
	_, err := c.send(ctx, method, path, body, out)
	return err
}

// doOptional is doRaw for endpoints that may legitimately return 204 No
// Content; found reports whether a body was decoded.
func (c *Client) doOptional(ctx context.Context, method, path string, body json.RawMessage, out any) (found bool, err error) {
	return c.send(ctx, method, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body json.RawMessage, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck // response body close

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return false, decodeAPIError(resp.StatusCode, data)
	}

	if out == nil {
		return true, nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
