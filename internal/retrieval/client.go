package retrieval

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

	"ciflow/pkg/config"
	apperrors "ciflow/pkg/errors"
	"ciflow/pkg/logger"
	"ciflow/pkg/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Client HTTP client of the retrieval service
type Client struct {
	baseURL        string
	submitClient   *http.Client
	fetchClient    *http.Client
	maxTries       uint
	initialBackoff time.Duration
	metrics        *metrics.Metrics
	log            *logrus.Entry
}

var _ Retriever = (*Client)(nil)

// NewClient builds a client from config. m may be nil.
func NewClient(cfg *config.RetrievalConfig, m *metrics.Metrics) *Client {
	// first attempt plus MaxRetries retries
	maxTries := cfg.MaxRetries + 1
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		submitClient:   &http.Client{Timeout: cfg.SubmitTimeout},
		fetchClient:    &http.Client{Timeout: cfg.FetchTimeout},
		maxTries:       maxTries,
		initialBackoff: initial,
		metrics:        m,
		log:            logger.WithComponent("retrieval"),
	}
}

type submitRequest struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	RequestID string `json:"request_id"`
}

type submitResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SubmitRetrieve posts the retrieval request. Retrying is safe, the service dedupes by request id.
func (c *Client) SubmitRetrieve(ctx context.Context, repoURL, token, requestID string) error {
	const op = "retrieval.SubmitRetrieve"
	if repoURL == "" || requestID == "" {
		return apperrors.Validation(op, "repository url and request id are required")
	}

	var resp submitResponse
	err := c.call(ctx, "submit", c.submitClient, http.MethodPost, "/retrieve",
		submitRequest{URL: repoURL, Token: token, RequestID: requestID}, &resp)
	if err != nil {
		return err
	}
	if resp.Status == ResultError {
		return apperrors.New(apperrors.ErrUpstreamRejected, op, resp.Error)
	}
	return nil
}

// FetchRepoDetails GET /repos/{owner}/{repo}
func (c *Client) FetchRepoDetails(ctx context.Context, owner, name string) (*RepoDetailsDTO, error) {
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(name))

	var details RepoDetailsDTO
	if err := c.call(ctx, "repo_details", c.fetchClient, http.MethodGet, path, nil, &details); err != nil {
		return nil, err
	}
	if err := details.Validate(); err != nil {
		return nil, err
	}
	return &details, nil
}

// FetchWorkflows GET /workflows?owner&repo
func (c *Client) FetchWorkflows(ctx context.Context, owner, name string) ([]WorkflowDTO, error) {
	var workflows []WorkflowDTO
	if err := c.call(ctx, "workflows", c.fetchClient, http.MethodGet, listPath("/workflows", owner, name), nil, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// FetchWorkflowRuns GET /workflow_runs?owner&repo
func (c *Client) FetchWorkflowRuns(ctx context.Context, owner, name string) ([]WorkflowRunDTO, error) {
	var runs []WorkflowRunDTO
	if err := c.call(ctx, "workflow_runs", c.fetchClient, http.MethodGet, listPath("/workflow_runs", owner, name), nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func listPath(base, owner, name string) string {
	query := url.Values{}
	query.Set("owner", owner)
	query.Set("repo", name)
	return base + "?" + query.Encode()
}

// call runs one request under the retry policy: exponential backoff, retrying only
// network errors and 502/503/504.
func (c *Client) call(ctx context.Context, operation string, httpClient *http.Client, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "retrieval."+operation, err)
		}
		payload = data
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, c.do(ctx, httpClient, operation, method, path, payload, out)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"retry_in":  next.String(),
			}).Warnf("Retrieval call failed, retrying: %v", err)
		}),
	)

	c.metrics.UpstreamCall(operation, err)
	return err
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, operation, method, path string, payload []byte, out interface{}) error {
	op := "retrieval." + operation

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(apperrors.Wrap(apperrors.ErrValidation, op, err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		wrapped := apperrors.Wrap(apperrors.ErrUpstreamUnavailable, op, err)
		if ctx.Err() != nil {
			return backoff.Permanent(wrapped)
		}
		return wrapped
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUpstreamUnavailable, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return apperrors.New(apperrors.ErrUpstreamUnavailable, op, statusText(resp.StatusCode, body))
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(apperrors.New(apperrors.ErrNotFound, op, statusText(resp.StatusCode, body)))
	case resp.StatusCode >= 500:
		return backoff.Permanent(apperrors.New(apperrors.ErrUpstreamUnavailable, op, statusText(resp.StatusCode, body)))
	case resp.StatusCode >= 400:
		return backoff.Permanent(apperrors.New(apperrors.ErrUpstreamRejected, op, statusText(resp.StatusCode, body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return backoff.Permanent(apperrors.New(apperrors.ErrUpstreamRejected, op, statusText(resp.StatusCode, body)))
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return backoff.Permanent(apperrors.Wrap(apperrors.ErrUpstreamRejected, op, fmt.Errorf("decode response: %w", err)))
	}
	return nil
}

func statusText(code int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return fmt.Sprintf("status %d", code)
	}
	return fmt.Sprintf("status %d: %s", code, text)
}
