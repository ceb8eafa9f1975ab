package gitprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultTimeout is the per-request HTTP timeout
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent identifies API calls
const DefaultUserAgent = "project-init/1.0"

// ClientOptions configures the REST client shared by providers
type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	// MaxRetries bounds retries of retryable failures. Zero uses 2.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
}

type restClient struct {
	provider string
	baseURL  string
	http     *http.Client
	opts     ClientOptions
	logger   *slog.Logger
	auth     func(req *http.Request, creds Credentials)
}

func newRESTClient(provider string, opts ClientOptions, auth func(*http.Request, Credentials)) *restClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 2
	}
	if opts.InitialInterval == 0 {
		opts.InitialInterval = time.Second
	}
	if opts.MaxInterval == 0 {
		opts.MaxInterval = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &restClient{
		provider: provider,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		opts:     opts,
		logger:   logger.With("provider", provider),
		auth:     auth,
	}
}

func (c *restClient) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.opts.InitialInterval),
		backoff.WithMaxInterval(c.opts.MaxInterval),
		backoff.WithMaxElapsedTime(0),
	)
	var bo backoff.BackOff = b
	if c.opts.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(c.opts.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// do sends a JSON request and decodes a JSON response into out, retrying
// retryable failures with exponential backoff
func (c *restClient) do(ctx context.Context, creds Credentials, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", c.provider, err)
		}
	}

	op := func() error {
		err := c.once(ctx, creds, method, path, payload, out)
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("provider request failed, retrying", "method", method, "path", path, "retry_in", wait, "error", err)
	}
	return backoff.RetryNotify(op, c.backOff(ctx), notify)
}

func (c *restClient) once(ctx context.Context, creds Credentials, method, path string, payload []byte, out any) error {
	url := c.baseURL + path
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &RequestError{Provider: c.provider, Method: method, URL: url, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req, creds)

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Provider: c.provider, Method: method, URL: url, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &RequestError{Provider: c.provider, Method: method, URL: url, Status: resp.StatusCode, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{
			Provider:    c.provider,
			Method:      method,
			URL:         url,
			Status:      resp.StatusCode,
			Message:     errorMessage(data, resp.Status),
			RateLimited: resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "",
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &RequestError{Provider: c.provider, Method: method, URL: url, Status: resp.StatusCode, Message: "failed to decode response", Cause: err}
		}
	}
	return nil
}

// errorMessage extracts the provider's error text from a JSON body
func errorMessage(body []byte, fallback string) string {
	var parsed struct {
		Message any `json:"message"`
		Error   any `json:"error"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		if len(body) > 0 && len(body) < 512 {
			return strings.TrimSpace(string(body))
		}
		return fallback
	}
	parts := []string{}
	if s := flattenMessage(parsed.Message); s != "" {
		parts = append(parts, s)
	}
	if s := flattenMessage(parsed.Error); s != "" {
		parts = append(parts, s)
	}
	for _, e := range parsed.Errors {
		if e.Message != "" {
			parts = append(parts, e.Message)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, "; ")
}

// flattenMessage renders GitLab's map-shaped messages ({"name":["has already been taken"]})
func flattenMessage(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case map[string]any:
		parts := []string{}
		for k, val := range m {
			switch vv := val.(type) {
			case []any:
				for _, item := range vv {
					parts = append(parts, fmt.Sprintf("%s %v", k, item))
				}
			default:
				parts = append(parts, fmt.Sprintf("%s %v", k, vv))
			}
		}
		return strings.Join(parts, "; ")
	case []any:
		parts := []string{}
		for _, item := range m {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
