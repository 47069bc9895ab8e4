// Package fetch is the HTTP query layer shared by the survey integrations:
// bounded retries, status handling, and the parallel batch downloader.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"flipbooks/internal/config"
)

// StatusError is returned for any non-200 response.
type StatusError struct {
	URL  string
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error: status %d from %s", e.Code, e.URL)
}

// Inspect examines one attempt's body and error. Returning a
// MarkTransient error retries the request.
type Inspect func(body []byte, err error) error

// Client issues GET requests with the configured retry policy.
type Client struct {
	http      *http.Client
	policy    RetryPolicy
	userAgent string
	log       *slog.Logger
}

// NewClient builds a Client from configuration.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return NewClientWith(&http.Client{Timeout: cfg.HTTP.Timeout.Std()}, PolicyFromConfig(cfg.Retry), cfg.HTTP.UserAgent, logger)
}

// NewClientWith builds a Client around an existing http.Client.
func NewClientWith(hc *http.Client, policy RetryPolicy, userAgent string, logger *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: hc, policy: policy, userAgent: userAgent, log: logger}
}

// Policy returns the retry policy in use.
func (c *Client) Policy() RetryPolicy { return c.policy }

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.log }

// Get fetches rawURL with query appended, retrying transient failures.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	return c.GetFunc(ctx, rawURL, query, nil)
}

// GetJSON fetches and decodes a JSON document into v. A body that does not
// decode is treated as a transient failure and fetched again.
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, v any) error {
	_, err := c.GetFunc(ctx, rawURL, query, func(body []byte, err error) error {
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, v); err != nil {
			return MarkTransient(fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
	return err
}

// GetFunc is Get with a per-attempt inspection hook.
func (c *Client) GetFunc(ctx context.Context, rawURL string, query url.Values, inspect Inspect) ([]byte, error) {
	target := withQuery(rawURL, query)
	var body []byte
	res := Retry(ctx, c.policy, c.log, target, func(ctx context.Context) error {
		b, err := c.once(ctx, target)
		if inspect != nil {
			err = inspect(b, err)
		}
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err := res.Error(target); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) once(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.log.Debug("network request", "host", req.URL.Host, "path", req.URL.Path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return body, &StatusError{URL: target, Code: resp.StatusCode, Body: bytes.TrimSpace(body)}
	}
	return body, nil
}

func withQuery(rawURL string, query url.Values) string {
	if len(query) == 0 {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + query.Encode()
}
