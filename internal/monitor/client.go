package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// RecentPath is the backend route listing the most recent events.
	RecentPath = "/monitor/events/recent"

	defaultRequestTimeout = 10 * time.Second

	// maxBodyBytes bounds how much of a response body is read. A page of a
	// handful of events is a few hundred bytes.
	maxBodyBytes = 1 << 20
)

// ErrMalformedResponse is returned when the backend answers 2xx with a body
// that is not a valid event list.
var ErrMalformedResponse = errors.New("monitor: malformed response body")

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("monitor: GET %s: unexpected status %d", e.URL, e.Code)
}

// Client reads events from monitor backends over HTTP. One Client serves any
// number of endpoints; the endpoint is passed on each call.
type Client struct {
	http *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRequestTimeout sets the overall per-request timeout of the default HTTP
// client. A value ≤ 0 keeps the default of 10 seconds.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// NewClient returns a Client with a 10 second request timeout unless
// overridden by opts.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{http: &http.Client{Timeout: defaultRequestTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecentURL builds the recent-events URL for endpoint with the given page
// limit. endpoint may carry a path prefix, which is preserved.
func RecentURL(endpoint string, limit int) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("monitor: parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("monitor: endpoint %q must use http or https", endpoint)
	}
	if u.Host == "" {
		return "", fmt.Errorf("monitor: endpoint %q has no host", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/") + RecentPath
	u.RawPath = ""
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Recent fetches up to limit of the most recent events from endpoint, in the
// order the backend returned them.
//
// Transport failures and non-2xx statuses are returned as errors (the latter
// as *StatusError). A 2xx body that does not decode is reported as
// ErrMalformedResponse.
func (c *Client) Recent(ctx context.Context, endpoint string, limit int) ([]Event, error) {
	target, err := RecentURL(endpoint, limit)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monitor: GET %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{Code: resp.StatusCode, URL: target}
	}

	var body struct {
		Events *[]Event `json:"events"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if body.Events == nil {
		return nil, fmt.Errorf("%w: missing \"events\" field", ErrMalformedResponse)
	}
	return *body.Events, nil
}
