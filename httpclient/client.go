package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryLimit  = 3
	defaultBaseBackoff = time.Second
	defaultTimeout     = 10 * time.Second
	defaultUserAgent   = "transcribe-queue/http-callback"
)

// DefaultHeaders are sent with every request unless overridden per request.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"User-Agent":    defaultUserAgent,
		"Accept":        "application/json",
		"Content-Type":  "application/json",
		"Cache-Control": "no-cache",
	}
}

// Options configures a Client.
type Options struct {
	RetryLimit      int
	BaseBackoff     time.Duration
	Timeout         time.Duration
	Headers         map[string]string
	ProxyURL        string
	FollowRedirects bool
	HTTPClient      *http.Client
	Logger          *slog.Logger
	// Sleep waits between empty-body retries. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Request is one logical outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client executes requests with the empty-body retry policy.
type Client struct {
	http        *http.Client
	retryLimit  int
	baseBackoff time.Duration
	headers     map[string]string
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// New builds a Client. Zero options fall back to 3 attempts, 1s base backoff
// and a 10s per-attempt timeout.
func New(opts Options) (*Client, error) {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = defaultRetryLimit
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Headers == nil {
		opts.Headers = DefaultHeaders()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	hc := opts.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.ProxyURL != "" {
			proxy, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxy)
		}
		hc = &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		}
		if !opts.FollowRedirects {
			hc.CheckRedirect = func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			}
		}
	}

	return &Client{
		http:        hc,
		retryLimit:  opts.RetryLimit,
		baseBackoff: opts.BaseBackoff,
		headers:     opts.Headers,
		sleep:       opts.Sleep,
		logger:      opts.Logger,
	}, nil
}

// Do sends req. A 2xx response with an empty body is retried with doubling
// backoff up to the retry limit. Transport errors and non-2xx statuses are
// returned immediately without retrying.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	b := c.newBackOff()

	var last *Response
	for attempt := 1; attempt <= c.retryLimit; attempt++ {
		resp, err := c.send(ctx, req)
		if err != nil {
			c.logger.Error("request failed", "url", req.URL, "attempt", attempt, "error", err)
			return nil, &APIError{Kind: ErrConnection, URL: req.URL, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			c.logger.Error("http status error", "url", req.URL, "attempt", attempt, "status", resp.StatusCode)
			return resp, &APIError{
				Kind:       classifyStatus(resp.StatusCode),
				StatusCode: resp.StatusCode,
				URL:        req.URL,
				Body:       resp.Body,
			}
		}

		if len(bytes.TrimSpace(resp.Body)) > 0 {
			return resp, nil
		}

		last = resp
		if attempt == c.retryLimit {
			break
		}
		wait := b.NextBackOff()
		c.logger.Warn("empty response body, retrying", "url", req.URL, "attempt", attempt, "backoff", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, &APIError{Kind: ErrConnection, URL: req.URL, Err: err}
		}
	}

	c.logger.Error("retry limit exhausted", "url", req.URL, "attempts", c.retryLimit, "status", last.StatusCode)
	return last, &APIError{
		Kind:       ErrRetryExhausted,
		StatusCode: last.StatusCode,
		URL:        req.URL,
		Body:       last.Body,
	}
}

// GetJSON issues a GET and parses the body with ParseJSON.
func (c *Client) GetJSON(ctx context.Context, rawURL string) (map[string]any, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL})
	if err != nil {
		return nil, err
	}
	return ParseJSON(resp.Body)
}

// PostJSON marshals payload, POSTs it and parses the body with ParseJSON.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Body: body})
	if err != nil {
		return nil, err
	}
	return ParseJSON(resp.Body)
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}

	headers := req.Headers
	if headers == nil {
		headers = c.headers
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.baseBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.baseBackoff << uint(c.retryLimit),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ParseJSON decodes body as a JSON object. If strict decoding fails it falls
// back to the outermost brace-delimited substring, for servers that wrap JSON
// in extra text.
func ParseJSON(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return nil, &APIError{Kind: ErrResponse, Err: fmt.Errorf("empty response content")}
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err == nil {
		return out, nil
	}

	match := jsonObjectPattern.Find(body)
	if match == nil {
		return nil, &APIError{Kind: ErrResponse, Err: fmt.Errorf("no JSON data found")}
	}
	if err := json.Unmarshal(match, &out); err != nil {
		return nil, &APIError{Kind: ErrResponse, Err: fmt.Errorf("failed to parse JSON data: %w", err)}
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
