// Package httpclient provides the size-limited HTTP client used for node-to-node traffic.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultTimeout bounds a whole request including the body transfer
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxResponseSize bounds the body read into memory
	DefaultMaxResponseSize int64 = 512 * 1024 * 1024

	userAgent       = "nodesync/1.0"
	maxErrorMessage = 512
)

// Request describes one outgoing call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client performs HTTP requests and reads the whole response body
type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// DefaultClient is the net/http implementation of Client
type DefaultClient struct {
	client  *http.Client
	maxSize int64
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithMaxResponseSize overrides DefaultMaxResponseSize
func WithMaxResponseSize(n int64) Option {
	return func(c *DefaultClient) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithTransport replaces the transport of the underlying http.Client
func WithTransport(rt http.RoundTripper) Option {
	return func(c *DefaultClient) {
		c.client.Transport = rt
	}
}

// NewDefaultClient creates a client with the given overall timeout
func NewDefaultClient(timeout time.Duration, opts ...Option) *DefaultClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &DefaultClient{
		client:  &http.Client{Timeout: timeout},
		maxSize: DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do implements Client. Non-2xx responses are returned as *HTTPError.
func (c *DefaultClient) Do(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.maxSize {
		return nil, c.sizeError(resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, c.sizeError(int64(len(data)))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		return nil, NewHTTPError(resp.StatusCode, r.URL, msg)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *DefaultClient) sizeError(n int64) error {
	return fmt.Errorf("response size %s exceeds maximum allowed size %s",
		humanize.IBytes(uint64(n)), humanize.IBytes(uint64(c.maxSize)))
}
