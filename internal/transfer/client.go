package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/nodesync/internal/dataset"
	"github.com/stacklok/nodesync/internal/httpclient"
	"github.com/stacklok/nodesync/internal/peer"
	"github.com/stacklok/nodesync/internal/security"
	"github.com/stacklok/nodesync/internal/syncerr"
)

const (
	// DefaultMaxAttempts bounds the attempts of one peer request
	DefaultMaxAttempts = 4
	// DefaultInitialBackoff is the delay before the second attempt
	DefaultInitialBackoff = 250 * time.Millisecond
)

// Client speaks the node-to-node protocol
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client
type Client interface {
	// Manifest returns the peer's manifests for the scope
	Manifest(ctx context.Context, node peer.Node, scope dataset.Scope) (ManifestResponse, error)
	// FetchBatch reads a batch of records after the given key from the peer
	FetchBatch(ctx context.Context, node peer.Node, table, after string, limit int) (Batch, error)
	// PushBatch applies a batch of records on the peer
	PushBatch(ctx context.Context, node peer.Node, table string, batch Batch) (dataset.ApplyResult, error)
	// FetchSnapshot downloads a snapshot package of the peer's data
	FetchSnapshot(ctx context.Context, node peer.Node, scope dataset.Scope, compress bool) ([]byte, error)
	// PushSnapshot uploads a snapshot package for the peer to restore
	PushSnapshot(ctx context.Context, node peer.Node, pkg []byte) (dataset.ApplyResult, error)
}

// AddressResolver maps a peer to its current host:port
type AddressResolver interface {
	ResolveAddress(ctx context.Context, n peer.Node) (string, error)
	Invalidate(id string)
}

// HTTPClient is the HTTP implementation of Client
type HTTPClient struct {
	http     httpclient.Client
	resolver AddressResolver
	security *security.Layer
	nodeID   string
	scheme   string

	maxAttempts    uint
	initialBackoff time.Duration
}

var _ Client = (*HTTPClient)(nil)

// ClientOption configures an HTTPClient
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(c httpclient.Client) ClientOption {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// WithRetry bounds the attempts per request and sets the first backoff delay
func WithRetry(maxAttempts uint, initial time.Duration) ClientOption {
	return func(h *HTTPClient) {
		if maxAttempts > 0 {
			h.maxAttempts = maxAttempts
		}
		if initial > 0 {
			h.initialBackoff = initial
		}
	}
}

// WithScheme sets the URL scheme used to reach peers
func WithScheme(scheme string) ClientOption {
	return func(h *HTTPClient) {
		if scheme != "" {
			h.scheme = scheme
		}
	}
}

// NewHTTPClient creates a peer client that signs requests as nodeID
func NewHTTPClient(resolver AddressResolver, sec *security.Layer, nodeID string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		http:           httpclient.NewDefaultClient(httpclient.DefaultTimeout),
		resolver:       resolver,
		security:       sec,
		nodeID:         nodeID,
		scheme:         "http",
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Manifest implements Client
func (c *HTTPClient) Manifest(ctx context.Context, node peer.Node, scope dataset.Scope) (ManifestResponse, error) {
	q := url.Values{"scope": {scope.String()}}

	var out ManifestResponse
	resp, err := c.do(ctx, node, http.MethodGet, "/manifest", q, nil, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, syncerr.Transfer("read peer manifest", err)
	}
	return out, nil
}

// FetchBatch implements Client
func (c *HTTPClient) FetchBatch(ctx context.Context, node peer.Node, table, after string, limit int) (Batch, error) {
	q := url.Values{"after": {after}, "limit": {strconv.Itoa(limit)}}

	var out Batch
	resp, err := c.do(ctx, node, http.MethodGet, "/tables/"+url.PathEscape(table)+"/records", q, nil, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, syncerr.Transfer("read batch of "+table, err)
	}
	return out, nil
}

// PushBatch implements Client
func (c *HTTPClient) PushBatch(ctx context.Context, node peer.Node, table string, batch Batch) (dataset.ApplyResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return dataset.ApplyResult{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	h := http.Header{"Content-Type": {"application/json"}}
	resp, err := c.do(ctx, node, http.MethodPost, "/tables/"+url.PathEscape(table)+"/records", nil, h, body)
	if err != nil {
		return dataset.ApplyResult{}, err
	}
	return decodeApplyResult(resp.Body)
}

// FetchSnapshot implements Client
func (c *HTTPClient) FetchSnapshot(ctx context.Context, node peer.Node, scope dataset.Scope, compress bool) ([]byte, error) {
	q := url.Values{"scope": {scope.String()}, "compress": {strconv.FormatBool(compress)}}
	h := http.Header{"Accept": {ContentTypeSnapshot}}

	resp, err := c.do(ctx, node, http.MethodGet, "/snapshot", q, h, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PushSnapshot implements Client
func (c *HTTPClient) PushSnapshot(ctx context.Context, node peer.Node, pkg []byte) (dataset.ApplyResult, error) {
	encoding := CompressionNone
	if IsCompressed(pkg) {
		encoding = CompressionZstd
	}
	h := http.Header{"Content-Type": {ContentTypeSnapshot}, HeaderCompression: {encoding}}

	resp, err := c.do(ctx, node, http.MethodPost, "/snapshot", nil, h, pkg)
	if err != nil {
		return dataset.ApplyResult{}, err
	}
	return decodeApplyResult(resp.Body)
}

func decodeApplyResult(body []byte) (dataset.ApplyResult, error) {
	var out dataset.ApplyResult
	if err := json.Unmarshal(body, &out); err != nil {
		return out, syncerr.Transfer("read apply result", err)
	}
	return out, nil
}

// do sends one request with bounded retries. Connection failures and gateway
// errors are retried after dropping the cached peer address. Authentication
// failures and other client errors are returned immediately.
func (c *HTTPClient) do(
	ctx context.Context,
	node peer.Node,
	method, path string,
	query url.Values,
	header http.Header,
	body []byte,
) (*httpclient.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = 20 * c.initialBackoff

	attempt := 0
	resp, err := backoff.Retry(ctx, func() (*httpclient.Response, error) {
		attempt++

		addr, err := c.resolver.ResolveAddress(ctx, node)
		if err != nil {
			return nil, err
		}

		u := url.URL{Scheme: c.scheme, Host: addr, Path: PathPrefix + path}
		if len(query) > 0 {
			u.RawQuery = query.Encode()
		}

		h := http.Header{}
		for k, vs := range header {
			h[k] = vs
		}
		h.Set(security.HeaderAuth, c.security.Hash())
		h.Set(security.HeaderNode, c.nodeID)

		resp, err := c.http.Do(ctx, httpclient.Request{Method: method, URL: u.String(), Header: h, Body: body})
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			default:
				return nil, backoff.Permanent(err)
			}
		}

		c.resolver.Invalidate(node.ID)
		slog.Debug("Peer request failed, retrying",
			"peer_id", node.ID,
			"path", path,
			"attempt", attempt,
			"error", err)
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxAttempts))

	if err != nil {
		return nil, classify(node, method, path, err)
	}
	return resp, nil
}

func classify(node peer.Node, method, path string, err error) error {
	op := fmt.Sprintf("%s %s on peer %s", method, path, node.ID)

	var httpErr *httpclient.HTTPError
	switch {
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized:
		return syncerr.Transfer(op, fmt.Errorf("%w: peer rejected the registration secret", security.ErrUnauthorized))
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnprocessableEntity:
		return syncerr.Integrity(op, err)
	case errors.As(err, &httpErr) && httpErr.StatusCode < 500:
		return syncerr.Transfer(op, err)
	case syncerr.KindOf(err) != "":
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syncerr.Transfer(op, err)
	default:
		return syncerr.Connectivity(op, err)
	}
}
