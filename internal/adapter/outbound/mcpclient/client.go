// Package mcpclient connects the gateway to upstream MCP servers over
// Streamable HTTP: initialize handshake with a cached upstream session
// id, a bounded in-flight pool with a saturation limit, verbatim unary
// forwarding, and SSE event relay.
package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Aegis-Gate/aegisgate/internal/domain/upstream"
	"github.com/Aegis-Gate/aegisgate/pkg/mcp"
)

const (
	// maxResponseBodySize caps what we read from an upstream body.
	// Prevents OOM from a malicious upstream sending unbounded responses.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// scannerMaxBufSize caps a single SSE line from upstream.
	scannerMaxBufSize = 1024 * 1024 // 1MB

	defaultMaxInflight = 16
	defaultQueueSize   = 32
	defaultTimeout     = 60 * time.Second
)

// Pool and transport errors.
var (
	ErrSaturated    = errors.New("upstream call queue is full")
	ErrUpstream     = errors.New("upstream request failed")
	ErrStreamBroken = errors.New("upstream stream ended without a final response")
)

// Client talks to one upstream MCP server. Outbound requests never
// carry the caller's Origin or Authorization headers; upstream
// credentials come from the per-server static headers.
type Client struct {
	serverID   string
	endpoint   string
	headers    map[string]string
	httpClient *http.Client

	maxInflight int
	queueSize   int

	sem chan struct{}

	mu        sync.Mutex
	waiting   int
	sessionID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxInflight caps concurrent in-flight calls to this upstream.
func WithMaxInflight(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxInflight = n
		}
	}
}

// WithQueueSize caps how many calls may wait for an in-flight slot
// before new calls are rejected with ErrSaturated.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.queueSize = n
		}
	}
}

// New creates a client for one upstream endpoint. headers are the
// server's static headers, sent on every outbound request.
func New(serverID, endpoint string, headers map[string]string, opts ...Option) *Client {
	c := &Client{
		serverID: serverID,
		endpoint: endpoint,
		headers:  headers,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxInflight: defaultMaxInflight,
		queueSize:   defaultQueueSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sem = make(chan struct{}, c.maxInflight)
	return c
}

// ServerID returns the upstream server id this client is bound to.
func (c *Client) ServerID() string { return c.serverID }

// acquire takes an in-flight slot, queueing up to queueSize waiters.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	default:
	}

	c.mu.Lock()
	if c.waiting >= c.queueSize {
		c.mu.Unlock()
		return ErrSaturated
	}
	c.waiting++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
	}()

	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// Initialize performs the MCP handshake and caches the upstream
// session id. Safe to call again after the upstream expires the
// session.
func (c *Client) Initialize(ctx context.Context) error {
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "aegis-gate",
			"version": "1.0",
		},
	})
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  mcp.MethodInitialize,
		"params":  json.RawMessage(params),
	})

	resp, err := c.post(ctx, body, false)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("%w: read initialize response: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: initialize returned status %d", ErrUpstream, resp.StatusCode)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	var envelope struct {
		Error *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(firstSSEData(resp.Header.Get("Content-Type"), raw), &envelope); err != nil {
		return fmt.Errorf("%w: malformed initialize response", ErrUpstream)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%w: initialize rejected", ErrUpstream)
	}

	// Completing the handshake; upstreams may ignore this.
	notif, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  mcp.MethodInitialized,
	})
	if resp, err := c.post(ctx, notif, true); err == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}
	return nil
}

// ensureSession initializes the upstream session if none is cached.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	have := c.sessionID != ""
	c.mu.Unlock()
	if have {
		return nil
	}
	return c.Initialize(ctx)
}

// dropSession forgets the cached upstream session id.
func (c *Client) dropSession() {
	c.mu.Lock()
	c.sessionID = ""
	c.mu.Unlock()
}

// Call forwards a raw JSON-RPC request. A unary JSON response is
// returned verbatim. When the upstream streams SSE, every intermediate
// message is handed to onEvent in order and the final JSON-RPC
// response is returned; the caller renumbers events into its own
// session scope.
func (c *Client) Call(ctx context.Context, raw []byte, onEvent func(data []byte)) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, raw, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// An upstream that expired our session answers 404; re-initialize
	// once and retry.
	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.dropSession()
		if err := c.ensureSession(ctx); err != nil {
			return nil, err
		}
		retry, err := c.post(ctx, raw, true)
		if err != nil {
			return nil, err
		}
		_ = resp.Body.Close()
		resp = retry
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		return c.readStream(resp.Body, onEvent)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	return bytes.TrimRight(body, "\n"), nil
}

// readStream consumes an SSE body. Intermediate messages go to
// onEvent; the first JSON-RPC response (result or error) terminates
// the stream and is returned.
func (c *Client) readStream(body io.Reader, onEvent func(data []byte)) ([]byte, error) {
	scanner := bufio.NewScanner(io.LimitReader(body, maxResponseBodySize))
	scanner.Buffer(make([]byte, 0, 64*1024), scannerMaxBufSize)

	var data []byte
	flush := func() ([]byte, bool) {
		if len(data) == 0 {
			return nil, false
		}
		event := data
		data = nil

		var envelope struct {
			Result json.RawMessage  `json:"result"`
			Error  *json.RawMessage `json:"error"`
			ID     *json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(event, &envelope); err == nil &&
			envelope.ID != nil && (envelope.Result != nil || envelope.Error != nil) {
			return event, true
		}
		if onEvent != nil {
			onEvent(event)
		}
		return nil, false
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if final, done := flush(); done {
				return final, nil
			}
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		default:
			// event:, id:, retry: and comment lines carry no payload
			// we need; gateway event ids are assigned per caller
			// session, not copied from upstream.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamBroken, err)
	}
	if final, done := flush(); done {
		return final, nil
	}
	return nil, ErrStreamBroken
}

// ListTools fetches the upstream tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  mcp.MethodToolsList,
	})

	raw, err := c.Call(ctx, body, nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Result struct {
			Tools []upstream.Tool `json:"tools"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed tools/list response", ErrUpstream)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("%w: tools/list rejected: %s", ErrUpstream, envelope.Error.Message)
	}
	return envelope.Result.Tools, nil
}

// Ping checks upstream liveness with a protocol-level ping.
func (c *Client) Ping(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  mcp.MethodPing,
	})
	_, err := c.Call(ctx, body, nil)
	return err
}

// post sends one HTTP request with the gateway's outbound header
// policy applied.
func (c *Client) post(ctx context.Context, body []byte, withSession bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUpstream, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", mcp.ProtocolVersion)

	for k, v := range c.headers {
		// Static headers must not reintroduce a caller-shaped Origin.
		if strings.EqualFold(k, "Origin") {
			continue
		}
		req.Header.Set(k, v)
	}

	if withSession {
		c.mu.Lock()
		sid := c.sessionID
		c.mu.Unlock()
		if sid != "" {
			req.Header.Set("Mcp-Session-Id", sid)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return resp, nil
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "text/event-stream")
}

// firstSSEData returns the first data payload when the body is SSE,
// otherwise the body itself. Initialize responses may arrive either
// way.
func firstSSEData(contentType string, body []byte) []byte {
	if !isEventStream(contentType) {
		return body
	}
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return body
}
