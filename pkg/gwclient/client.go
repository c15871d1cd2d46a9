// Package gwclient is the client side of the gateway REST surface.
package gwclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"

	"papergw/pkg/protocol"
)

var log = logging.MustGetLogger("gwclient")

// Client addresses one gateway.
type Client struct {
	baseURL string
	prefix  string
	http    *http.Client

	mu      sync.Mutex
	workers map[protocol.Kind]*WorkerClient
}

// New returns a client for the gateway at serverURL with routes under
// prefix. A nil hc gets a 10 second timeout.
func New(serverURL, prefix string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		prefix:  prefix,
		http:    hc,
		workers: make(map[protocol.Kind]*WorkerClient),
	}
}

// URL returns the absolute URL for a route below the prefix.
func (c *Client) URL(route string) string {
	return c.baseURL + c.prefix + route
}

// StreamURL returns the SSE endpoint for kind, or the playback stream when
// kind is empty.
func (c *Client) StreamURL(kind protocol.Kind) string {
	if kind == "" {
		return c.URL("/" + protocol.PlaybackStream + "/stream")
	}
	return c.URL("/" + string(kind) + "/stream")
}

// Worker returns the shared WorkerClient for kind.
func (c *Client) Worker(kind protocol.Kind) *WorkerClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[kind]
	if !ok {
		w = &WorkerClient{kind: kind, c: c}
		c.workers[kind] = w
	}
	return w
}

// Health returns the decoded /health body.
func (c *Client) Health(ctx context.Context) (protocol.Payload, error) {
	var out protocol.Payload
	if _, err := c.do(ctx, http.MethodGet, c.URL("/health"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PaperPage is one page of playback records.
type PaperPage struct {
	Data        []map[string]string `json:"data"`
	Total       int                 `json:"total"`
	CurrentPage int                 `json:"currentPage"`
	HasNext     bool                `json:"hasNext"`
}

// PaperPage fetches /paper-data.
func (c *Client) PaperPage(ctx context.Context, page, limit int) (PaperPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out PaperPage
	if _, err := c.do(ctx, http.MethodGet, c.URL("/paper-data?"+q.Encode()), nil, &out); err != nil {
		return PaperPage{}, err
	}
	return out, nil
}

// PaperCurrent fetches the record at the gateway's cursor.
func (c *Client) PaperCurrent(ctx context.Context) (protocol.Payload, error) {
	var out protocol.Payload
	_, err := c.do(ctx, http.MethodGet, c.URL("/paper-data/current"), nil, &out)
	return out, err
}

// PaperNext advances the gateway's cursor and returns the new record.
func (c *Client) PaperNext(ctx context.Context) (protocol.Payload, error) {
	var out protocol.Payload
	_, err := c.do(ctx, http.MethodGet, c.URL("/paper-data/next"), nil, &out)
	return out, err
}

// StatusError is a non-2xx gateway reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Message)
}

// do sends a JSON request and decodes the reply into out. Worker routes report
// failures with a 500 and a message, which is returned as *StatusError.
func (c *Client) do(ctx context.Context, method, target string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// errorMessage picks message, then error, from an error body.
func errorMessage(raw []byte) string {
	p, err := protocol.DecodePayload(raw)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	if m, ok := p.String("message"); ok && m != "" {
		return m
	}
	if m, ok := p.String("error"); ok {
		return m
	}
	return strings.TrimSpace(string(raw))
}
