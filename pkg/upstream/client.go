// Package upstream talks to the opaque analytics workers over HTTP/JSON.
package upstream

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
	"time"

	"papergw/pkg/protocol"
)

// DefaultTimeout bounds a single upstream request when the caller does not
// supply an http.Client.
const DefaultTimeout = 10 * time.Second

// maxBody caps how much of an upstream response is read.
const maxBody = 32 << 20

// Response is a decoded upstream reply. Status and Message are lifted out of
// Body for convenience; Body keeps every field the worker sent.
type Response struct {
	Status  string
	Message string
	Body    protocol.Payload
}

// OK reports whether the worker answered with status "ok".
func (r Response) OK() bool { return r.Status == protocol.StatusOK }

// Client calls one worker kind at {baseURL}/{kind}/...
type Client struct {
	kind    protocol.Kind
	baseURL string
	http    *http.Client
}

// New returns a client for kind. A nil hc gets a client with DefaultTimeout.
func New(baseURL string, kind protocol.Kind, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

// Kind returns the worker kind this client addresses.
func (c *Client) Kind() protocol.Kind { return c.kind }

// Init performs the worker's init handshake.
func (c *Client) Init(ctx context.Context) (Response, error) {
	return c.do(ctx, "init", http.MethodGet, c.endpoint("init"), nil)
}

// SetLot asks the worker to switch to lot.
func (c *Client) SetLot(ctx context.Context, lot string) (Response, error) {
	body, err := json.Marshal(map[string]string{"lot": lot})
	if err != nil {
		return Response{}, &protocol.NetworkError{Kind: c.kind, Op: "set-lot", Err: err}
	}
	return c.do(ctx, "set-lot", http.MethodPost, c.endpoint("set-lot"), body)
}

// Data fetches the frame at minute. timestamp is sent only when non-empty.
func (c *Client) Data(ctx context.Context, minute int, timestamp string) (Response, error) {
	q := url.Values{}
	q.Set("minute", strconv.Itoa(minute))
	if timestamp != "" {
		q.Set("timestamp", timestamp)
	}
	return c.do(ctx, "data", http.MethodGet, c.endpoint("data")+"?"+q.Encode(), nil)
}

func (c *Client) endpoint(op string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.kind, op)
}

// do sends the request and decodes the JSON body whatever the HTTP status,
// since workers report failures in the body.
func (c *Client) do(ctx context.Context, op, method, target string, body []byte) (Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return Response{}, &protocol.NetworkError{Kind: c.kind, Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, &protocol.NetworkError{Kind: c.kind, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Response{}, &protocol.NetworkError{Kind: c.kind, Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	payload, err := protocol.DecodePayload(raw)
	if err != nil {
		return Response{}, &protocol.NetworkError{
			Kind: c.kind, Op: op,
			Err: fmt.Errorf("decode body (HTTP %d): %w", resp.StatusCode, err),
		}
	}

	out := Response{Body: payload}
	out.Status, _ = payload.String("status")
	out.Message, _ = payload.String("message")
	return out, nil
}
