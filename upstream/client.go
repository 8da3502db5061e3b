package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// defaultAnthropicVersion is sent when the inbound request carries no
// anthropic-version header of its own.
const defaultAnthropicVersion = "2023-06-01"

// hopHeaders are inbound headers the proxy never forwards: it uses its
// own credential, and the transport owns the rest.
var hopHeaders = map[string]struct{}{
	"Authorization":   {},
	"X-Api-Key":       {},
	"Host":            {},
	"Content-Length":  {},
	"Connection":      {},
	"Accept-Encoding": {},
}

// Result is one upstream attempt's outcome: status, headers, and the
// fully read body. The body is what clients receive verbatim on
// success and on forwarded permanent failures.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Usage parses the token usage out of a successful response body.
func (r *Result) Usage() (Usage, bool) {
	var resp MessagesResponse
	if err := json.Unmarshal(r.Body, &resp); err != nil {
		return Usage{}, false
	}
	if resp.Usage.InputTokens == 0 && resp.Usage.OutputTokens == 0 {
		return resp.Usage, false
	}
	return resp.Usage, true
}

// Client performs single attempts against the configured upstream
// endpoint using the proxy's own credential.
type Client struct {
	endpoint   string
	credential string
	httpClient *http.Client
}

// NewClient creates a client for the given messages endpoint URL
// (e.g. "https://api.anthropic.com/v1/messages").
func NewClient(endpoint, credential string) *Client {
	return &Client{
		endpoint:   endpoint,
		credential: credential,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Do executes one POST against the upstream. Inbound headers are
// forwarded except credentials and transport headers; the proxy's own
// credential and a default anthropic-version are applied.
func (c *Client) Do(ctx context.Context, body []byte, inbound http.Header) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewConnectionError("building request", err)
	}

	for name, values := range inbound {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.credential)
	if req.Header.Get("Anthropic-Version") == "" {
		req.Header.Set("Anthropic-Version", defaultAnthropicVersion)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewConnectionError("request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError("reading response body", err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}
