// Package openai implements the adapter for OpenAI-compatible upstreams.
// The canonical shape already matches this dialect, so requests and
// responses pass through with only the model substituted.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gateway "github.com/khazad/mellon/internal"
	"github.com/khazad/mellon/internal/adapter"
)

const providerName = "openai"

var _ adapter.Adapter = (*Client)(nil)

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client. baseURL is the provider's configured base URL with
// any trailing slash stripped; the shared http.Client carries the pooled
// transport.
func New(baseURL, apiKey string, client *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    client,
	}
}

func (c *Client) Name() string { return providerName }

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// Call sends a non-streaming completion. The body is the canonical request
// with the routed model and stream forced off.
func (c *Client) Call(ctx context.Context, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error) {
	outReq := *req
	outReq.Model = model
	outReq.Stream = false

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, adapter.TransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, adapter.ParseAPIError(providerName, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

// Stream sends a streaming completion. Raw SSE data payloads are forwarded
// as-is; the "[DONE]" sentinel is consumed and replaced with a Done chunk.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest, model string) (<-chan gateway.StreamChunk, error) {
	outReq := *req
	outReq.Model = model
	outReq.Stream = true

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, adapter.TransportError(providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, adapter.ParseAPIError(providerName, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go readStream(ctx, resp, ch)
	return ch, nil
}
