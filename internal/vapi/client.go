// Package vapi talks to the Vapi voice platform: REST calls for call
// records and web calls, and server-message webhooks for live events.
package vapi

import (
	"bytes"
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultBaseURL = "https://api.vapi.ai"
	defaultTimeout = 30 * time.Second
)

// ErrMissingAPIKey is returned by operations that need the private key.
var ErrMissingAPIKey = errors.New("vapi: private API key is not configured")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// Client is an HTTP client for the Vapi REST API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Vapi API client authenticated with the private key.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasAPIKey reports whether a private key was configured.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// GetCall fetches one call record.
func (c *Client) GetCall(ctx context.Context, id string) (*Call, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/call/"+url.PathEscape(id), nil, true)
	if err != nil {
		return nil, err
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	call.RawBody = body
	return &call, nil
}

// ListCalls returns one page of call history, newest first.
func (c *Client) ListCalls(ctx context.Context, params ListCallsParams) ([]Call, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !params.CreatedBefore.IsZero() {
		q.Set("createdAtLt", params.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}

	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/call?"+q.Encode(), nil, true)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call list: %w", err)
	}
	calls := make([]Call, 0, len(raw))
	for _, item := range raw {
		var call Call
		if err := json.Unmarshal(item, &call); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call: %w", err)
		}
		call.RawBody = item
		calls = append(calls, call)
	}
	return calls, nil
}

// CreateWebCall starts a browser-joinable call for an assistant.
func (c *Client) CreateWebCall(ctx context.Context, req *WebCallRequest) (*Call, error) {
	if req == nil || req.AssistantID == "" {
		return nil, errors.New("vapi: assistant id is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/call/web", payload, true)
	if err != nil {
		return nil, err
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	call.RawBody = body
	return &call, nil
}

// EndCall asks the vendor to hang up through the call's monitor control URL.
func (c *Client) EndCall(ctx context.Context, controlURL string) error {
	if controlURL == "" {
		return errors.New("vapi: call has no control url")
	}
	_, err := c.do(ctx, http.MethodPost, controlURL, []byte(`{"type":"end-call"}`), false)
	return err
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte, authed bool) ([]byte, error) {
	if authed && c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if authed {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseError(resp.StatusCode, respBody)
	}
	return respBody, nil
}
