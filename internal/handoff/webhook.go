package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultBackoff = 250 * time.Millisecond
)

// WebhookSink posts payloads to an HTTP endpoint.
type WebhookSink struct {
	name    string
	url     string
	onError OnError
	retries int
	backoff time.Duration
	headers map[string]string
	client  *http.Client
}

// WebhookConfig configures a webhook sink.
type WebhookConfig struct {
	Name    string
	URL     string
	Timeout time.Duration
	OnError OnError // "ignore" or "fail" (default: ignore)
	Retries int
	Backoff time.Duration
	Headers map[string]string
	// BlockPrivate refuses delivery to loopback and private networks. It
	// only applies to the default client.
	BlockPrivate bool
	// Client overrides the HTTP client; its timeout is left untouched.
	Client *http.Client
}

// NewWebhookSink creates a new webhook sink.
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	onError := cfg.OnError
	if onError == "" {
		onError = OnErrorIgnore
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	client := cfg.Client
	if client == nil {
		var base http.RoundTripper = http.DefaultTransport
		if cfg.BlockPrivate {
			base = publicOnlyTransport()
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(base),
		}
	}
	name := cfg.Name
	if name == "" {
		name = cfg.URL
	}

	return &WebhookSink{
		name:    name,
		url:     cfg.URL,
		onError: onError,
		retries: cfg.Retries,
		backoff: backoff,
		headers: cfg.Headers,
		client:  client,
	}
}

func (s *WebhookSink) Name() string     { return s.name }
func (s *WebhookSink) OnError() OnError { return s.onError }

// Deliver posts p, retrying failed attempts with linear backoff.
func (s *WebhookSink) Deliver(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	attempts := s.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}

		lastErr = s.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Sink = (*WebhookSink)(nil)
