package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/hmacauth"
)

// WebhookClient delivers messages as signed HTTP POSTs, for consumers that
// take events over HTTP instead of a broker.
type WebhookClient struct {
	url         string
	secret      []byte
	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
}

// NewWebhookClient creates a client posting to url, signing bodies with secret.
func NewWebhookClient(url, secret string) *WebhookClient {
	return &WebhookClient{
		url:         url,
		secret:      []byte(secret),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		backoff:     time.Second,
	}
}

// WithRetry overrides the attempt count and the base backoff.
func (c *WebhookClient) WithRetry(attempts int, backoff time.Duration) *WebhookClient {
	if attempts > 0 {
		c.maxAttempts = attempts
	}
	c.backoff = backoff
	return c
}

func (c *WebhookClient) Connect(context.Context) error {
	if c.url == "" {
		return errors.New("webhook url is required")
	}
	if len(c.secret) == 0 {
		return errors.New("webhook secret is required")
	}
	return nil
}

// AssertQueue is a no-op; the queue name travels as a header.
func (c *WebhookClient) AssertQueue(context.Context, string) error { return nil }

// Publish retries non-2xx responses with exponential backoff (1s, 2s, ...).
func (c *WebhookClient) Publish(ctx context.Context, name string, body []byte) error {
	signature := "sha256=" + hmacauth.ComputeSignature(c.secret, body)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, err := c.doPost(ctx, name, body, signature)
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("unexpected status %d", status)
		}
		lastErr = err

		if attempt < c.maxAttempts {
			wait := c.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *WebhookClient) doPost(ctx context.Context, name string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "anchorpipe-webhook/1.0")
	req.Header.Set(hmacauth.SignatureHeader, signature)
	req.Header.Set("X-Anchorpipe-Queue", name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *WebhookClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
