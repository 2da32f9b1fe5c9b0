package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wisbric/uploadgw/internal/version"
)

// Delivery HTTP contract (spec.md §4.6, §6).
const (
	requestTimeout       = 15 * time.Second
	errorBodyTruncate    = 200
	successBodyTruncate  = 1000
	headerSignature      = "X-Webhook-Signature"
	headerWebhookID      = "X-Webhook-ID"
	headerWebhookEvent   = "X-Webhook-Event"
	headerTimestamp      = "X-Timestamp"
)

// HTTPResponse is a delivery attempt's outcome.
type HTTPResponse struct {
	StatusCode int
	Body       string // truncated to successBodyTruncate bytes by Deliver; empty on non-2xx
	Host       string
}

// HTTPError is a non-2xx or transport-level delivery failure. Message is
// already truncated to errorBodyTruncate bytes on a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("webhook delivery failed: %s", e.Message)
	}
	return fmt.Sprintf("webhook delivery failed with status %d: %s", e.StatusCode, e.Message)
}

// HTTPClient performs the outbound POST to a customer's webhook endpoint
// (spec.md §4.6, §6 "Delivered webhook"). Method POST, fixed headers,
// canonical JSON body, 15s deadline.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates an HTTPClient with the fixed 15s per-request
// deadline as its transport-level timeout ceiling (a caller-supplied ctx
// may still cut it shorter).
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: requestTimeout}}
}

// Deliver POSTs body to targetURL with the required signing headers.
// Non-2xx responses are returned as *HTTPError with a body truncated to
// 200 bytes; transport errors are returned as-is for the caller to treat
// as retryable.
func (c *HTTPClient) Deliver(ctx context.Context, targetURL string, body []byte, sig, webhookID, event string) (HTTPResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, sig)
	req.Header.Set(headerWebhookID, webhookID)
	req.Header.Set(headerWebhookEvent, event)
	req.Header.Set(headerTimestamp, fmt.Sprintf("%d", time.Now().UnixMilli()))
	req.Header.Set("User-Agent", fmt.Sprintf("uploadgw-webhooks/%s", version.Version))

	host := hostOf(targetURL)

	resp, err := c.client.Do(req)
	if err != nil {
		return HTTPResponse{Host: host}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, successBodyTruncate+1))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HTTPResponse{StatusCode: resp.StatusCode, Host: host}, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    truncateBytes(raw, errorBodyTruncate),
		}
	}

	return HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       truncateBytes(raw, successBodyTruncate),
		Host:       host,
	}, nil
}

func truncateBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
