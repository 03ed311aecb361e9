package actuator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrLinkDisabled is returned once the HTTP sink gave up on the vehicle.
var ErrLinkDisabled = errors.New("actuator: link disabled after repeated failures")

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient wraps c, or http.DefaultClient when c is nil.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

// HTTPDeliverer POSTs every command as JSON to the vehicle endpoint. After
// limit consecutive failures it stops trying.
type HTTPDeliverer struct {
	url     string
	client  HTTPClient
	limit   int
	timeout time.Duration

	mu       sync.Mutex
	failures int
}

// NewHTTPDeliverer returns a deliverer for url. A non-positive limit never
// disables the link.
func NewHTTPDeliverer(url string, client HTTPClient, limit int, timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{url: url, client: client, limit: limit, timeout: timeout}
}

// Disabled reports whether the failure limit was reached.
func (h *HTTPDeliverer) Disabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.limit > 0 && h.failures >= h.limit
}

func (h *HTTPDeliverer) Deliver(ctx context.Context, c Command) error {
	if h.Disabled() {
		return ErrLinkDisabled
	}
	err := h.post(ctx, c)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.failures = 0
		return nil
	}
	h.failures++
	if h.limit > 0 && h.failures == h.limit {
		logs.Opsf("vehicle endpoint %s failed %d times in a row, giving up: %v", h.url, h.failures, err)
	}
	return err
}

func (h *HTTPDeliverer) post(ctx context.Context, c Command) error {
	body, err := c.MarshalVehicleJSON()
	if err != nil {
		return err
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post command: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPDeliverer) Close() error { return nil }
