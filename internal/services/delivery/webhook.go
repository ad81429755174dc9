package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"roomtab-engine/internal/models"
)

// Sender posts a rendered message to one endpoint.
type Sender interface {
	Send(ctx context.Context, url string, msg models.WebhookMessage) error
}

// HTTPSender posts JSON with a fixed timeout.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a sender whose every request is bounded by timeout.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{client: &http.Client{Timeout: timeout}}
}

// Send implements Sender. Timeouts and non-2xx responses come back as
// *models.RemoteError.
func (s *HTTPSender) Send(ctx context.Context, url string, msg models.WebhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &models.RemoteError{Service: "webhook", Op: "post", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &models.RemoteError{Service: "webhook", Op: "post", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return nil
}
