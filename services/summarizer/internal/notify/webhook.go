package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reportd/services/summarizer/internal/ports"
)

// DefaultTimeout bounds a single notification exchange.
const DefaultTimeout = 10 * time.Second

// Webhook posts status updates as JSON to the orchestrator's receive endpoint.
type Webhook struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhook returns a notifier posting to url.
func NewWebhook(url string, client *http.Client, timeout time.Duration) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{url: url, client: client, timeout: timeout}, nil
}

func (w *Webhook) Post(ctx context.Context, update ports.StatusUpdate) error {
	if update.SentAt.IsZero() {
		update.SentAt = time.Now().UTC()
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status webhook returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}
