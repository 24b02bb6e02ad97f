package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Push is the request body accepted by the push relay.
type Push struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
	// SenderExternalUserID excludes every device of the sender.
	SenderExternalUserID string `json:"sender_external_user_id,omitempty"`
}

// PushResult is the relay's delivery status.
type PushResult struct {
	ID         string `json:"id,omitempty"`
	Recipients int    `json:"recipients,omitempty"`
}

// PushClient posts notifications to the push relay endpoint.
type PushClient struct {
	endpoint string
	client   *http.Client
}

// NewPushClient creates a client for the relay at endpoint.
func NewPushClient(endpoint string) *PushClient {
	return &PushClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts p and returns the delivery status.
func (c *PushClient) Send(ctx context.Context, p Push) (*PushResult, error) {
	if p.Title == "" || p.Message == "" {
		return nil, fmt.Errorf("push: title and message are required")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("push: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push: post: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("push: relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result PushResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("push: decode response: %w", err)
		}
	}
	return &result, nil
}
