package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dripflow/internal/domain"
)

// PushGateway delivers through an external push-notification provider.
type PushGateway struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewPushGateway(baseURL, apiKey string) *PushGateway {
	return &PushGateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *PushGateway) Channel() domain.Channel { return domain.ChannelPush }

type pushPayload struct {
	DeviceToken string `json:"device_token"`
	Title       string `json:"title"`
	Body        string `json:"body"`
}

func (g *PushGateway) Send(ctx context.Context, rcpt domain.Recipient, content domain.ContentItem) error {
	if rcpt.DeviceToken == "" {
		return Unreachable(fmt.Errorf("user %s has no device token", rcpt.UserID))
	}

	body, err := json.Marshal(pushPayload{
		DeviceToken: rcpt.DeviceToken,
		Title:       content.Title,
		Body:        content.Body,
	})
	if err != nil {
		return Rejected(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return Rejected(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.Client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp)
}

// classifyHTTPStatus maps a provider HTTP response onto the failure
// taxonomy: 2xx ok, 404/410 dead destination, other 4xx rejected,
// 429 and 5xx transient.
func classifyHTTPStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(snippet))
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Unreachable(err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(err)
	default:
		return Rejected(err)
	}
}
