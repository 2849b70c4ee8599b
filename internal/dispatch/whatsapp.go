package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dripflow/internal/domain"
)

// WhatsAppGateway delivers through a messaging-API provider.
type WhatsAppGateway struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewWhatsAppGateway(baseURL, token string) *WhatsAppGateway {
	return &WhatsAppGateway{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *WhatsAppGateway) Channel() domain.Channel { return domain.ChannelWhatsApp }

type whatsappPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (g *WhatsAppGateway) Send(ctx context.Context, rcpt domain.Recipient, content domain.ContentItem) error {
	if rcpt.Phone == "" {
		return Unreachable(fmt.Errorf("user %s has no phone number", rcpt.UserID))
	}
	if !rcpt.WhatsAppOptIn {
		return Unreachable(fmt.Errorf("user %s has not opted in", rcpt.UserID))
	}

	text := content.Title
	if content.Body != "" {
		text += "\n\n" + content.Body
	}
	body, err := json.Marshal(whatsappPayload{To: rcpt.Phone, Text: text})
	if err != nil {
		return Rejected(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Rejected(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.Token)

	resp, err := g.Client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()

	return classifyHTTPStatus(resp)
}
