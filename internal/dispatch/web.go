package dispatch

import (
	"context"

	"dripflow/internal/domain"
)

// NotificationStore is the in-app feed the web channel writes to.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n domain.Notification) error
}

// WebSender delivers by persisting a notification record the recipient
// sees in their in-app feed. No external provider is involved.
type WebSender struct {
	store NotificationStore
}

func NewWebSender(store NotificationStore) *WebSender { return &WebSender{store: store} }

func (s *WebSender) Channel() domain.Channel { return domain.ChannelWeb }

func (s *WebSender) Send(ctx context.Context, rcpt domain.Recipient, content domain.ContentItem) error {
	err := s.store.CreateNotification(ctx, domain.Notification{
		UserID: rcpt.UserID,
		Title:  content.Title,
		Body:   content.Body,
	})
	if err != nil {
		// Storage hiccups are worth the retry budget.
		return Transient(err)
	}
	return nil
}
