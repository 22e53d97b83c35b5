package channel

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/carebridge/dispatch/pkg/inbox"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/notification"
)

// InApp writes the notification into the recipient's inbox and pushes it
// to live subscribers. Inbox writes are idempotent per notification, so a
// redelivered job does not duplicate the entry.
type InApp struct {
	items  inbox.Store
	hub    *inbox.Hub
	logger *slog.Logger
}

// InAppOption configures InApp.
type InAppOption func(*InApp)

// WithHub publishes new items to live subscribers.
func WithHub(h *inbox.Hub) InAppOption {
	return func(a *InApp) { a.hub = h }
}

func WithInAppLogger(l *slog.Logger) InAppOption {
	return func(a *InApp) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewInApp(items inbox.Store, opts ...InAppOption) *InApp {
	a := &InApp{items: items, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *InApp) Channel() notification.Channel { return notification.ChannelInApp }

// Send stores the item. A failing store is reported as permanent; the hub
// publish is best effort and never fails the send.
func (a *InApp) Send(ctx context.Context, msg Message) Result {
	userID := msg.Address
	if userID == "" {
		userID = msg.RecipientID
	}

	item, err := a.items.Create(ctx, inbox.Item{
		ID:             uuid.NewString(),
		NotificationID: msg.NotificationID,
		UserID:         userID,
		Type:           msg.Type,
		Title:          msg.Title,
		Body:           msg.Body,
		Data:           maps.Clone(msg.Payload),
		Priority:       msg.Priority,
	})
	if err != nil {
		return Permanent(fmt.Errorf("in_app: store item: %w", err))
	}

	if a.hub != nil {
		if _, err := a.hub.Publish(ctx, item); err != nil {
			a.logger.LogAttrs(ctx, slog.LevelWarn, "in-app item stored but not published",
				logger.NotificationID(msg.NotificationID),
				logger.RecipientID(userID),
				logger.Error(err),
			)
		}
	}
	return Delivered(item.ID)
}
