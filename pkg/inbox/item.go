package inbox

import (
	"context"
	"time"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Item is one in-app notification as shown in a user's inbox. It is
// written once per notification by the in-app channel and then only its
// read marker changes.
type Item struct {
	ID             string                `json:"id"`
	NotificationID string                `json:"notification_id"`
	UserID         string                `json:"user_id"`
	Type           string                `json:"type"`
	Title          string                `json:"title"`
	Body           string                `json:"body"`
	Data           map[string]any        `json:"data,omitempty"`
	Priority       notification.Priority `json:"priority"`
	Read           bool                  `json:"read"`
	ReadAt         *time.Time            `json:"read_at,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// ListOptions filters and paginates a user's inbox.
type ListOptions struct {
	Limit      int        // 0 means no limit
	Offset     int
	OnlyUnread bool
	Types      []string
	Since      *time.Time
}

// Store persists inbox items.
type Store interface {
	// Create stores an item. Creating a second item for the same
	// notification is a no-op that returns the existing item.
	Create(ctx context.Context, item Item) (Item, error)

	// Get returns a single item of a user.
	Get(ctx context.Context, userID, itemID string) (*Item, error)

	// List returns a user's items, newest first.
	List(ctx context.Context, userID string, opts ListOptions) ([]Item, error)

	// MarkRead marks items as read. Unknown ids are ignored.
	MarkRead(ctx context.Context, userID string, itemIDs ...string) error

	// CountUnread returns the number of unread items of a user.
	CountUnread(ctx context.Context, userID string) (int, error)
}

func validateItem(item Item) error {
	switch {
	case item.ID == "":
		return wrapInvalid("item ID is required")
	case item.NotificationID == "":
		return wrapInvalid("notification ID is required")
	case item.UserID == "":
		return wrapInvalid("user ID is required")
	}
	return nil
}
