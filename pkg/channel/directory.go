package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Directory resolves the channel-specific address of a notification's
// recipient.
type Directory interface {
	Lookup(ctx context.Context, n *notification.Notification, ch notification.Channel) (string, error)
}

// PayloadKeys are the payload fields PayloadDirectory reads.
var PayloadKeys = map[notification.Channel]string{
	notification.ChannelPush:  "device_token",
	notification.ChannelSMS:   "phone",
	notification.ChannelEmail: "email",
}

// PayloadDirectory reads addresses carried in the notification payload.
// The in-app channel is addressed by recipient id.
type PayloadDirectory struct{}

func (PayloadDirectory) Lookup(_ context.Context, n *notification.Notification, ch notification.Channel) (string, error) {
	if ch == notification.ChannelInApp {
		return n.RecipientID, nil
	}
	key, ok := PayloadKeys[ch]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	if v, ok := n.Payload[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	return "", fmt.Errorf("%w: %s has no %s", ErrNoAddress, n.RecipientID, key)
}

// StaticDirectory is a fixed recipient -> channel -> address table, handy
// for development and tests. It is safe for concurrent use.
type StaticDirectory struct {
	mu    sync.RWMutex
	table map[string]map[notification.Channel]string
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{table: make(map[string]map[notification.Channel]string)}
}

// Set records the address of a recipient on a channel.
func (d *StaticDirectory) Set(recipientID string, ch notification.Channel, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.table[recipientID] == nil {
		d.table[recipientID] = make(map[notification.Channel]string)
	}
	d.table[recipientID][ch] = address
}

func (d *StaticDirectory) Lookup(_ context.Context, n *notification.Notification, ch notification.Channel) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if addr, ok := d.table[n.RecipientID][ch]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrNoAddress, n.RecipientID, ch)
}

// Chain tries each directory in order and returns the first address found.
type Chain []Directory

func (c Chain) Lookup(ctx context.Context, n *notification.Notification, ch notification.Channel) (string, error) {
	err := fmt.Errorf("%w: %s on %s", ErrNoAddress, n.RecipientID, ch)
	for _, d := range c {
		addr, lerr := d.Lookup(ctx, n, ch)
		if lerr == nil {
			return addr, nil
		}
		err = lerr
	}
	return "", err
}
