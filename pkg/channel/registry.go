package channel

import (
	"fmt"
	"maps"
	"slices"

	"github.com/carebridge/dispatch/pkg/notification"
)

// Registry selects the sender of each channel.
type Registry map[notification.Channel]Sender

// NewRegistry indexes senders by their channel. A later sender replaces an
// earlier one for the same channel.
func NewRegistry(senders ...Sender) Registry {
	r := make(Registry, len(senders))
	for _, s := range senders {
		if s != nil {
			r[s.Channel()] = s
		}
	}
	return r
}

// Get returns the sender registered for ch.
func (r Registry) Get(ch notification.Channel) (Sender, error) {
	s, ok := r[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return s, nil
}

// Channels lists registered channels in a stable order.
func (r Registry) Channels() []notification.Channel {
	chs := slices.Collect(maps.Keys(r))
	slices.Sort(chs)
	return chs
}
