package notification

// InitialStatus is the status a notification is created with.
func (n *Notification) InitialStatus() Status {
	if n.ScheduledAt != nil && n.ScheduledAt.After(n.CreatedAt) {
		return StatusScheduled
	}
	return StatusPending
}

// DeriveStatus recomputes the whole-notification status from the
// per-channel delivery records. It never looks at the stored Status, so it
// can be applied after every channel mutation.
func (n *Notification) DeriveStatus() Status {
	var (
		terminal, delivered, cancelled int
		active                         bool
	)
	for _, ch := range n.Channels {
		d, ok := n.Delivery[ch]
		if !ok {
			continue
		}
		if d.State.Terminal() {
			terminal++
			switch d.State {
			case StateDelivered:
				delivered++
			case StateCancelled:
				cancelled++
			}
			continue
		}
		if d.State == StateDispatching || d.Attempts > 0 {
			active = true
		}
	}

	if len(n.Channels) == 0 || terminal < len(n.Channels) {
		if active || terminal > 0 {
			return StatusDispatching
		}
		return n.InitialStatus()
	}

	switch {
	case cancelled == len(n.Channels):
		return StatusCancelled
	case delivered == len(n.Channels):
		return StatusSent
	case delivered > 0:
		return StatusPartiallyFailed
	default:
		return StatusFailed
	}
}

// Terminal reports whether every requested channel reached a terminal state.
func (n *Notification) Terminal() bool {
	for _, ch := range n.Channels {
		d, ok := n.Delivery[ch]
		if !ok || !d.State.Terminal() {
			return false
		}
	}
	return len(n.Channels) > 0
}

// RetryableChannels lists channels in state failed whose attempt budget is
// not exhausted, restricted to only when it is non-empty.
func (n *Notification) RetryableChannels(only ...Channel) []Channel {
	var out []Channel
	for _, ch := range n.Channels {
		if len(only) > 0 && !containsChannel(only, ch) {
			continue
		}
		d, ok := n.Delivery[ch]
		if !ok || d.State != StateFailed || d.Exhausted() {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func containsChannel(list []Channel, ch Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}
