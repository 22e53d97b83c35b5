package notification

import (
	"maps"
	"slices"
	"time"
)

// Channel identifies one delivery mechanism.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "in_app"
)

// AllChannels lists every channel the engine knows how to deliver to.
var AllChannels = []Channel{ChannelPush, ChannelSMS, ChannelEmail, ChannelInApp}

// Valid reports whether c is a recognized channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelEmail, ChannelInApp:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Priority controls queue ordering and retry aggressiveness.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// AllPriorities in ascending order.
var AllPriorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Weight maps the priority onto the 0-100 scale used by dispatch queues.
// Higher weight is dequeued first.
func (p Priority) Weight() int8 {
	switch p {
	case PriorityLow:
		return 25
	case PriorityHigh:
		return 75
	case PriorityUrgent:
		return 100
	default:
		return 50
	}
}

// Status is the lifecycle state of a notification as a whole.
type Status string

const (
	StatusPending         Status = "pending"
	StatusScheduled       Status = "scheduled"
	StatusDispatching     Status = "dispatching"
	StatusSent            Status = "sent"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether no further delivery work will happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusPartiallyFailed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DeliveryState is the per-channel sub-state.
type DeliveryState string

const (
	StateQueued      DeliveryState = "queued"
	StateDispatching DeliveryState = "dispatching"
	StateDelivered   DeliveryState = "delivered"
	StateFailed      DeliveryState = "failed"
	StateExpired     DeliveryState = "expired"
	StateSkipped     DeliveryState = "skipped"
	StateCancelled   DeliveryState = "cancelled"
)

func (s DeliveryState) Terminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateExpired, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// Delivery is the persisted record of one channel's progress.
// Attempts counts sends started, including one that may be in flight.
type Delivery struct {
	State         DeliveryState `json:"state" bson:"state"`
	Attempts      int           `json:"attempts" bson:"attempts"`
	MaxAttempts   int           `json:"max_attempts" bson:"max_attempts"`
	LastError     string        `json:"last_error,omitempty" bson:"last_error,omitempty"`
	ProviderRef   string        `json:"provider_ref,omitempty" bson:"provider_ref,omitempty"`
	DeadLettered  bool          `json:"dead_lettered,omitempty" bson:"dead_lettered,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty" bson:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at" bson:"updated_at"`
}

// Exhausted reports whether the attempt budget is used up.
func (d *Delivery) Exhausted() bool {
	return d.Attempts >= d.MaxAttempts
}

// Notification is one logical event directed at one recipient.
type Notification struct {
	ID          string                `json:"id" bson:"_id"`
	RecipientID string                `json:"recipient_id" bson:"recipient_id"`
	Type        string                `json:"type" bson:"type"`
	Title       string                `json:"title" bson:"title"`
	Body        string                `json:"body" bson:"body"`
	Payload     map[string]any        `json:"payload,omitempty" bson:"payload,omitempty"`
	Priority    Priority              `json:"priority" bson:"priority"`
	Channels    []Channel             `json:"channels" bson:"channels"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty" bson:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time            `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	Status      Status                `json:"status" bson:"status"`
	Delivery    map[Channel]*Delivery `json:"delivery_status" bson:"delivery_status"`
	Version     int64                 `json:"version" bson:"version"`
	CreatedAt   time.Time             `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at" bson:"updated_at"`
}

// IsExpired reports whether dispatch must be abandoned at now.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// NotBefore is the earliest instant a dispatch job may become visible.
func (n *Notification) NotBefore(now time.Time) time.Time {
	if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
		return *n.ScheduledAt
	}
	return now
}

// HasChannel reports whether ch was requested.
func (n *Notification) HasChannel(ch Channel) bool {
	for _, c := range n.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can't mutate stored state.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.Channels = append([]Channel(nil), n.Channels...)
	c.Payload = clonePayload(n.Payload)
	c.ScheduledAt = cloneTime(n.ScheduledAt)
	c.ExpiresAt = cloneTime(n.ExpiresAt)
	c.Delivery = make(map[Channel]*Delivery, len(n.Delivery))
	for ch, d := range n.Delivery {
		dc := *d
		dc.NextAttemptAt = cloneTime(d.NextAttemptAt)
		c.Delivery[ch] = &dc
	}
	return &c
}

// clonePayload copies nested maps and slices too, so a clone never shares
// mutable payload state with its source.
func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return clonePayload(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		return maps.Clone(v)
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
