package notification

import (
	"errors"
	"regexp"
	"time"

	"github.com/carebridge/dispatch/pkg/validator"
)

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// Request is the caller-supplied shape of a notification.
type Request struct {
	RecipientID string         `json:"recipient_id"`
	Type        string         `json:"type"`
	Title       string         `json:"title,omitempty"`
	Body        string         `json:"body,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
	Channels    []Channel      `json:"channels"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Validate checks the request shape. knownType may be nil, in which case
// only the type format is checked. Scheduled instants in the past are
// accepted and treated as "now".
func (r Request) Validate(knownType func(string) bool, now time.Time) error {
	rules := []validator.Rule{
		validator.RequiredString("recipient_id", r.RecipientID),
		validator.MaxLenString("recipient_id", r.RecipientID, 128),
		validator.Custom("type", func() bool { return typePattern.MatchString(r.Type) }, "must be a lowercase snake_case key"),
		validator.RequiredSlice("channels", r.Channels),
		validator.EachInList("channels", r.Channels, AllChannels),
		validator.UniqueSlice("channels", r.Channels),
		validator.MaxLenString("title", r.Title, 256),
	}
	if r.Priority != "" {
		rules = append(rules, validator.InList("priority", r.Priority, AllPriorities))
	}
	if knownType != nil && typePattern.MatchString(r.Type) {
		rules = append(rules, validator.Custom("type", func() bool { return knownType(r.Type) }, "unknown notification type"))
	}
	if r.ExpiresAt != nil {
		rules = append(rules, validator.TimeAfter("expires_at", r.ExpiresAt, now))
		if r.ScheduledAt != nil {
			rules = append(rules, validator.TimeAfter("expires_at", r.ExpiresAt, *r.ScheduledAt))
		}
	}

	if err := validator.Apply(rules...); err != nil {
		return errors.Join(ErrValidation, err)
	}
	return nil
}

// New builds a notification from a validated request. Every requested
// channel starts queued with its attempt budget taken from maxAttempts.
func New(id string, r Request, now time.Time, maxAttempts func(Channel) int) *Notification {
	priority := r.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	n := &Notification{
		ID:          id,
		RecipientID: r.RecipientID,
		Type:        r.Type,
		Title:       r.Title,
		Body:        r.Body,
		Payload:     r.Payload,
		Priority:    priority,
		Channels:    append([]Channel(nil), r.Channels...),
		ExpiresAt:   cloneTime(r.ExpiresAt),
		Delivery:    make(map[Channel]*Delivery, len(r.Channels)),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if r.ScheduledAt != nil && r.ScheduledAt.After(now) {
		n.ScheduledAt = cloneTime(r.ScheduledAt)
	}
	for _, ch := range n.Channels {
		n.Delivery[ch] = &Delivery{
			State:       StateQueued,
			MaxAttempts: maxAttempts(ch),
			UpdatedAt:   now,
		}
	}
	n.Status = n.InitialStatus()
	return n
}
