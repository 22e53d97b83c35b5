package notification

import "time"

// Filter selects notifications for statistics and reconciliation.
// Zero-valued fields match everything.
type Filter struct {
	RecipientID string     `json:"recipient_id,omitempty"`
	Type        string     `json:"type,omitempty"`
	Statuses    []Status   `json:"statuses,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Channel     Channel    `json:"channel,omitempty"`
	CreatedFrom *time.Time `json:"created_from,omitempty"`
	CreatedTo   *time.Time `json:"created_to,omitempty"`
}

// Match reports whether n satisfies the filter.
func (f Filter) Match(n *Notification) bool {
	if f.RecipientID != "" && n.RecipientID != f.RecipientID {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Priority != "" && n.Priority != f.Priority {
		return false
	}
	if f.Channel != "" && !n.HasChannel(f.Channel) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if n.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedFrom != nil && n.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && !n.CreatedAt.Before(*f.CreatedTo) {
		return false
	}
	return true
}

// Stats aggregates notification counts.
type Stats struct {
	Total        int                               `json:"total"`
	ByStatus     map[Status]int                    `json:"by_status"`
	ByChannel    map[Channel]map[DeliveryState]int `json:"by_channel"`
	ByPriority   map[Priority]int                  `json:"by_priority"`
	Attempts     map[Channel]int                   `json:"attempts"`
	DeadLettered map[Channel]int                   `json:"dead_lettered"`
}

// NewStats returns empty Stats ready for Add.
func NewStats() Stats {
	return Stats{
		ByStatus:     make(map[Status]int),
		ByChannel:    make(map[Channel]map[DeliveryState]int),
		ByPriority:   make(map[Priority]int),
		Attempts:     make(map[Channel]int),
		DeadLettered: make(map[Channel]int),
	}
}

// Add counts n. When only is set, channel counts are restricted to that
// channel.
func (s *Stats) Add(n *Notification, only Channel) {
	s.Total++
	s.ByStatus[n.Status]++
	s.ByPriority[n.Priority]++
	for _, ch := range n.Channels {
		if only != "" && ch != only {
			continue
		}
		d, ok := n.Delivery[ch]
		if !ok {
			continue
		}
		if s.ByChannel[ch] == nil {
			s.ByChannel[ch] = make(map[DeliveryState]int)
		}
		s.ByChannel[ch][d.State]++
		s.Attempts[ch] += d.Attempts
		if d.DeadLettered {
			s.DeadLettered[ch]++
		}
	}
}

// Aggregate computes Stats over ns.
func Aggregate(ns []*Notification, only Channel) Stats {
	s := NewStats()
	for _, n := range ns {
		s.Add(n, only)
	}
	return s
}
