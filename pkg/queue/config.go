package queue

import "time"

// Config holds queue settings shared by every channel.
type Config struct {
	Driver            string        `env:"QUEUE_DRIVER" envDefault:"redis"`
	Prefix            string        `env:"QUEUE_PREFIX" envDefault:"dispatch"`
	PollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"250ms"`
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"2m"`
}
