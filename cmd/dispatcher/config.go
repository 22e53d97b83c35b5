package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/config"
	"github.com/carebridge/dispatch/pkg/email"
	"github.com/carebridge/dispatch/pkg/httpserver"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/mongo"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/pg"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/redis"
)

const (
	storePostgres = "postgres"
	storeMongo    = "mongo"
	storeMemory   = "memory"

	queueRedis  = "redis"
	queueMemory = "memory"
)

// appConfig holds process-level settings that do not belong to a package.
type appConfig struct {
	StoreDriver       string        `env:"STORE_DRIVER" envDefault:"postgres"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE" envDefault:"5m"`
	TemplateCatalog   string        `env:"TEMPLATE_CATALOG_FILE"`
	InboxBuffer       int           `env:"INBOX_STREAM_BUFFER" envDefault:"16"`
	EmailFooter       string        `env:"EMAIL_FOOTER"`
}

type settings struct {
	app          appConfig
	log          logger.Config
	http         httpserver.Config
	queue        queue.Config
	pg           pg.Config
	mongo        mongo.Config
	redis        redis.Config
	email        email.Config
	push         channel.PushConfig
	sms          channel.SMSConfig
	pushBreaker  channel.BreakerConfig
	smsBreaker   channel.BreakerConfig
	emailBreaker channel.BreakerConfig
	throttles    map[notification.Channel]channel.ThrottleConfig
}

type configLoader struct {
	name string
	load func() error
}

func loadSettings() (settings, error) {
	var s settings
	loaders := []configLoader{
		{"app", func() error { return config.Load(&s.app) }},
		{"logger", func() error { return config.Load(&s.log) }},
		{"http", func() error { return config.Load(&s.http) }},
		{"queue", func() error { return config.Load(&s.queue) }},
		{"postgres", func() error { return config.Load(&s.pg) }},
		{"mongo", func() error { return config.Load(&s.mongo) }},
		{"redis", func() error { return config.Load(&s.redis) }},
		{"email", func() error { return config.Load(&s.email) }},
		{"push", func() error { return config.Load(&s.push) }},
		{"sms", func() error { return config.Load(&s.sms) }},
		{"push breaker", func() error { return config.LoadPrefixed("PUSH_BREAKER_", &s.pushBreaker) }},
		{"sms breaker", func() error { return config.LoadPrefixed("SMS_BREAKER_", &s.smsBreaker) }},
		{"email breaker", func() error { return config.LoadPrefixed("EMAIL_BREAKER_", &s.emailBreaker) }},
	}

	// PUSH_THROTTLE_CAPACITY, SMS_THROTTLE_REFILL, ...
	s.throttles = make(map[notification.Channel]channel.ThrottleConfig)
	for _, ch := range []notification.Channel{notification.ChannelPush, notification.ChannelSMS, notification.ChannelEmail} {
		loaders = append(loaders, configLoader{string(ch) + " throttle", func() error {
			var cfg channel.ThrottleConfig
			if err := config.LoadPrefixed(strings.ToUpper(string(ch))+"_THROTTLE_", &cfg); err != nil {
				return err
			}
			s.throttles[ch] = cfg
			return nil
		}})
	}

	for _, l := range loaders {
		if err := l.load(); err != nil {
			return settings{}, fmt.Errorf("load %s config: %w", l.name, err)
		}
	}

	switch s.app.StoreDriver {
	case storePostgres, storeMongo, storeMemory:
	default:
		return settings{}, fmt.Errorf("unknown STORE_DRIVER %q", s.app.StoreDriver)
	}
	switch s.queue.Driver {
	case queueRedis, queueMemory:
	default:
		return settings{}, fmt.Errorf("unknown QUEUE_DRIVER %q", s.queue.Driver)
	}
	return s, nil
}

// redisNeeded reports whether any component talks to Redis.
func (s settings) redisNeeded() bool {
	return s.queue.Driver == queueRedis
}
