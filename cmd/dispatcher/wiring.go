package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/carebridge/dispatch/pkg/channel"
	"github.com/carebridge/dispatch/pkg/email"
	"github.com/carebridge/dispatch/pkg/httpserver"
	"github.com/carebridge/dispatch/pkg/inbox"
	"github.com/carebridge/dispatch/pkg/logger"
	"github.com/carebridge/dispatch/pkg/mongo"
	"github.com/carebridge/dispatch/pkg/notification"
	"github.com/carebridge/dispatch/pkg/pg"
	"github.com/carebridge/dispatch/pkg/queue"
	"github.com/carebridge/dispatch/pkg/redis"
	"github.com/carebridge/dispatch/pkg/store"
	"github.com/carebridge/dispatch/pkg/template"
)

// backends are the stateful dependencies of the engine.
type backends struct {
	store   store.Store
	inbox   inbox.Store
	queue   queue.Queue
	supp    *channel.Suppressions
	redis   goredis.UniversalClient
	prefix  string
	checks  map[string]httpserver.Check
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, s settings, log *slog.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]httpserver.Check)}

	if err := b.openStore(ctx, s, log); err != nil {
		b.close()
		return nil, err
	}
	if err := b.openQueue(ctx, s); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *backends) openStore(ctx context.Context, s settings, log *slog.Logger) error {
	switch s.app.StoreDriver {
	case storePostgres:
		pool, err := pg.Connect(ctx, s.pg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		if err := pg.Migrate(ctx, pool, s.pg, log); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		b.store = store.NewPostgres(pool)
		b.inbox = inbox.NewPostgresStore(pool)
		b.checks["postgres"] = pg.Healthcheck(pool)

	case storeMongo:
		db, err := mongo.ConnectDatabase(ctx, s.mongo)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		b.closers = append(b.closers, func() { _ = db.Client().Disconnect(context.Background()) })
		st := store.NewMongo(db)
		if err := st.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure mongo indexes: %w", err)
		}
		b.store = st
		b.inbox = inbox.NewMemoryStore()
		b.checks["mongo"] = mongo.Healthcheck(db.Client())
		log.Warn("in-app inbox is kept in memory with the mongo store driver")

	case storeMemory:
		b.store = store.NewMemory()
		b.inbox = inbox.NewMemoryStore()
		log.Warn("notifications are kept in memory and lost on restart")
	}

	b.checks["store"] = b.store.Ping
	return nil
}

func (b *backends) openQueue(ctx context.Context, s settings) error {
	if !s.redisNeeded() {
		b.queue = queue.NewMemory()
		b.supp = channel.NewMemorySuppressions()
		return nil
	}

	client, err := redis.Connect(ctx, s.redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	b.closers = append(b.closers, func() { _ = client.Close() })
	b.redis = client
	b.prefix = s.queue.Prefix
	b.queue = queue.NewRedis(client, queue.WithRedisPrefix(s.queue.Prefix))
	b.supp = channel.NewRedisSuppressions(client, s.queue.Prefix)
	b.checks["redis"] = redis.Healthcheck(client)
	return nil
}

// buildSenders registers a sender per channel that has provider
// credentials. Email falls back to writing files and in-app needs nothing.
func buildSenders(ctx context.Context, s settings, b *backends, hub *inbox.Hub, log *slog.Logger) (channel.Registry, error) {
	var senders []channel.Sender

	if s.push.ProjectID != "" {
		push, err := channel.NewPush(ctx, s.push,
			channel.WithTokenInvalidator(b.supp),
			channel.WithPushLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("build push sender: %w", err)
		}
		guarded, err := guard(push, s.pushBreaker, s.throttles[notification.ChannelPush], b)
		if err != nil {
			return nil, err
		}
		senders = append(senders, guarded)
	} else {
		log.Info("push channel disabled", slog.String("reason", "FCM_PROJECT_ID not set"))
	}

	if s.sms.AccountSID != "" {
		sms, err := channel.NewSMS(s.sms,
			channel.WithOptOutRecorder(b.supp),
			channel.WithSMSLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("build sms sender: %w", err)
		}
		guarded, err := guard(sms, s.smsBreaker, s.throttles[notification.ChannelSMS], b)
		if err != nil {
			return nil, err
		}
		senders = append(senders, guarded)
	} else {
		log.Info("sms channel disabled", slog.String("reason", "SMS_ACCOUNT_SID not set"))
	}

	var mailer email.EmailSender
	if s.email.UsePostmark() {
		client, err := email.NewPostmarkClient(s.email)
		if err != nil {
			return nil, fmt.Errorf("build postmark client: %w", err)
		}
		mailer = client
	} else {
		mailer = email.NewDevSender(s.email.DevDir)
		log.Warn("email is written to disk", slog.String("dir", s.email.DevDir))
	}
	emailOpts := []channel.EmailOption{
		channel.WithSuppressor(b.supp),
		channel.WithEmailLogger(log),
	}
	if s.app.EmailFooter != "" {
		emailOpts = append(emailOpts, channel.WithFooter(s.app.EmailFooter))
	}
	guarded, err := guard(channel.NewEmail(mailer, emailOpts...), s.emailBreaker, s.throttles[notification.ChannelEmail], b)
	if err != nil {
		return nil, err
	}
	senders = append(senders, guarded)

	senders = append(senders, channel.NewInApp(b.inbox, channel.WithHub(hub), channel.WithInAppLogger(log)))

	reg := channel.NewRegistry(senders...)
	log.Info("senders ready", slog.Any("channels", reg.Channels()), logger.Component("dispatcher"))
	return reg, nil
}

// guard puts a circuit breaker around a provider sender and, when a quota
// is configured, a throttle in front of the breaker.
func guard(sender channel.Sender, bcfg channel.BreakerConfig, tcfg channel.ThrottleConfig, b *backends) (channel.Sender, error) {
	guarded := channel.Protect(sender, channel.NewBreaker(bcfg))
	if !tcfg.Enabled() {
		return guarded, nil
	}

	var (
		limiter *channel.Limiter
		err     error
	)
	if b.redis != nil {
		limiter, err = channel.NewRedisLimiter(b.redis, b.prefix, tcfg)
	} else {
		limiter, err = channel.NewMemoryLimiter(tcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s throttle: %w", sender.Channel(), err)
	}
	return channel.Throttle(guarded, limiter), nil
}

func loadResolver(path string) (*template.Resolver, error) {
	if path == "" {
		return template.NewResolver(template.DefaultCatalog()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	catalog, err := template.LoadCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("load template catalog %s: %w", path, err)
	}
	return template.NewResolver(catalog), nil
}

// channelDirectory resolves addresses from the notification payload. A
// profile-service lookup can be prepended to the chain.
func channelDirectory() channel.Directory {
	return channel.Chain{channel.PayloadDirectory{}}
}
