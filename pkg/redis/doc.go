// Package redis connects to the Redis server that backs the durable
// dispatch queues and exposes a healthcheck for the ops endpoint.
//
//	client, err := redis.Connect(ctx, cfg)
//	q := queue.NewRedis(client, queue.WithRedisPrefix("dispatch"))
package redis
