// Package coordinator implements a cross-instance wakeup notifier over
// Redis Pub/Sub. Each pool instance is self-contained — it never asks
// another instance for permission to open a connection — but when one
// instance recycles or evicts a slot, publishing that event lets a
// waiter queued on a sibling instance retry sooner than its own
// poll/backoff loop otherwise would. Redis reachability is therefore an
// optimization, never a correctness dependency: FallbackConfig governs
// what happens while it's down.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/connpool/internal/config"
	"github.com/joao-brasil/connpool/internal/metrics"
)

const (
	keyInstanceList = "connpool:instances"
	keyInstanceHB   = "connpool:instance:%s:heartbeat"
	channelWakeup   = "connpool:wakeup:%s"
)

// Coordinator publishes and subscribes to per-kind wakeup notifications
// and tracks which instances are currently alive.
type Coordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string

	fallbackMode atomic.Bool

	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New connects to Redis and registers this instance. If Redis is
// unreachable and fallback is enabled, it returns a Coordinator running
// in fallback mode (Publish/Subscribe become no-ops) instead of an
// error.
func New(ctx context.Context, cfg *config.Config) (*Coordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	c := &Coordinator{
		client:      client,
		cfg:         cfg,
		instanceID:  cfg.Pool.InstanceID,
		subscribers: make(map[string]*redis.PubSub),
		stopCh:      make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), running without cross-instance wakeup", err)
			c.fallbackMode.Store(true)
			metrics.RedisOperationsTotal.WithLabelValues("ping", "error").Inc()
			return c, nil
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("ping", "ok").Inc()

	if err := c.client.SAdd(ctx, keyInstanceList, c.instanceID).Err(); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	log.Printf("[coordinator] instance %s registered, redis=%s", c.instanceID, cfg.Redis.Addr)
	return c, nil
}

// IsFallback reports whether New found Redis unreachable and started
// this coordinator in fallback mode. It is not updated afterwards.
func (c *Coordinator) IsFallback() bool { return c.fallbackMode.Load() }

// Publish notifies sibling instances that a slot of the given kind
// became available. It is best-effort: a publish failure never blocks
// or fails the caller's own pool operation.
func (c *Coordinator) Publish(ctx context.Context, kindID string) {
	if c.fallbackMode.Load() {
		return
	}
	channel := fmt.Sprintf(channelWakeup, kindID)
	if err := c.client.Publish(ctx, channel, "1").Err(); err != nil {
		log.Printf("[coordinator] publish wakeup for kind %s failed: %v", kindID, err)
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		return
	}
	metrics.RedisOperationsTotal.WithLabelValues("publish", "ok").Inc()
}

// Subscribe returns a channel that receives a value whenever any
// instance publishes a wakeup for kindID. In fallback mode it returns a
// channel that never receives — callers fall back to their own local
// retry timer.
func (c *Coordinator) Subscribe(ctx context.Context, kindID string) <-chan struct{} {
	if c.fallbackMode.Load() {
		return make(chan struct{})
	}

	channel := fmt.Sprintf(channelWakeup, kindID)
	sub := c.client.Subscribe(ctx, channel)

	c.subMu.Lock()
	c.subscribers[kindID] = sub
	c.subMu.Unlock()

	notify := make(chan struct{}, 16)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(notify)
		ch := sub.Channel()
		for {
			select {
			case <-c.stopCh:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notify <- struct{}{}:
				default:
					// Drop if the consumer is slow; it will still catch the
					// next notification or its own poll timer.
				}
			}
		}
	}()
	return notify
}

// InstanceID reports this coordinator's instance identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Close stops all subscriptions and deregisters this instance.
func (c *Coordinator) Close(ctx context.Context) error {
	close(c.stopCh)

	c.subMu.Lock()
	for _, sub := range c.subscribers {
		sub.Close()
	}
	c.subscribers = nil
	c.subMu.Unlock()

	c.wg.Wait()

	if !c.fallbackMode.Load() {
		c.client.SRem(ctx, keyInstanceList, c.instanceID)
		hbKey := fmt.Sprintf(keyInstanceHB, c.instanceID)
		c.client.Del(ctx, hbKey)
	}

	log.Printf("[coordinator] instance %s unregistered", c.instanceID)
	return c.client.Close()
}
